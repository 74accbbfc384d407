package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/imyashkale/sitedeploy/internal/models"
	_ "modernc.org/sqlite"
)

// migration is one versioned schema step
type migration struct {
	Version int64
	Name    string
	SQL     string
}

var sqliteMigrations = []migration{
	{
		Version: 1,
		Name:    "create_sites",
		SQL: `CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			repo TEXT NOT NULL,
			domain_name TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			project_dir TEXT NOT NULL DEFAULT '',
			domain_status INTEGER NOT NULL DEFAULT 0,
			domain_provider TEXT NOT NULL DEFAULT '',
			ip_url TEXT NOT NULL DEFAULT '',
			ip_live_status INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			stages TEXT NOT NULL DEFAULT '{}',
			logs TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	},
	{
		Version: 2,
		Name:    "index_sites_domain",
		SQL:     `CREATE INDEX IF NOT EXISTS idx_sites_domain_name ON sites (domain_name)`,
	},
}

// SQLiteStore keeps sites in a SQLite database using the pure-Go driver
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies migrations
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writers queue on the single pooled connection
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int64
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range sqliteMigrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

const siteColumns = `id, name, repo, domain_name, port, status, project_dir, domain_status,
	domain_provider, ip_url, ip_live_status, message, stages, logs, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSite(row rowScanner) (*models.Site, error) {
	var (
		site                 models.Site
		status, provider     string
		stages, logs         string
		createdAt, updatedAt string
	)
	err := row.Scan(&site.ID, &site.Name, &site.Repo, &site.DomainName, &site.Port, &status,
		&site.ProjectDir, &site.DomainStatus, &provider, &site.IPURL, &site.IPLiveStatus,
		&site.Message, &stages, &logs, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	site.Status = models.SiteStatus(status)
	site.DomainProvider = models.DomainProvider(provider)

	if stages != "" && stages != "{}" {
		if err := json.Unmarshal([]byte(stages), &site.Stages); err != nil {
			return nil, fmt.Errorf("failed to decode stages for %s: %w", site.ID, err)
		}
	}
	if logs != "" && logs != "[]" {
		if err := json.Unmarshal([]byte(logs), &site.Logs); err != nil {
			return nil, fmt.Errorf("failed to decode logs for %s: %w", site.ID, err)
		}
	}
	if site.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s: %w", site.ID, err)
	}
	if site.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s: %w", site.ID, err)
	}
	return &site, nil
}

func encodeSiteJSON(site *models.Site) (string, string, error) {
	stages := "{}"
	if len(site.Stages) > 0 {
		b, err := json.Marshal(site.Stages)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode stages: %w", err)
		}
		stages = string(b)
	}
	logs := "[]"
	if len(site.Logs) > 0 {
		b, err := json.Marshal(site.Logs)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode logs: %w", err)
		}
		logs = string(b)
	}
	return stages, logs, nil
}

// GetSite retrieves a site by id
func (s *SQLiteStore) GetSite(ctx context.Context, id string) (*models.Site, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+siteColumns+" FROM sites WHERE id = ?", id)
	site, err := scanSite(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return site, nil
}

// ListSites returns every stored site
func (s *SQLiteStore) ListSites(ctx context.Context) ([]*models.Site, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+siteColumns+" FROM sites ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	sites := make([]*models.Site, 0)
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sites: %w", err)
	}
	return sites, nil
}

// CreateSite inserts a new site
func (s *SQLiteStore) CreateSite(ctx context.Context, site *models.Site) error {
	stages, logs, err := encodeSiteJSON(site)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO sites ("+siteColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		site.ID, site.Name, site.Repo, site.DomainName, site.Port, string(site.Status), site.ProjectDir,
		site.DomainStatus, string(site.DomainProvider), site.IPURL, site.IPLiveStatus, site.Message,
		stages, logs, site.CreatedAt.UTC().Format(time.RFC3339Nano), site.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert site: %w", err)
	}
	return nil
}

// PutSite overwrites an existing site
func (s *SQLiteStore) PutSite(ctx context.Context, site *models.Site) error {
	stages, logs, err := encodeSiteJSON(site)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE sites SET name = ?, repo = ?, domain_name = ?, port = ?, status = ?,
		project_dir = ?, domain_status = ?, domain_provider = ?, ip_url = ?, ip_live_status = ?, message = ?,
		stages = ?, logs = ?, created_at = ?, updated_at = ? WHERE id = ?`,
		site.Name, site.Repo, site.DomainName, site.Port, string(site.Status), site.ProjectDir,
		site.DomainStatus, string(site.DomainProvider), site.IPURL, site.IPLiveStatus, site.Message,
		stages, logs, site.CreatedAt.UTC().Format(time.RFC3339Nano), site.UpdatedAt.UTC().Format(time.RFC3339Nano), site.ID)
	if err != nil {
		return fmt.Errorf("failed to update site: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSite removes a site by id
func (s *SQLiteStore) DeleteSite(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sites WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete site: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
