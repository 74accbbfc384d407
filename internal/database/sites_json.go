package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/imyashkale/sitedeploy/internal/models"
)

// JSONFileStore keeps sites in a single JSON object keyed by site id
type JSONFileStore struct {
	path string
	mu   sync.Mutex
}

// NewJSONFileStore creates a store backed by path. The file is created on first write.
func NewJSONFileStore(path string) (*JSONFileStore, error) {
	s := &JSONFileStore{path: path}
	// Fail fast on a malformed file
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the file; caller must hold the lock or be the constructor
func (s *JSONFileStore) load() (map[string]*models.Site, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*models.Site), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return make(map[string]*models.Site), nil
	}

	sites := make(map[string]*models.Site)
	if err := json.Unmarshal(data, &sites); err != nil {
		return nil, fmt.Errorf("malformed sites file %s: %w", s.path, err)
	}
	for id, site := range sites {
		if site == nil {
			delete(sites, id)
			continue
		}
		if site.ID == "" {
			site.ID = id
		}
	}
	return sites, nil
}

// saveNoLock persists all sites (caller must hold lock)
func (s *JSONFileStore) saveNoLock(sites map[string]*models.Site) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(sites, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal sites: %w", err)
	}

	f, err := os.CreateTemp(dir, ".sites-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write sites: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to fsync sites: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close sites file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace sites file: %w", err)
	}
	return nil
}

// GetSite retrieves a site by id
func (s *JSONFileStore) GetSite(ctx context.Context, id string) (*models.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sites, err := s.load()
	if err != nil {
		return nil, err
	}
	site, ok := sites[id]
	if !ok {
		return nil, ErrNotFound
	}
	return site, nil
}

// ListSites returns every stored site
func (s *JSONFileStore) ListSites(ctx context.Context) ([]*models.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sites, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Site, 0, len(sites))
	for _, site := range sites {
		out = append(out, site)
	}
	return out, nil
}

// CreateSite stores a new site, failing if the id is taken
func (s *JSONFileStore) CreateSite(ctx context.Context, site *models.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sites, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := sites[site.ID]; ok {
		return ErrAlreadyExists
	}
	sites[site.ID] = site
	return s.saveNoLock(sites)
}

// PutSite overwrites an existing site
func (s *JSONFileStore) PutSite(ctx context.Context, site *models.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sites, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := sites[site.ID]; !ok {
		return ErrNotFound
	}
	sites[site.ID] = site
	return s.saveNoLock(sites)
}

// DeleteSite removes a site by id
func (s *JSONFileStore) DeleteSite(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sites, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := sites[id]; !ok {
		return ErrNotFound
	}
	delete(sites, id)
	return s.saveNoLock(sites)
}

// Close is a no-op for the file store
func (s *JSONFileStore) Close() error {
	return nil
}
