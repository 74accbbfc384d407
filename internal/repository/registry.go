package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/database"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/models"
)

var (
	// ErrNotFound is returned when no site matches the lookup
	ErrNotFound = database.ErrNotFound
	// ErrDuplicateDomain is returned when a site for the domain already exists
	ErrDuplicateDomain = errors.New("a site with this domain already exists")
)

// SiteStore is the persistence backend behind the registry
type SiteStore interface {
	GetSite(ctx context.Context, id string) (*models.Site, error)
	ListSites(ctx context.Context) ([]*models.Site, error)
	CreateSite(ctx context.Context, site *models.Site) error
	PutSite(ctx context.Context, site *models.Site) error
	DeleteSite(ctx context.Context, id string) error
	Close() error
}

// Observer is told about every committed change to a site
type Observer interface {
	SiteChanged(ctx context.Context, before, after *models.Site)
}

// Mutator edits a fresh copy of a site inside the record's critical section.
// Returning an error aborts the update without writing.
type Mutator func(site *models.Site) error

// SiteRegistry is the durable, concurrency-safe store of site records
type SiteRegistry struct {
	store     SiteStore
	serverIP  string
	locks     sync.Map // site id -> *sync.Mutex
	createMu  sync.Mutex
	observers []Observer
	now       func() time.Time
}

// NewSiteRegistry creates a registry on top of store. serverIP is used to derive IP_URL.
func NewSiteRegistry(store SiteStore, serverIP string, observers ...Observer) *SiteRegistry {
	return &SiteRegistry{
		store:     store,
		serverIP:  serverIP,
		observers: observers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AddObserver registers an observer for committed changes
func (r *SiteRegistry) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

func (r *SiteRegistry) lockFor(id string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (r *SiteRegistry) get(ctx context.Context, id string) (*models.Site, error) {
	site, err := r.store.GetSite(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperror.NewStorage("get", err)
	}
	return site, nil
}

// Get returns a copy of the site with the given id
func (r *SiteRegistry) Get(ctx context.Context, id string) (*models.Site, error) {
	site, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return site.Clone(), nil
}

// List returns every site ordered by creation time, then id
func (r *SiteRegistry) List(ctx context.Context) ([]*models.Site, error) {
	sites, err := r.store.ListSites(ctx)
	if err != nil {
		return nil, apperror.NewStorage("list", err)
	}
	out := make([]*models.Site, 0, len(sites))
	for _, s := range sites {
		out = append(out, s.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// FindByDomain returns the site registered for domain (case-insensitive)
func (r *SiteRegistry) FindByDomain(ctx context.Context, domain string) (*models.Site, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	sites, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range sites {
		if strings.ToLower(s.DomainName) == domain {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// Create registers a new pending site from draft. Only name, repo and domain are taken from the draft.
func (r *SiteRegistry) Create(ctx context.Context, draft *models.Site) (*models.Site, error) {
	if draft == nil {
		return nil, apperror.NewValidation("site", "is required")
	}
	name := strings.TrimSpace(draft.Name)
	repo := strings.TrimSpace(draft.Repo)
	domain := strings.ToLower(strings.TrimSpace(draft.DomainName))
	switch {
	case repo == "":
		return nil, apperror.NewValidation("repo", "is required")
	case domain == "":
		return nil, apperror.NewValidation("domain_name", "is required")
	case name == "":
		return nil, apperror.NewValidation("name", "is required")
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if _, err := r.FindByDomain(ctx, domain); err == nil {
		return nil, ErrDuplicateDomain
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := r.now()
	site := &models.Site{
		ID:             uuid.New().String(),
		Name:           name,
		Repo:           repo,
		DomainName:     domain,
		Status:         models.StatusPending,
		DomainProvider: models.ProviderUnknown,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.store.CreateSite(ctx, site); err != nil {
		return nil, apperror.NewStorage("create", err)
	}

	logger.WithSite(site.ID, site.DomainName).Info("Site registered")
	r.notify(ctx, nil, site)
	return site.Clone(), nil
}

// Update applies mutator to a fresh copy of the site and persists the result.
// Concurrent updates of the same id are serialized.
func (r *SiteRegistry) Update(ctx context.Context, id string, mutator Mutator) (*models.Site, error) {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	current, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := mutator(next); err != nil {
		return nil, err
	}

	if !models.CanTransition(current.Status, next.Status) {
		return nil, apperror.NewValidation("status",
			fmt.Sprintf("cannot move from %s to %s", current.Status, next.Status))
	}

	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = r.now()
	if next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt
	}
	next.RefreshIPURL(r.serverIP)

	if err := r.store.PutSite(ctx, next); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperror.NewStorage("update", err)
	}

	r.notify(ctx, current, next)
	return next.Clone(), nil
}

// Delete removes a site record
func (r *SiteRegistry) Delete(ctx context.Context, id string) error {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if err := r.store.DeleteSite(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			r.locks.Delete(id)
			return ErrNotFound
		}
		return apperror.NewStorage("delete", err)
	}
	r.locks.Delete(id)
	logger.WithField("site_id", id).Info("Site deleted")
	return nil
}

// Close releases the underlying store
func (r *SiteRegistry) Close() error {
	return r.store.Close()
}

func (r *SiteRegistry) notify(ctx context.Context, before, after *models.Site) {
	for _, o := range r.observers {
		o.SiteChanged(ctx, before, after)
	}
}
