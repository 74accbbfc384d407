package ports

import (
	"context"
	"sync"

	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/repository"
)

// SiteLister lists every registered site
type SiteLister interface {
	List(ctx context.Context) ([]*models.Site, error)
}

// SiteUpdater is the registry surface needed to claim and release ports
type SiteUpdater interface {
	SiteLister
	Update(ctx context.Context, id string, mutator repository.Mutator) (*models.Site, error)
}

// Allocator hands out ports from [base, base+span)
type Allocator struct {
	base int
	span int
	mu   sync.Mutex
}

// NewAllocator creates an allocator for the given range
func NewAllocator(base, span int) *Allocator {
	return &Allocator{base: base, span: span}
}

// Allocate returns the lowest port not held by a deploying or live site.
// It does not claim the port; use Assign for that.
func (a *Allocator) Allocate(ctx context.Context, lister SiteLister) (int, error) {
	sites, err := lister.List(ctx)
	if err != nil {
		return 0, err
	}
	return a.lowestFree(sites, "")
}

// Assign picks a port and stores it on the site in one step. Scan-and-claim is
// serialized across all sites so two callers never receive the same port.
func (a *Allocator) Assign(ctx context.Context, registry SiteUpdater, id string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var port int
	_, err := registry.Update(ctx, id, func(site *models.Site) error {
		sites, err := registry.List(ctx)
		if err != nil {
			return err
		}
		p, err := a.lowestFree(sites, site.ID)
		if err != nil {
			return err
		}
		site.Port = p
		port = p
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.WithFields(map[string]interface{}{
		"site_id": id,
		"port":    port,
	}).Info("Port assigned")
	return port, nil
}

// Release clears the site's port
func (a *Allocator) Release(ctx context.Context, registry SiteUpdater, id string) error {
	_, err := registry.Update(ctx, id, func(site *models.Site) error {
		site.Port = 0
		site.IPURL = ""
		return nil
	})
	return err
}

func (a *Allocator) lowestFree(sites []*models.Site, exclude string) (int, error) {
	taken := make(map[int]bool, len(sites))
	for _, s := range sites {
		if s.ID == exclude || !s.HoldsPort() {
			continue
		}
		taken[s.Port] = true
	}
	for p := a.base; p < a.base+a.span; p++ {
		if !taken[p] {
			return p, nil
		}
	}
	return 0, &apperror.PortExhaustion{Base: a.base, Span: a.span}
}
