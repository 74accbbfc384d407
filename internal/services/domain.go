package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/provider"
	"github.com/imyashkale/sitedeploy/internal/repository"
)

// ReconcileReport summarizes one detection pass over pending migrations
type ReconcileReport struct {
	Checked  int               `json:"checked"`
	Migrated []string          `json:"migrated"`
	Pending  []string          `json:"pending"`
	Failed   map[string]string `json:"failed"`
}

// DomainService handles domain operations outside the deployment pipeline
type DomainService struct {
	registry SiteRegistry
	selector ProviderSelector
}

// NewDomainService creates a new domain service
func NewDomainService(registry SiteRegistry, selector ProviderSelector) *DomainService {
	return &DomainService{registry: registry, selector: selector}
}

// Detect reports which provider currently serves domain
func (ds *DomainService) Detect(ctx context.Context, domain string) provider.Detection {
	return ds.selector.Detector().Detect(ctx, normalizeDomain(domain))
}

// AddTxtRecord upserts an ACME challenge record for domain. Registered sites use
// their recorded provider; other domains go through detection.
func (ds *DomainService) AddTxtRecord(ctx context.Context, domain, name, value string) (*provider.Result, error) {
	domain = normalizeDomain(domain)
	if !domainPattern.MatchString(domain) {
		return nil, apperror.NewValidation("domain", fmt.Sprintf("%q is not a valid domain", domain))
	}
	if strings.TrimSpace(name) == "" {
		return nil, apperror.NewValidation("name", "is required")
	}
	if value == "" {
		return nil, apperror.NewValidation("value", "is required")
	}

	var p provider.Provider
	site, err := ds.registry.FindByDomain(ctx, domain)
	switch {
	case err == nil && site.Provider() != models.ProviderUnknown:
		p = ds.selector.For(site.Provider())
	case err == nil || errors.Is(err, repository.ErrNotFound):
		p, _ = ds.selector.Select(ctx, domain)
	default:
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"domain":   domain,
		"name":     name,
		"provider": p.Name(),
	}).Info("Upserting TXT record")
	return p.AddTxtRecord(ctx, domain, name, value)
}

// ReconcilePending runs the detection pass: every site waiting on a Namecheap
// nameserver migration whose nameservers now point at Cloudflare is re-synced
// through Cloudflare and marked managed. Lookups go through the recursive
// resolver, so a site stays pending until cached NS records expire; run it again
// later.
func (ds *DomainService) ReconcilePending(ctx context.Context) (*ReconcileReport, error) {
	sites, err := ds.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		Migrated: []string{},
		Pending:  []string{},
		Failed:   map[string]string{},
	}
	cloudflare := ds.selector.For(models.ProviderCloudflare)

	for _, site := range sites {
		if site.Provider() != models.ProviderNamecheap || site.DomainStatus {
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		det := ds.selector.Detector().Detect(ctx, site.DomainName)
		if det.Provider != models.ProviderCloudflare {
			report.Pending = append(report.Pending, site.DomainName)
			continue
		}

		log := resumeLogger(site.Logs)
		log.LogInfof(StageDomain, "Nameserver migration observed: %s", strings.Join(det.Nameservers, ", "))
		res, setupErr := cloudflare.SetupDomain(ctx, site.DomainName)
		if res != nil {
			log.LogLines(StageDomain, res.Log)
		}

		_, err := ds.registry.Update(ctx, site.ID, func(s *models.Site) error {
			s.Logs = log.GetLogsWithSizeLimit()
			if setupErr != nil {
				s.Message = "DNS sync after migration failed: " + setupErr.Error()
				return nil
			}
			s.DomainProvider = models.ProviderCloudflare
			s.DomainStatus = true
			s.Message = "Domain now managed by Cloudflare"
			return nil
		})
		switch {
		case setupErr != nil:
			report.Failed[site.DomainName] = setupErr.Error()
		case err != nil:
			report.Failed[site.DomainName] = err.Error()
		default:
			report.Migrated = append(report.Migrated, site.DomainName)
		}
	}

	logger.WithFields(map[string]interface{}{
		"checked":  report.Checked,
		"migrated": len(report.Migrated),
		"pending":  len(report.Pending),
		"failed":   len(report.Failed),
	}).Info("Domain reconciliation finished")
	return report, nil
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
