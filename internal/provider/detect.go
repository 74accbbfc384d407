package provider

import (
	"context"
	"net"
	"strings"

	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/models"
)

const cloudflareNSSuffix = ".ns.cloudflare.com"

// NSResolver looks up a domain's authoritative nameservers
type NSResolver interface {
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
}

// Detection is the outcome of a nameserver lookup
type Detection struct {
	Provider    models.DomainProvider `json:"provider"`
	Nameservers []string              `json:"nameservers"`
	Error       string                `json:"error,omitempty"`
}

// Detector decides which provider serves a domain from its NS records
type Detector struct {
	resolver     NSResolver
	cloudflareNS map[string]bool
}

// NewDetector creates a detector. cloudflareNameservers extends the built-in
// *.ns.cloudflare.com match, e.g. for custom nameservers.
func NewDetector(resolver NSResolver, cloudflareNameservers []string) *Detector {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	set := make(map[string]bool, len(cloudflareNameservers))
	for _, ns := range cloudflareNameservers {
		if ns = normalizeNS(ns); ns != "" {
			set[ns] = true
		}
	}
	return &Detector{resolver: resolver, cloudflareNS: set}
}

func normalizeNS(ns string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(ns), "."))
}

// IsCloudflareNS reports whether ns belongs to Cloudflare
func (d *Detector) IsCloudflareNS(ns string) bool {
	ns = normalizeNS(ns)
	return d.cloudflareNS[ns] || strings.HasSuffix(ns, cloudflareNSSuffix)
}

// Detect resolves the domain's nameservers. All of them on Cloudflare means
// cloudflare; anything else resolvable means namecheap; a failed lookup is unknown.
func (d *Detector) Detect(ctx context.Context, domain string) Detection {
	records, err := d.resolver.LookupNS(ctx, domain)
	if err != nil || len(records) == 0 {
		det := Detection{Provider: models.ProviderUnknown}
		if err != nil {
			det.Error = err.Error()
		}
		logger.WithFields(map[string]interface{}{
			"domain": domain,
			"error":  det.Error,
		}).Debug("Nameserver lookup failed")
		return det
	}

	det := Detection{Provider: models.ProviderCloudflare}
	for _, r := range records {
		ns := normalizeNS(r.Host)
		det.Nameservers = append(det.Nameservers, ns)
		if !d.IsCloudflareNS(ns) {
			det.Provider = models.ProviderNamecheap
		}
	}
	return det
}

// Selector picks the adapter for a domain
type Selector struct {
	detector   *Detector
	cloudflare Provider
	namecheap  Provider
}

// NewSelector creates a selector over the two adapters
func NewSelector(detector *Detector, cloudflare, namecheap Provider) *Selector {
	return &Selector{detector: detector, cloudflare: cloudflare, namecheap: namecheap}
}

// Detector returns the underlying detector
func (s *Selector) Detector() *Detector {
	return s.detector
}

// For returns the adapter for a known provider; unknown maps to namecheap
func (s *Selector) For(kind models.DomainProvider) Provider {
	if kind == models.ProviderCloudflare {
		return s.cloudflare
	}
	return s.namecheap
}

// Select detects the domain's provider and returns the matching adapter
func (s *Selector) Select(ctx context.Context, domain string) (Provider, Detection) {
	det := s.detector.Detect(ctx, domain)
	return s.For(det.Provider), det
}
