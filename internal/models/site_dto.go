package models

import "strings"

// CreateSiteRequest represents the request body for registering a new site
type CreateSiteRequest struct {
	Repo   string `json:"repo" binding:"required"`
	Domain string `json:"domain" binding:"required"`
	Name   string `json:"name" binding:"required"`
}

// ToDomain converts CreateSiteRequest DTO to a draft Site.
// The registry assigns id, status and timestamps.
func (req *CreateSiteRequest) ToDomain() *Site {
	return &Site{
		Name:       strings.TrimSpace(req.Name),
		Repo:       strings.TrimSpace(req.Repo),
		DomainName: strings.ToLower(strings.TrimSpace(req.Domain)),
	}
}

// SiteListResponse represents the response structure for listing sites
type SiteListResponse struct {
	Sites []*Site `json:"sites"`
	Total int     `json:"total"`
}

// TxtRecordRequest is the body for ACME DNS-01 TXT provisioning
type TxtRecordRequest struct {
	Name  string `json:"name" binding:"required"`
	Value string `json:"value" binding:"required"`
}

// BulkDeployRequest starts a batch deployment. An empty SiteIDs list means every site.
// DeployLocal and SetupDomain default to true when omitted.
type BulkDeployRequest struct {
	SiteIDs      []string `json:"site_ids"`
	Concurrency  int      `json:"concurrency"`
	PendingOnly  bool     `json:"pending_only"`
	StatusFilter string   `json:"status_filter"`
	DeployLocal  *bool    `json:"deploy_local"`
	SetupDomain  *bool    `json:"setup_domain"`
}

// Export filters
const (
	FilterAll     = "all"
	FilterPending = "pending"
	FilterLive    = "live"
)

// ImportSite is one entry of a bulk import payload
type ImportSite struct {
	Repo       string `json:"repo"`
	DomainName string `json:"domain_name"`
	Name       string `json:"name"`
}

// ToDomain converts an import entry to a draft Site
func (is *ImportSite) ToDomain() *Site {
	req := CreateSiteRequest{Repo: is.Repo, Domain: is.DomainName, Name: is.Name}
	return req.ToDomain()
}

// ExportSite is one entry of a bulk export: the import fields plus deployment state
type ExportSite struct {
	ImportSite
	ID           string     `json:"id"`
	Port         int        `json:"port"`
	Status       SiteStatus `json:"status"`
	IPLiveStatus bool       `json:"IP_live_status"`
	DomainStatus bool       `json:"domain_status"`
}

// ScanGitHubRequest asks for the Next.js repositories of a user, an organization
// or, with neither set, the token owner
type ScanGitHubRequest struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Org      string `json:"org"`
}
