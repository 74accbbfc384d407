package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/provider"
	"github.com/imyashkale/sitedeploy/internal/queue"
	"github.com/imyashkale/sitedeploy/internal/services"
)

// SiteReader is the registry surface the site handlers read and create through
type SiteReader interface {
	Get(ctx context.Context, id string) (*models.Site, error)
	List(ctx context.Context) ([]*models.Site, error)
	Create(ctx context.Context, draft *models.Site) (*models.Site, error)
}

// SitePipeline runs the synchronous site operations
type SitePipeline interface {
	IsActive(id string) bool
	Remove(ctx context.Context, id string) error
	RefreshDomain(ctx context.Context, id string) (*provider.Result, error)
}

// JobEnqueuer accepts deploy and rebuild jobs for the worker pool
type JobEnqueuer interface {
	Enqueue(job *queue.DeployJob) error
}

// SiteHandler handles site registry and deployment requests
type SiteHandler struct {
	registry SiteReader
	pipeline SitePipeline
	jobs     JobEnqueuer
}

// NewSiteHandler creates a new site handler
func NewSiteHandler(registry SiteReader, pipeline SitePipeline, jobs JobEnqueuer) *SiteHandler {
	return &SiteHandler{
		registry: registry,
		pipeline: pipeline,
		jobs:     jobs,
	}
}

// ListSites returns every registered site
func (h *SiteHandler) ListSites(c *gin.Context) {
	sites, err := h.registry.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	for _, s := range sites {
		s.Logs = nil
	}
	respondData(c, http.StatusOK, models.SiteListResponse{Sites: sites, Total: len(sites)})
}

// GetSite returns a single site
func (h *SiteHandler) GetSite(c *gin.Context) {
	site, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, site)
}

// CreateSite registers a new site in pending state
func (h *SiteHandler) CreateSite(c *gin.Context) {
	var req models.CreateSiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	draft := req.ToDomain()
	if err := services.ValidateSite(draft); err != nil {
		respondError(c, err)
		return
	}

	site, err := h.registry.Create(c.Request.Context(), draft)
	if err != nil {
		respondError(c, err)
		return
	}

	respondMessage(c, http.StatusCreated, "Site created successfully", gin.H{
		"site_id": site.ID,
		"site":    site,
	})
}

// DeleteSite stops the site's process and removes it
func (h *SiteHandler) DeleteSite(c *gin.Context) {
	if err := h.pipeline.Remove(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "Site deleted successfully", nil)
}

// DeploySite enqueues a full pipeline run for the site
func (h *SiteHandler) DeploySite(c *gin.Context) {
	h.enqueue(c, queue.KindDeploy, "Deployment queued")
}

// RebuildSite enqueues a rebuild of a live site
func (h *SiteHandler) RebuildSite(c *gin.Context) {
	h.enqueue(c, queue.KindRebuild, "Rebuild queued")
}

func (h *SiteHandler) enqueue(c *gin.Context, kind, message string) {
	id := c.Param("id")
	site, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if h.pipeline.IsActive(id) {
		respondError(c, services.ErrDeployInProgress)
		return
	}
	if err := h.jobs.Enqueue(&queue.DeployJob{SiteID: id, Kind: kind}); err != nil {
		respondError(c, err)
		return
	}

	logger.WithSite(site.ID, site.DomainName).WithField("kind", kind).Info("Job enqueued")
	respondMessage(c, http.StatusAccepted, message, gin.H{
		"site_id": id,
		"kind":    kind,
	})
}

// RefreshDomain re-provisions DNS for the site and waits for the result
func (h *SiteHandler) RefreshDomain(c *gin.Context) {
	res, err := h.pipeline.RefreshDomain(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "DNS records refreshed", res)
}

// GetLogs returns the deployment log and stage states of a site
func (h *SiteHandler) GetLogs(c *gin.Context) {
	site, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	logs := site.Logs
	if logs == nil {
		logs = []models.LogEntry{}
	}
	respondData(c, http.StatusOK, gin.H{
		"site_id": site.ID,
		"status":  site.Status,
		"message": site.Message,
		"stages":  site.Stages,
		"logs":    logs,
	})
}
