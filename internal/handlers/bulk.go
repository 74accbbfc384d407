package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/services"
)

// BatchRunner coordinates batch deployments and bulk registry changes
type BatchRunner interface {
	StartBatch(ctx context.Context, ids []string, opts services.BatchOptions) (*models.BatchProgress, error)
	Stop() bool
	Status() models.BatchProgress
	Logs() []string
	LastReport() *models.BatchReport
	Import(ctx context.Context, entries []models.ImportSite) (*services.ImportReport, error)
	Export(ctx context.Context, filter string) ([]models.ExportSite, error)
}

// BulkImportRequest is the body of a bulk import
type BulkImportRequest struct {
	Sites []models.ImportSite `json:"sites" binding:"required"`
}

// BulkHandler handles batch deployment requests
type BulkHandler struct {
	bulk BatchRunner
}

// NewBulkHandler creates a new bulk handler
func NewBulkHandler(bulk BatchRunner) *BulkHandler {
	return &BulkHandler{bulk: bulk}
}

// Deploy starts a batch in the background
func (h *BulkHandler) Deploy(c *gin.Context) {
	var req models.BulkDeployRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, err.Error())
			return
		}
	}
	if req.Concurrency < 0 {
		respondBadRequest(c, "concurrency must not be negative")
		return
	}
	opts, ok := batchOptions(&req)
	if !ok {
		respondBadRequest(c, "status_filter must be pending or all")
		return
	}

	progress, err := h.bulk.StartBatch(c.Request.Context(), req.SiteIDs, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusAccepted, "Bulk deployment started", progress)
}

// batchOptions maps the request switches onto the coordinator options
func batchOptions(req *models.BulkDeployRequest) (services.BatchOptions, bool) {
	opts := services.BatchOptions{
		Concurrency: req.Concurrency,
		PendingOnly: req.PendingOnly,
	}
	switch req.StatusFilter {
	case "", models.FilterAll:
	case models.FilterPending:
		opts.PendingOnly = true
	default:
		return opts, false
	}
	if req.DeployLocal != nil && !*req.DeployLocal {
		opts.Deploy.SkipBuild = true
	}
	if req.SetupDomain != nil && !*req.SetupDomain {
		opts.Deploy.SkipDomain = true
	}
	return opts, true
}

// Stop asks the running batch to stop scheduling new deployments
func (h *BulkHandler) Stop(c *gin.Context) {
	if !h.bulk.Stop() {
		c.JSON(http.StatusConflict, gin.H{
			"status":  statusError,
			"message": "No deployment running",
		})
		return
	}
	respondMessage(c, http.StatusOK, "Stop requested", nil)
}

// Status returns progress of the running or last batch
func (h *BulkHandler) Status(c *gin.Context) {
	respondData(c, http.StatusOK, gin.H{
		"progress": h.bulk.Status(),
		"report":   h.bulk.LastReport(),
	})
}

// Logs returns the coordinator log of the running or last batch
func (h *BulkHandler) Logs(c *gin.Context) {
	logs := h.bulk.Logs()
	if logs == nil {
		logs = []string{}
	}
	respondData(c, http.StatusOK, gin.H{
		"batch_id": h.bulk.Status().BatchID,
		"logs":     logs,
	})
}

// Import registers sites in bulk
func (h *BulkHandler) Import(c *gin.Context) {
	var req BulkImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if len(req.Sites) == 0 {
		respondBadRequest(c, "No sites provided")
		return
	}

	report, err := h.bulk.Import(c.Request.Context(), req.Sites)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, report)
}

// Export returns the sites matching ?filter=all|pending|live
func (h *BulkHandler) Export(c *gin.Context) {
	sites, err := h.bulk.Export(c.Request.Context(), c.Query("filter"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{
		"sites": sites,
		"total": len(sites),
	})
}
