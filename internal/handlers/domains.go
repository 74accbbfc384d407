package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/provider"
	"github.com/imyashkale/sitedeploy/internal/services"
)

// DomainOperator runs domain operations outside the pipeline
type DomainOperator interface {
	Detect(ctx context.Context, domain string) provider.Detection
	AddTxtRecord(ctx context.Context, domain, name, value string) (*provider.Result, error)
	ReconcilePending(ctx context.Context) (*services.ReconcileReport, error)
}

// DomainHandler handles DNS provider requests
type DomainHandler struct {
	domains DomainOperator
}

// NewDomainHandler creates a new domain handler
func NewDomainHandler(domains DomainOperator) *DomainHandler {
	return &DomainHandler{domains: domains}
}

// AddTxtRecord upserts an ACME DNS-01 challenge record
func (h *DomainHandler) AddTxtRecord(c *gin.Context) {
	var req models.TxtRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	res, err := h.domains.AddTxtRecord(c.Request.Context(), c.Param("domain"), req.Name, req.Value)
	if err != nil {
		respondError(c, err)
		return
	}
	respondMessage(c, http.StatusOK, "TXT record added", res)
}

// DetectProvider reports which provider serves the domain's DNS
func (h *DomainHandler) DetectProvider(c *gin.Context) {
	respondData(c, http.StatusOK, h.domains.Detect(c.Request.Context(), c.Param("domain")))
}

// Reconcile promotes pending namecheap sites whose nameservers moved to Cloudflare
func (h *DomainHandler) Reconcile(c *gin.Context) {
	report, err := h.domains.ReconcilePending(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, report)
}
