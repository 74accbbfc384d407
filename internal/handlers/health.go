package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	store string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store string) *HealthHandler {
	return &HealthHandler{store: store}
}

// Check handles the health check endpoint
func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "sitedeploy",
		"store":     h.store,
	})
}
