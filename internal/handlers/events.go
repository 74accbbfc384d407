package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/sitedeploy/internal/events"
)

const defaultEventLimit = 50

// EventHandler exposes recent site and batch events
type EventHandler struct {
	publisher events.Publisher
}

// NewEventHandler creates a new event handler
func NewEventHandler(publisher events.Publisher) *EventHandler {
	return &EventHandler{publisher: publisher}
}

// Recent returns the newest events first
func (h *EventHandler) Recent(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondBadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recent, err := h.publisher.Recent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if recent == nil {
		recent = []events.Event{}
	}
	respondData(c, http.StatusOK, gin.H{
		"events": recent,
		"total":  len(recent),
	})
}
