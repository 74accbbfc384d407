package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/queue"
	"github.com/imyashkale/sitedeploy/internal/repository"
	"github.com/imyashkale/sitedeploy/internal/services"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// respondData writes the success envelope with a payload
func respondData(c *gin.Context, code int, data interface{}) {
	c.JSON(code, gin.H{
		"status": statusSuccess,
		"data":   data,
	})
}

// respondMessage writes the success envelope with a message and optional payload
func respondMessage(c *gin.Context, code int, message string, data interface{}) {
	body := gin.H{
		"status":  statusSuccess,
		"message": message,
	}
	if data != nil {
		body["data"] = data
	}
	c.JSON(code, body)
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"status":  statusError,
		"message": message,
	})
}

// respondError maps err onto an HTTP status and writes the error envelope
func respondError(c *gin.Context, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		logger.WithFields(map[string]interface{}{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
			"status": code,
			"error":  err.Error(),
		}).Error("Request failed")
	}
	c.JSON(code, gin.H{
		"status":  statusError,
		"message": err.Error(),
	})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicateDomain),
		errors.Is(err, services.ErrBatchRunning),
		errors.Is(err, services.ErrDeployInProgress):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return apperror.HTTPStatus(err)
	}
}
