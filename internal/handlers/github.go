package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/sitedeploy/internal/models"
)

// RepoScanner finds Next.js repositories on GitHub
type RepoScanner interface {
	ScanNextRepos(ctx context.Context, req models.ScanGitHubRequest) ([]models.NextRepo, error)
}

// GitHubHandler handles repository discovery requests
type GitHubHandler struct {
	scanner RepoScanner
}

// NewGitHubHandler creates a new GitHub handler
func NewGitHubHandler(scanner RepoScanner) *GitHubHandler {
	return &GitHubHandler{scanner: scanner}
}

// ScanRepos lists the Next.js repositories of a user, an organization or the token owner
func (h *GitHubHandler) ScanRepos(c *gin.Context) {
	var req models.ScanGitHubRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, err.Error())
			return
		}
	}

	repos, err := h.scanner.ScanNextRepos(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{
		"repos": repos,
		"count": len(repos),
	})
}
