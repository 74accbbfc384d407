package router

import (
	"github.com/gin-gonic/gin"
	"github.com/imyashkale/sitedeploy/internal/handlers"
	"github.com/imyashkale/sitedeploy/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Setup configures and returns the application router
func Setup(
	auth gin.HandlerFunc,
	healthHandler *handlers.HealthHandler,
	siteHandler *handlers.SiteHandler,
	domainHandler *handlers.DomainHandler,
	bulkHandler *handlers.BulkHandler,
	githubHandler *handlers.GitHubHandler,
	eventHandler *handlers.EventHandler,
) *gin.Engine {

	// Create a new Gin router
	router := gin.Default()

	// Apply CORS and request metrics globally
	router.Use(middleware.CORS())
	router.Use(middleware.Metrics())

	// Unauthenticated health and metrics
	router.GET("/health", healthHandler.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")
	v1.Use(auth)

	v1.GET("/health", healthHandler.Check)

	sites := v1.Group("/sites")
	{
		sites.GET("", siteHandler.ListSites)
		sites.POST("", siteHandler.CreateSite)
		sites.GET("/:id", siteHandler.GetSite)
		sites.DELETE("/:id", siteHandler.DeleteSite)
		sites.POST("/:id/deploy", siteHandler.DeploySite)
		sites.POST("/:id/rebuild", siteHandler.RebuildSite)
		sites.POST("/:id/domain", siteHandler.RefreshDomain)
		sites.GET("/:id/logs", siteHandler.GetLogs)
	}

	domains := v1.Group("/domains")
	{
		domains.POST("/reconcile", domainHandler.Reconcile)
		domains.POST("/:domain/txt", domainHandler.AddTxtRecord)
		domains.GET("/:domain/provider", domainHandler.DetectProvider)
	}

	bulk := v1.Group("/bulk")
	{
		bulk.POST("/deploy", bulkHandler.Deploy)
		bulk.POST("/stop", bulkHandler.Stop)
		bulk.GET("/status", bulkHandler.Status)
		bulk.GET("/logs", bulkHandler.Logs)
		bulk.POST("/import", bulkHandler.Import)
		bulk.GET("/export", bulkHandler.Export)
		bulk.POST("/scan-github", githubHandler.ScanRepos)
	}

	v1.GET("/events", eventHandler.Recent)

	return router
}
