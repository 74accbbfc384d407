package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imyashkale/sitedeploy/internal/app"
	"github.com/imyashkale/sitedeploy/internal/config"
	"github.com/imyashkale/sitedeploy/internal/handlers"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/metrics"
	"github.com/imyashkale/sitedeploy/internal/middleware"
	"github.com/imyashkale/sitedeploy/internal/router"
)

const shutdownTimeout = 30 * time.Second

func main() {

	ctx := context.Background()

	// Load application configuration
	cfg := config.New()
	logger.Init(cfg.LogLevel)
	logger.Info("Configuration loaded successfully")

	metrics.Init()

	if err := app.EnsureDeployPath(cfg); err != nil {
		logger.Fatalf("Failed to prepare deploy path: %v", err)
	}

	// Wire registry, providers, pipeline and batch coordinator
	application, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize application: %v", err)
	}

	// Start deploy workers
	application.StartWorkers()

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(cfg.SitesStore)
	siteHandler := handlers.NewSiteHandler(application.Registry, application.Pipeline, application.Jobs)
	domainHandler := handlers.NewDomainHandler(application.Domains)
	bulkHandler := handlers.NewBulkHandler(application.Bulk)
	githubHandler := handlers.NewGitHubHandler(application.GitHub)
	eventHandler := handlers.NewEventHandler(application.Publisher)
	logger.Info("Handlers initialized")

	// Setup router
	r := router.Setup(
		middleware.Authentication(cfg.APIKey, cfg.JWTSecret),
		healthHandler,
		siteHandler,
		domainHandler,
		bulkHandler,
		githubHandler,
		eventHandler,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server
	go func() {
		logger.Infof("Starting server on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down server gracefully...")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	// Stop accepting requests before draining the deploy queue
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown failed: %v", err)
	}

	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Application shutdown incomplete: %v", err)
		os.Exit(1)
	}
	logger.Info("All workers stopped")
}
