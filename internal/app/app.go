package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/imyashkale/sitedeploy/internal/config"
	"github.com/imyashkale/sitedeploy/internal/database"
	"github.com/imyashkale/sitedeploy/internal/events"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/ports"
	"github.com/imyashkale/sitedeploy/internal/provider"
	"github.com/imyashkale/sitedeploy/internal/queue"
	"github.com/imyashkale/sitedeploy/internal/repository"
	"github.com/imyashkale/sitedeploy/internal/services"
	"github.com/imyashkale/sitedeploy/internal/shell"
	"github.com/imyashkale/sitedeploy/internal/supervisor"
)

const deployQueueSize = 100

// App holds the wired services shared by the HTTP server and the CLI
type App struct {
	Config    *config.Config
	Registry  *repository.SiteRegistry
	Publisher events.Publisher
	Selector  *provider.Selector
	Pipeline  *services.PipelineService
	Domains   *services.DomainService
	Bulk      *services.BulkCoordinator
	GitHub    *services.GitHubService
	Jobs      *queue.JobQueue

	workers    *queue.WorkerPool
	jobCtx     context.Context
	cancelJobs context.CancelFunc
}

// New opens the site store and wires every service from cfg
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	publisher := newPublisher(cfg)
	registry := repository.NewSiteRegistry(store, cfg.ServerIP, events.NewSiteObserver(publisher))

	selector := newSelector(cfg)
	runner := shell.NewExecRunner(cfg.ProcessTimeout)
	builder := services.NewSourceBuilder(services.NewGitFetcher(nil), runner, cfg.ProjectDeployPath)

	pipeline := services.NewPipelineService(
		registry,
		ports.NewAllocator(cfg.DefaultPort, cfg.PortRangeSpan),
		supervisor.NewSupervisor(runner, cfg.PM2Prefix),
		selector,
		builder,
	)

	jobCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:     cfg,
		Registry:   registry,
		Publisher:  publisher,
		Selector:   selector,
		Pipeline:   pipeline,
		Domains:    services.NewDomainService(registry, selector),
		Bulk:       services.NewBulkCoordinator(registry, pipeline, publisher, cfg.BulkMaxWorkers),
		GitHub:     services.NewGitHubService(cfg.GitHubAPIURL, cfg.GitHubToken),
		Jobs:       queue.NewJobQueue(deployQueueSize),
		jobCtx:     jobCtx,
		cancelJobs: cancel,
	}

	logger.WithFields(map[string]interface{}{
		"store":          cfg.SitesStore,
		"server_ip":      cfg.ServerIP,
		"port_base":      cfg.DefaultPort,
		"port_span":      cfg.PortRangeSpan,
		"deploy_path":    cfg.ProjectDeployPath,
		"cloudflare":     cfg.HasCloudflare(),
		"namecheap":      cfg.HasNamecheap(),
		"redis_events":   cfg.HasRedis(),
		"deploy_workers": cfg.DeployWorkers,
	}).Info("Application wired")

	return a, nil
}

// openStore selects the registry backend
func openStore(ctx context.Context, cfg *config.Config) (repository.SiteStore, error) {
	switch cfg.SitesStore {
	case config.StoreSQLite:
		return database.NewSQLiteStore(cfg.SQLitePath)
	case config.StoreDynamoDB:
		client, err := database.NewClient(ctx, database.NewConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create DynamoDB client: %w", err)
		}
		return database.NewSiteOperations(client), nil
	default:
		return database.NewJSONFileStore(cfg.SitesJSONPath)
	}
}

// newPublisher prefers Redis and falls back to the in-memory ring
func newPublisher(cfg *config.Config) events.Publisher {
	if cfg.HasRedis() {
		p, err := events.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err == nil {
			return p
		}
		logger.WithField("error", err.Error()).Warn("Redis unavailable, keeping events in memory")
	}
	return events.NewMemoryPublisher(0)
}

func newSelector(cfg *config.Config) *provider.Selector {
	retry := provider.Policy{
		MaxAttempts: cfg.ProviderMaxAttempts,
		BaseDelay:   cfg.ProviderBackoffBase,
	}

	if !cfg.HasCloudflare() {
		logger.Warn("CLOUDFLARE_API_TOKEN is not set; domain provisioning will fail until it is configured")
	}
	cf := provider.NewCloudflareAdapter(
		provider.NewCloudflareClient(cfg.CloudflareAPIToken, cfg.CloudflareAccountID, retry),
		cfg.ServerIP,
	)

	var registrar *provider.NamecheapClient
	if cfg.HasNamecheap() {
		registrar = provider.NewNamecheapClient(cfg.NamecheapAPIURL, provider.NamecheapCredentials{
			APIUser:  cfg.NamecheapAPIUser,
			APIKey:   cfg.NamecheapAPIKey,
			Username: cfg.NamecheapUsername,
			ClientIP: cfg.NamecheapClientIP,
		}, retry)
	}

	detector := provider.NewDetector(net.DefaultResolver, cfg.CloudflareNameservers)
	return provider.NewSelector(detector, cf, provider.NewNamecheapAdapter(registrar, cf))
}

// StartWorkers launches the pool that executes queued deploy and rebuild jobs
func (a *App) StartWorkers() {
	a.workers = queue.NewWorkerPool(a.Jobs, a.Config.DeployWorkers)
	a.workers.Start(a.HandleJob)
	logger.WithField("workers", a.Config.DeployWorkers).Info("Deploy workers started")
}

// HandleJob runs one queued job
func (a *App) HandleJob(job *queue.DeployJob) error {
	switch job.Kind {
	case queue.KindRebuild:
		return a.Pipeline.Rebuild(a.jobCtx, job.SiteID)
	case queue.KindDeploy, "":
		return a.Pipeline.Deploy(a.jobCtx, job.SiteID)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// Shutdown stops the running batch, drains the deploy queue and closes the store.
// When ctx expires first, queued pipelines are cancelled at their next stage
// boundary and the store is left open for them.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Bulk.Stop() {
		logger.Info("Waiting for running batch to stop")
	}
	a.Jobs.Close()

	done := make(chan struct{})
	go func() {
		if a.workers != nil {
			a.workers.Wait()
		}
		_ = a.Bulk.Wait(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.cancelJobs()
		return fmt.Errorf("shutdown deadline exceeded with deployments in flight: %w", ctx.Err())
	}
	a.cancelJobs()

	return a.Close()
}

// Close releases the publisher and the site store
func (a *App) Close() error {
	var errs []error
	if err := a.Publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
	}
	if err := a.Registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close site store: %w", err))
	}
	return errors.Join(errs...)
}

// EnsureDeployPath creates the directory site builds are written to
func EnsureDeployPath(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.ProjectDeployPath, 0o755); err != nil {
		return fmt.Errorf("failed to create deploy path %s: %w", cfg.ProjectDeployPath, err)
	}
	return nil
}
