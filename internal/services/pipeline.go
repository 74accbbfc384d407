package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/metrics"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/ports"
	"github.com/imyashkale/sitedeploy/internal/provider"
	"github.com/imyashkale/sitedeploy/internal/repository"
	"github.com/imyashkale/sitedeploy/internal/supervisor"
)

// Pipeline stages in execution order
const (
	StageValidate = "validate"
	StagePort     = "port"
	StageBuild    = "build"
	StageStart    = "start"
	StageDomain   = "domain"
	StageLive     = "live"
	StageRebuild  = "rebuild"
)

const (
	stagePending    = "pending"
	stageInProgress = "in_progress"
	stageCompleted  = "completed"
	stageFailed     = "failed"
	stageSkipped    = "skipped"
)

var (
	// ErrDeployInProgress is returned when a pipeline is already running for the site
	ErrDeployInProgress = errors.New("deployment already in progress")
	// ErrDeployCancelled is recorded when a run stops at a stage boundary
	ErrDeployCancelled = errors.New("deployment cancelled")
)

var (
	domainPattern = regexp.MustCompile(`^(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
	scpPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[^\s]+$`)
)

var deployStages = []string{StageValidate, StagePort, StageBuild, StageStart, StageDomain, StageLive}

// SiteRegistry is the registry surface the services need
type SiteRegistry interface {
	Get(ctx context.Context, id string) (*models.Site, error)
	List(ctx context.Context) ([]*models.Site, error)
	FindByDomain(ctx context.Context, domain string) (*models.Site, error)
	Create(ctx context.Context, draft *models.Site) (*models.Site, error)
	Update(ctx context.Context, id string, mutator repository.Mutator) (*models.Site, error)
	Delete(ctx context.Context, id string) error
}

// PortAllocator claims and releases site ports
type PortAllocator interface {
	Assign(ctx context.Context, registry ports.SiteUpdater, id string) (int, error)
	Release(ctx context.Context, registry ports.SiteUpdater, id string) error
}

// ProcessSupervisor controls the process serving a site
type ProcessSupervisor interface {
	Start(ctx context.Context, site *models.Site) (*supervisor.Handle, error)
	Stop(ctx context.Context, site *models.Site) error
	Restart(ctx context.Context, site *models.Site) (*supervisor.Handle, error)
	IsRunning(ctx context.Context, site *models.Site) (bool, error)
}

// ProviderSelector picks the domain provider for a domain
type ProviderSelector interface {
	Select(ctx context.Context, domain string) (provider.Provider, provider.Detection)
	For(kind models.DomainProvider) provider.Provider
	Detector() *provider.Detector
}

// Builder fetches and builds site sources
type Builder interface {
	ProjectDir(domain string) (string, error)
	Build(ctx context.Context, repo, dir string, log *BuildLogger) error
}

// PipelineService runs the per-site deployment pipeline
type PipelineService struct {
	registry   SiteRegistry
	ports      PortAllocator
	supervisor ProcessSupervisor
	selector   ProviderSelector
	builder    Builder
	active     sync.Map // site id -> struct{}
}

// NewPipelineService creates a new pipeline service
func NewPipelineService(
	registry SiteRegistry,
	allocator PortAllocator,
	sup ProcessSupervisor,
	selector ProviderSelector,
	builder Builder,
) *PipelineService {
	return &PipelineService{
		registry:   registry,
		ports:      allocator,
		supervisor: sup,
		selector:   selector,
		builder:    builder,
	}
}

// IsActive reports whether a pipeline is running for id in this process
func (ps *PipelineService) IsActive(id string) bool {
	_, ok := ps.active.Load(id)
	return ok
}

func (ps *PipelineService) acquire(id string) bool {
	_, loaded := ps.active.LoadOrStore(id, struct{}{})
	return !loaded
}

// ValidateSite checks the user-supplied fields of a site
func ValidateSite(site *models.Site) error {
	if strings.TrimSpace(site.Name) == "" {
		return apperror.NewValidation("name", "is required")
	}
	if !domainPattern.MatchString(site.DomainName) {
		return apperror.NewValidation("domain_name", fmt.Sprintf("%q is not a valid domain", site.DomainName))
	}
	if !validRepoURL(site.Repo) {
		return apperror.NewValidation("repo", fmt.Sprintf("%q is not a git URL", site.Repo))
	}
	return nil
}

func validRepoURL(repo string) bool {
	repo = strings.TrimSpace(repo)
	if scpPattern.MatchString(repo) {
		return true
	}
	u, err := url.Parse(repo)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
		return strings.Trim(u.Path, "/") != ""
	}
	return false
}

// deployRun carries the state of one pipeline execution
type deployRun struct {
	ps      *PipelineService
	id      string
	log     *BuildLogger
	stages  map[string]*models.StageStatus
	started bool
	wasLive bool
	domain  string
	began   time.Time
	// manual is the operator instruction left by the domain stage, if any
	manual string
}

func (r *deployRun) stagesCopy() map[string]*models.StageStatus {
	out := make(map[string]*models.StageStatus, len(r.stages))
	for k, v := range r.stages {
		st := *v
		out[k] = &st
	}
	return out
}

// persist writes the run's stages and logs plus any extra mutation
func (r *deployRun) persist(ctx context.Context, mutate func(s *models.Site)) (*models.Site, error) {
	return r.ps.registry.Update(ctx, r.id, func(s *models.Site) error {
		s.Stages = r.stagesCopy()
		s.Logs = r.log.GetLogsWithSizeLimit()
		if mutate != nil {
			mutate(s)
		}
		return nil
	})
}

func (r *deployRun) markStageStarted(ctx context.Context, stage string) error {
	now := time.Now().UTC()
	r.stages[stage] = &models.StageStatus{Status: stageInProgress, StartedAt: &now}
	r.log.LogInfof(stage, "Starting %s stage", stage)
	_, err := r.persist(ctx, nil)
	return err
}

// markStageCompleted marks a stage as completed in the site record
func (r *deployRun) markStageCompleted(ctx context.Context, stage string, mutate func(s *models.Site)) error {
	now := time.Now().UTC()
	st := r.stages[stage]
	st.Status = stageCompleted
	st.CompletedAt = &now
	if st.StartedAt != nil {
		metrics.ObserveStage(stage, stageCompleted, now.Sub(*st.StartedAt))
	}
	_, err := r.persist(ctx, mutate)
	return err
}

// DeployOptions narrows a pipeline run. The zero value runs every stage.
type DeployOptions struct {
	// SkipBuild only provisions the domain of an existing deployment
	SkipBuild bool
	// SkipDomain deploys locally and leaves DNS untouched
	SkipDomain bool
}

// Deploy runs the full pipeline for one site. ctx cancellation is honoured at
// stage boundaries only; stage work itself runs to completion.
func (ps *PipelineService) Deploy(ctx context.Context, id string) error {
	return ps.DeployWith(ctx, id, DeployOptions{})
}

// DeployWith runs the pipeline with some stages switched off
func (ps *PipelineService) DeployWith(ctx context.Context, id string, opts DeployOptions) error {
	if opts.SkipBuild && opts.SkipDomain {
		return apperror.NewValidation("options", "nothing to do: both build and domain setup are skipped")
	}
	if !ps.acquire(id) {
		return ErrDeployInProgress
	}
	defer ps.active.Delete(id)

	if opts.SkipBuild {
		_, err := ps.RefreshDomain(ctx, id)
		return err
	}

	run := &deployRun{
		ps:     ps,
		id:     id,
		log:    NewBuildLogger(),
		stages: make(map[string]*models.StageStatus, len(deployStages)),
		began:  time.Now(),
	}
	for _, st := range deployStages {
		run.stages[st] = &models.StageStatus{Status: stagePending}
	}

	work := context.WithoutCancel(ctx)

	run.log.LogInfo("init", "Deployment started")
	site, err := run.persist(work, func(s *models.Site) {
		if s.Status == models.StatusDeploying {
			logger.WithSite(s.ID, s.DomainName).Warn("Recovering site left in deploying state")
		}
		run.wasLive = s.Status == models.StatusLive
		s.Status = models.StatusDeploying
		s.IPLiveStatus = false
		s.Message = "Deployment in progress"
	})
	if err != nil {
		return err
	}
	run.domain = site.DomainName

	logger.WithSite(id, site.DomainName).Info("Deployment started")

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{StageValidate, run.validate},
		{StagePort, run.assignPort},
		{StageBuild, run.build},
		{StageStart, run.start},
		{StageDomain, run.provisionDomain},
	}

	if opts.SkipDomain {
		steps = steps[:len(steps)-1]
		run.stages[StageDomain].Status = stageSkipped
		run.log.LogInfo(StageDomain, "Domain setup skipped")
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			return run.fail(work, step.name, ErrDeployCancelled)
		}
		if err := run.markStageStarted(work, step.name); err != nil {
			return run.fail(work, step.name, err)
		}
		if err := step.fn(work); err != nil {
			return run.fail(work, step.name, err)
		}
		if err := run.markStageCompleted(work, step.name, nil); err != nil {
			return run.fail(work, step.name, err)
		}
	}

	if ctx.Err() != nil {
		return run.fail(work, StageLive, ErrDeployCancelled)
	}
	if err := run.markStageStarted(work, StageLive); err != nil {
		return run.fail(work, StageLive, err)
	}
	run.log.LogInfo(StageLive, "Site deployed successfully")
	err = run.markStageCompleted(work, StageLive, func(s *models.Site) {
		s.Status = models.StatusLive
		s.IPLiveStatus = true
		s.Message = "Site deployed successfully"
		if run.manual != "" {
			s.Message += "; " + run.manual
		}
	})
	if err != nil {
		return run.fail(work, StageLive, err)
	}

	metrics.RecordDeployment(models.ResultLive)
	logger.WithFields(map[string]interface{}{
		"site_id":  id,
		"domain":   run.domain,
		"duration": time.Since(run.began).String(),
	}).Info("Deployment completed successfully")
	return nil
}

// validate checks the site's fields before any resource is acquired
func (r *deployRun) validate(ctx context.Context) error {
	site, err := r.ps.registry.Get(ctx, r.id)
	if err != nil {
		return err
	}
	if err := ValidateSite(site); err != nil {
		r.log.LogError(StageValidate, err.Error())
		return err
	}
	r.log.LogInfo(StageValidate, "Repository, domain and name are valid")
	return nil
}

func (r *deployRun) assignPort(ctx context.Context) error {
	port, err := r.ps.ports.Assign(ctx, r.ps.registry, r.id)
	if err != nil {
		r.log.LogError(StagePort, err.Error())
		return err
	}
	r.log.LogInfof(StagePort, "Assigned port %d", port)
	return nil
}

func (r *deployRun) build(ctx context.Context) error {
	site, err := r.ps.registry.Get(ctx, r.id)
	if err != nil {
		return err
	}
	dir, err := r.ps.builder.ProjectDir(site.DomainName)
	if err != nil {
		return fmt.Errorf("failed to resolve project directory: %w", err)
	}
	if err := r.ps.builder.Build(ctx, site.Repo, dir, r.log); err != nil {
		return err
	}
	_, err = r.persist(ctx, func(s *models.Site) { s.ProjectDir = dir })
	return err
}

func (r *deployRun) start(ctx context.Context) error {
	site, err := r.ps.registry.Get(ctx, r.id)
	if err != nil {
		return err
	}
	r.started = true
	handle, err := r.ps.supervisor.Start(ctx, site)
	if err != nil {
		r.log.LogError(StageStart, err.Error())
		return err
	}
	r.log.LogInfof(StageStart, "Process %s started (pid %d) on port %d", handle.Name, handle.PID, site.Port)
	return nil
}

func (r *deployRun) provisionDomain(ctx context.Context) error {
	p, det := r.ps.selector.Select(ctx, r.domain)
	if det.Error != "" {
		r.log.LogWarning(StageDomain, "Nameserver lookup failed: "+det.Error)
	} else {
		r.log.LogInfof(StageDomain, "Nameservers: %s", strings.Join(det.Nameservers, ", "))
	}
	r.log.LogInfof(StageDomain, "Using %s provider", p.Name())

	res, err := p.SetupDomain(ctx, r.domain)
	if res != nil {
		r.log.LogLines(StageDomain, res.Log)
	}
	if err != nil {
		r.log.LogError(StageDomain, err.Error())
		return err
	}
	r.manual = manualActionMessage(res)
	_, err = r.persist(ctx, func(s *models.Site) { applyDomainResult(s, p.Name(), res) })
	return err
}

// manualActionMessage describes the registrar change an operator still has to make
func manualActionMessage(res *provider.Result) string {
	if res == nil || !res.ManualActionRequired {
		return ""
	}
	if len(res.Nameservers) == 0 {
		return "MANUAL ACTION REQUIRED: update the domain's nameservers at the registrar"
	}
	return "MANUAL ACTION REQUIRED: set the domain's nameservers to " + strings.Join(res.Nameservers, ", ")
}

// applyDomainResult records the domain state after a successful SetupDomain.
// A pending manual registrar change is carried into the record message.
func applyDomainResult(s *models.Site, kind models.DomainProvider, res *provider.Result) {
	if msg := manualActionMessage(res); msg != "" {
		s.Message = msg
	}
	if kind == models.ProviderCloudflare && !res.PendingMigration {
		s.DomainProvider = models.ProviderCloudflare
		s.DomainStatus = true
		return
	}
	// a site already migrated never goes back to pending
	if s.Provider() == models.ProviderCloudflare && s.DomainStatus {
		return
	}
	s.DomainProvider = models.ProviderNamecheap
	s.DomainStatus = false
}

// fail records the failure, releases what the run acquired and returns the cause
func (r *deployRun) fail(ctx context.Context, stage string, cause error) error {
	ps := r.ps
	now := time.Now().UTC()
	st := r.stages[stage]
	if st == nil {
		st = &models.StageStatus{}
		r.stages[stage] = st
	}
	st.Status = stageFailed
	st.CompletedAt = &now
	st.Error = cause.Error()
	if st.StartedAt != nil {
		metrics.ObserveStage(stage, stageFailed, now.Sub(*st.StartedAt))
	}
	r.log.LogError(stage, fmt.Sprintf("Deployment failed at %s stage: %v", stage, cause))

	fields := map[string]interface{}{
		"site_id": r.id,
		"domain":  r.domain,
		"stage":   stage,
		"error":   cause.Error(),
	}

	if site, err := ps.registry.Get(ctx, r.id); err == nil {
		if r.started || r.wasLive {
			if err := ps.supervisor.Stop(ctx, site); err != nil {
				r.log.LogWarning(stage, "Cleanup: failed to stop process: "+err.Error())
				logger.WithFields(fields).WithField("cleanup_error", err.Error()).Warn("Failed to stop process during cleanup")
			} else {
				r.log.LogInfo(stage, "Cleanup: process stopped")
			}
		}
		if site.Port != 0 {
			if err := ps.ports.Release(ctx, ps.registry, r.id); err != nil {
				logger.WithFields(fields).WithField("cleanup_error", err.Error()).Warn("Failed to release port during cleanup")
			} else {
				r.log.LogInfof(stage, "Cleanup: port %d released", site.Port)
			}
		}
	}

	message := fmt.Sprintf("Deployment failed at %s stage: %v", stage, cause)
	if errors.Is(cause, ErrDeployCancelled) {
		message = ErrDeployCancelled.Error()
	}
	if _, err := r.persist(ctx, func(s *models.Site) {
		s.Status = models.StatusFailed
		s.IPLiveStatus = false
		s.Message = message
	}); err != nil {
		logger.WithFields(fields).WithField("persist_error", err.Error()).Error("Failed to record deployment failure")
	}

	metrics.RecordDeployment(models.ResultFailed)
	logger.WithFields(fields).Error("Deployment failed")
	return fmt.Errorf("%s stage: %w", stage, cause)
}

// Rebuild rebuilds a live site next to the running copy, swaps it in and restarts the process.
// A failed build keeps the previous build serving.
func (ps *PipelineService) Rebuild(ctx context.Context, id string) error {
	if !ps.acquire(id) {
		return ErrDeployInProgress
	}
	defer ps.active.Delete(id)

	site, err := ps.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if site.Status != models.StatusLive || site.ProjectDir == "" || site.Port == 0 {
		return apperror.NewValidation("status", "only live sites can be rebuilt")
	}

	work := context.WithoutCancel(ctx)
	run := &deployRun{
		ps:      ps,
		id:      id,
		log:     NewBuildLogger(),
		stages:  map[string]*models.StageStatus{StageRebuild: {Status: stagePending}},
		wasLive: true,
		domain:  site.DomainName,
		began:   time.Now(),
	}
	run.log.LogInfo(StageRebuild, "Rebuild started")
	if _, err := run.persist(work, func(s *models.Site) {
		s.Status = models.StatusDeploying
		s.Message = "Rebuild in progress"
	}); err != nil {
		return err
	}
	if err := run.markStageStarted(work, StageRebuild); err != nil {
		return run.fail(work, StageRebuild, err)
	}

	testDir := site.ProjectDir + "_test_build"
	if err := ps.builder.Build(work, site.Repo, testDir, run.log); err != nil {
		_ = os.RemoveAll(testDir)
		run.log.LogWarning(StageRebuild, "Build failed; keeping the previous build")
		now := time.Now().UTC()
		run.stages[StageRebuild].Status = stageFailed
		run.stages[StageRebuild].CompletedAt = &now
		run.stages[StageRebuild].Error = err.Error()
		if _, perr := run.persist(work, func(s *models.Site) {
			s.Status = models.StatusLive
			s.IPLiveStatus = true
			s.Message = "Rebuild failed; previous build still serving: " + err.Error()
		}); perr != nil {
			return perr
		}
		return fmt.Errorf("%s stage: %w", StageRebuild, err)
	}

	if err := swapDirs(site.ProjectDir, testDir); err != nil {
		_ = os.RemoveAll(testDir)
		return run.fail(work, StageRebuild, err)
	}
	run.log.LogInfo(StageRebuild, "New build swapped into place")

	handle, err := ps.supervisor.Restart(work, site)
	if err != nil {
		return run.fail(work, StageRebuild, err)
	}
	run.log.LogInfof(StageRebuild, "Process %s restarted (pid %d)", handle.Name, handle.PID)

	if err := run.markStageCompleted(work, StageRebuild, func(s *models.Site) {
		s.Status = models.StatusLive
		s.IPLiveStatus = true
		s.Message = "Site rebuilt successfully"
	}); err != nil {
		return run.fail(work, StageRebuild, err)
	}
	logger.WithSite(id, site.DomainName).Info("Rebuild completed")
	return nil
}

// swapDirs replaces dir with next, restoring dir if the swap fails halfway
func swapDirs(dir, next string) error {
	backup := dir + "_old"
	if err := os.RemoveAll(backup); err != nil {
		return fmt.Errorf("failed to clear %s: %w", backup, err)
	}
	if err := os.Rename(dir, backup); err != nil {
		return fmt.Errorf("failed to move current build aside: %w", err)
	}
	if err := os.Rename(next, dir); err != nil {
		_ = os.Rename(backup, dir)
		return fmt.Errorf("failed to move new build into place: %w", err)
	}
	return os.RemoveAll(backup)
}

// RefreshDomain re-runs domain provisioning for a site without touching its status
func (ps *PipelineService) RefreshDomain(ctx context.Context, id string) (*provider.Result, error) {
	site, err := ps.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	log := resumeLogger(site.Logs)
	p, det := ps.selector.Select(ctx, site.DomainName)
	log.LogInfof(StageDomain, "Refreshing DNS via %s (nameservers: %s)", p.Name(), strings.Join(det.Nameservers, ", "))

	res, setupErr := p.SetupDomain(ctx, site.DomainName)
	if res != nil {
		log.LogLines(StageDomain, res.Log)
	}
	_, err = ps.registry.Update(ctx, id, func(s *models.Site) error {
		s.Logs = log.GetLogsWithSizeLimit()
		if setupErr != nil {
			s.Message = "DNS refresh failed: " + setupErr.Error()
			return nil
		}
		s.Message = "DNS records refreshed"
		applyDomainResult(s, p.Name(), res)
		return nil
	})
	if setupErr != nil {
		return res, setupErr
	}
	return res, err
}

// resumeLogger continues an existing log
func resumeLogger(entries []models.LogEntry) *BuildLogger {
	bl := NewBuildLogger()
	bl.logs = append(bl.logs, entries...)
	return bl
}

// Remove stops the site's process and deletes it from the registry together with its build
func (ps *PipelineService) Remove(ctx context.Context, id string) error {
	if !ps.acquire(id) {
		return ErrDeployInProgress
	}
	defer ps.active.Delete(id)

	site, err := ps.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	log := logger.WithSite(site.ID, site.DomainName)

	if site.Port != 0 || site.Status == models.StatusLive {
		if err := ps.supervisor.Stop(ctx, site); err != nil {
			log.WithField("error", err.Error()).Warn("Failed to stop process while removing site")
		}
	}
	if err := ps.registry.Delete(ctx, id); err != nil {
		return err
	}
	if site.ProjectDir != "" {
		if err := os.RemoveAll(site.ProjectDir); err != nil {
			log.WithField("error", err.Error()).Warn("Failed to remove project directory")
		}
	}

	log.Info("Site removed")
	return nil
}
