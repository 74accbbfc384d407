package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/imyashkale/sitedeploy/internal/apperror"
	"github.com/imyashkale/sitedeploy/internal/events"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/imyashkale/sitedeploy/internal/metrics"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/queue"
	"github.com/imyashkale/sitedeploy/internal/repository"
)

// ErrBatchRunning is returned when a batch is started while another one runs
var ErrBatchRunning = errors.New("a batch deployment is already running")

const (
	batchIDLayout     = "20060102_150405"
	maxBatchLogLines  = 1000
	DefaultBulkWorker = 3
)

// Deployer runs the pipeline for one site
type Deployer interface {
	DeployWith(ctx context.Context, id string, opts DeployOptions) error
}

// BatchOptions tunes a batch deployment
type BatchOptions struct {
	Concurrency int
	PendingOnly bool
	// Deploy narrows every site's pipeline run
	Deploy DeployOptions
}

// ImportReport summarizes a bulk import
type ImportReport struct {
	Created    []*models.Site    `json:"created"`
	Duplicates []string          `json:"duplicates"`
	Invalid    map[string]string `json:"invalid"`
}

type batch struct {
	report  *models.BatchReport
	ids     []string
	workers int
	deploy  DeployOptions
	ctx     context.Context
	cancel  context.CancelFunc
}

// BulkCoordinator deploys many sites with bounded parallelism, one batch at a time
type BulkCoordinator struct {
	registry   SiteRegistry
	deployer   Deployer
	publisher  events.Publisher
	maxWorkers int
	now        func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	progress models.BatchProgress
	logs     []string
	last     *models.BatchReport
	done     chan struct{}
}

// NewBulkCoordinator creates a coordinator. publisher may be nil.
func NewBulkCoordinator(registry SiteRegistry, deployer Deployer, publisher events.Publisher, maxWorkers int) *BulkCoordinator {
	if maxWorkers < 1 {
		maxWorkers = DefaultBulkWorker
	}
	return &BulkCoordinator{
		registry:   registry,
		deployer:   deployer,
		publisher:  publisher,
		maxWorkers: maxWorkers,
		now:        time.Now,
	}
}

// DeployBatch deploys the given sites (every site when ids is empty) and
// blocks until the batch finishes. Cancelling ctx stops the batch.
func (bc *BulkCoordinator) DeployBatch(ctx context.Context, ids []string, opts BatchOptions) (*models.BatchReport, error) {
	b, err := bc.prepare(ctx, ctx, ids, opts)
	if err != nil {
		return nil, err
	}
	return bc.run(b), nil
}

// StartBatch prepares a batch and runs it in the background. The batch
// outlives ctx; use Stop to abort it.
func (bc *BulkCoordinator) StartBatch(ctx context.Context, ids []string, opts BatchOptions) (*models.BatchProgress, error) {
	b, err := bc.prepare(ctx, context.Background(), ids, opts)
	if err != nil {
		return nil, err
	}
	go bc.run(b)
	progress := bc.Status()
	return &progress, nil
}

// prepare resolves the batch membership and claims the running slot
func (bc *BulkCoordinator) prepare(ctx, parent context.Context, ids []string, opts BatchOptions) (*batch, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.running {
		return nil, ErrBatchRunning
	}
	if opts.Deploy.SkipBuild && opts.Deploy.SkipDomain {
		return nil, apperror.NewValidation("options", "nothing to do: both build and domain setup are skipped")
	}

	started := bc.now()
	report := &models.BatchReport{
		ID:        started.Format(batchIDLayout),
		Results:   make(map[string]models.Result),
		StartedAt: started.UTC(),
	}
	bc.logs = nil

	var candidates []*models.Site
	if len(ids) == 0 {
		sites, err := bc.registry.List(ctx)
		if err != nil {
			return nil, err
		}
		candidates = sites
	} else {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			site, err := bc.registry.Get(ctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				report.Results[id] = models.Result{Status: models.ResultFailed, Message: "site not found"}
				report.Failed++
				continue
			}
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, site)
		}
	}

	var selected []string
	for _, site := range candidates {
		if opts.PendingOnly && site.Status != models.StatusPending && site.Status != models.StatusFailed {
			bc.logLocked(fmt.Sprintf("Skipping %s (status %s)", site.DomainName, site.Status))
			continue
		}
		selected = append(selected, site.ID)
	}

	workers := opts.Concurrency
	if workers <= 0 {
		workers = bc.maxWorkers
	}
	if workers > len(selected) {
		workers = len(selected)
	}
	if workers < 1 {
		workers = 1
	}

	batchCtx, cancel := context.WithCancel(parent)
	bc.running = true
	bc.cancel = cancel
	bc.done = make(chan struct{})
	bc.progress = models.BatchProgress{
		BatchID: report.ID,
		Running: true,
		Total:   len(selected) + len(report.Results),
		Pending: len(selected),
		Failed:  report.Failed,
	}
	bc.logLocked(fmt.Sprintf("Batch %s started: %d sites, %d workers", report.ID, len(selected), workers))
	bc.logLocked(fmt.Sprintf("Deploy local: %t, setup domain: %t", !opts.Deploy.SkipBuild, !opts.Deploy.SkipDomain))

	return &batch{
		report:  report,
		ids:     selected,
		workers: workers,
		deploy:  opts.Deploy,
		ctx:     batchCtx,
		cancel:  cancel,
	}, nil
}

// run drains the batch through a worker pool and finalizes the report
func (bc *BulkCoordinator) run(b *batch) *models.BatchReport {
	defer b.cancel()

	bc.publish(events.Event{
		Type:    events.TypeBatchStarted,
		BatchID: b.report.ID,
		Data:    map[string]interface{}{"total": len(b.ids), "workers": b.workers},
	})
	logger.WithComponent("bulk").WithFields(map[string]interface{}{
		"batch_id": b.report.ID,
		"sites":    len(b.ids),
		"workers":  b.workers,
	}).Info("Batch deployment started")

	q := queue.NewJobQueue(len(b.ids))
	for _, id := range b.ids {
		if err := q.Enqueue(&queue.DeployJob{SiteID: id, BatchID: b.report.ID}); err != nil {
			bc.record(b, id, models.Result{Status: models.ResultFailed, Message: err.Error()}, false)
		}
	}
	q.Close()

	pool := queue.NewWorkerPool(q, b.workers)
	pool.Start(func(job *queue.DeployJob) error {
		return bc.handle(b, job)
	})
	pool.Wait()

	bc.mu.Lock()
	b.report.FinishedAt = bc.now().UTC()
	report := cloneReport(b.report)
	bc.last = report
	bc.running = false
	bc.cancel = nil
	bc.progress.Running = false
	bc.logLocked(fmt.Sprintf("Batch %s finished: %d live, %d failed, %d skipped",
		report.ID, report.Succeeded, report.Failed, report.Skipped))
	close(bc.done)
	bc.mu.Unlock()

	bc.publish(events.Event{
		Type:    events.TypeBatchDone,
		BatchID: report.ID,
		Data: map[string]interface{}{
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
			"skipped":   report.Skipped,
		},
	})
	logger.WithComponent("bulk").WithFields(map[string]interface{}{
		"batch_id":  report.ID,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	}).Info("Batch deployment finished")
	return report
}

// handle runs one site. Pipeline errors become results and never escape the batch.
func (bc *BulkCoordinator) handle(b *batch, job *queue.DeployJob) error {
	if b.ctx.Err() != nil {
		bc.record(b, job.SiteID, models.Result{Status: models.ResultSkipped, Message: "batch stopped before deployment started"}, false)
		return nil
	}

	bc.mu.Lock()
	bc.progress.Pending--
	bc.progress.InProgress++
	bc.logLocked("Deploying " + job.SiteID)
	bc.mu.Unlock()

	err := bc.deployer.DeployWith(b.ctx, job.SiteID, b.deploy)
	var res models.Result
	switch {
	case err == nil:
		res = models.Result{Status: models.ResultLive, Message: "Site deployed successfully"}
	case errors.Is(err, ErrDeployInProgress):
		res = models.Result{Status: models.ResultSkipped, Message: err.Error()}
	default:
		res = models.Result{Status: models.ResultFailed, Message: err.Error()}
	}
	bc.record(b, job.SiteID, res, true)
	return err
}

func (bc *BulkCoordinator) record(b *batch, id string, res models.Result, started bool) {
	bc.mu.Lock()
	b.report.Results[id] = res
	if started {
		bc.progress.InProgress--
	} else {
		bc.progress.Pending--
	}
	switch res.Status {
	case models.ResultLive:
		b.report.Succeeded++
		bc.progress.Completed++
	case models.ResultFailed:
		b.report.Failed++
		bc.progress.Failed++
	default:
		b.report.Skipped++
		bc.progress.Skipped++
	}
	bc.logLocked(fmt.Sprintf("%s: %s %s", id, res.Status, res.Message))
	bc.mu.Unlock()

	metrics.RecordBatchResult(res.Status)
	bc.publish(events.Event{
		Type:    events.TypeBatchSite,
		BatchID: b.report.ID,
		SiteID:  id,
		To:      res.Status,
		Message: res.Message,
	})
}

// Stop cancels work not yet started. In-flight pipelines stop at their next
// stage boundary. Returns false when no batch is running.
func (bc *BulkCoordinator) Stop() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if !bc.running || bc.cancel == nil {
		return false
	}
	bc.cancel()
	bc.logLocked("Stop requested")
	logger.WithComponent("bulk").WithField("batch_id", bc.progress.BatchID).Warn("Batch stop requested")
	return true
}

// Wait blocks until the running batch (if any) finishes or ctx is done
func (bc *BulkCoordinator) Wait(ctx context.Context) error {
	bc.mu.Lock()
	done := bc.done
	bc.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the running or last batch
func (bc *BulkCoordinator) Status() models.BatchProgress {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.progress
}

// Logs returns the batch log lines
func (bc *BulkCoordinator) Logs() []string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	out := make([]string, len(bc.logs))
	copy(out, bc.logs)
	return out
}

// LastReport returns the report of the last finished batch, or nil
func (bc *BulkCoordinator) LastReport() *models.BatchReport {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.last == nil {
		return nil
	}
	return cloneReport(bc.last)
}

func (bc *BulkCoordinator) logLocked(line string) {
	bc.logs = append(bc.logs, fmt.Sprintf("[%s] %s", bc.now().Format("15:04:05"), line))
	if len(bc.logs) > maxBatchLogLines {
		bc.logs = bc.logs[len(bc.logs)-maxBatchLogLines:]
	}
}

func (bc *BulkCoordinator) publish(ev events.Event) {
	if bc.publisher == nil {
		return
	}
	if err := bc.publisher.Publish(context.Background(), ev); err != nil {
		logger.WithComponent("bulk").WithFields(map[string]interface{}{
			"batch_id": ev.BatchID,
			"event":    ev.Type,
			"error":    err.Error(),
		}).Warn("Failed to publish batch event")
	}
}

func cloneReport(r *models.BatchReport) *models.BatchReport {
	c := *r
	c.Results = make(map[string]models.Result, len(r.Results))
	for k, v := range r.Results {
		c.Results[k] = v
	}
	return &c
}

// Import registers many sites, skipping domains already present in the
// registry or earlier in the payload
func (bc *BulkCoordinator) Import(ctx context.Context, entries []models.ImportSite) (*ImportReport, error) {
	report := &ImportReport{
		Created:    []*models.Site{},
		Duplicates: []string{},
		Invalid:    map[string]string{},
	}
	seen := make(map[string]bool, len(entries))

	for i := range entries {
		draft := entries[i].ToDomain()
		key := draft.DomainName
		if key == "" {
			key = fmt.Sprintf("entry %d", i+1)
		}
		if seen[draft.DomainName] {
			report.Duplicates = append(report.Duplicates, draft.DomainName)
			continue
		}
		if err := ValidateSite(draft); err != nil {
			report.Invalid[key] = err.Error()
			continue
		}
		seen[draft.DomainName] = true

		site, err := bc.registry.Create(ctx, draft)
		var ve *apperror.ValidationError
		switch {
		case err == nil:
			report.Created = append(report.Created, site)
		case errors.Is(err, repository.ErrDuplicateDomain):
			report.Duplicates = append(report.Duplicates, draft.DomainName)
		case errors.As(err, &ve):
			report.Invalid[key] = err.Error()
		default:
			return report, err
		}
	}

	logger.WithComponent("bulk").WithFields(map[string]interface{}{
		"created":    len(report.Created),
		"duplicates": len(report.Duplicates),
		"invalid":    len(report.Invalid),
	}).Info("Bulk import finished")
	return report, nil
}

// Export returns the sites matching filter ("all", "pending" or "live"; empty means all).
// pending and live split on IP_live_status.
func (bc *BulkCoordinator) Export(ctx context.Context, filter string) ([]models.ExportSite, error) {
	switch filter {
	case "", models.FilterAll, models.FilterPending, models.FilterLive:
	default:
		return nil, apperror.NewValidation("filter", fmt.Sprintf("unknown filter %q", filter))
	}

	sites, err := bc.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ExportSite, 0, len(sites))
	for _, s := range sites {
		if filter == models.FilterPending && s.IPLiveStatus {
			continue
		}
		if filter == models.FilterLive && !s.IPLiveStatus {
			continue
		}
		out = append(out, models.ExportSite{
			ImportSite: models.ImportSite{
				Repo:       s.Repo,
				DomainName: strings.ToLower(s.DomainName),
				Name:       s.Name,
			},
			ID:           s.ID,
			Port:         s.Port,
			Status:       s.Status,
			IPLiveStatus: s.IPLiveStatus,
			DomainStatus: s.DomainStatus,
		})
	}
	return out, nil
}
