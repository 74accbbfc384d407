package queue

import (
	"sync"

	"github.com/imyashkale/sitedeploy/internal/logger"
)

// Job kinds
const (
	KindDeploy  = "deploy"
	KindRebuild = "rebuild"
)

// DeployJob represents one site pipeline run in the queue
type DeployJob struct {
	SiteID  string
	Kind    string
	BatchID string
}

// JobQueue manages the job queue with a channel-based system
type JobQueue struct {
	jobs   chan *DeployJob
	mu     sync.RWMutex
	closed bool
}

// NewJobQueue creates a new job queue with the specified buffer size
func NewJobQueue(bufferSize int) *JobQueue {
	return &JobQueue{
		jobs: make(chan *DeployJob, bufferSize),
	}
}

// Enqueue adds a job to the queue without blocking
func (jq *JobQueue) Enqueue(job *DeployJob) error {
	if job.Kind == "" {
		job.Kind = KindDeploy
	}

	jq.mu.RLock()
	defer jq.mu.RUnlock()

	if jq.closed {
		logger.WithFields(map[string]interface{}{
			"site_id": job.SiteID,
			"kind":    job.Kind,
		}).Warn("Failed to enqueue job: queue is closed")
		return ErrQueueClosed
	}

	select {
	case jq.jobs <- job:
		logger.WithFields(map[string]interface{}{
			"site_id":  job.SiteID,
			"kind":     job.Kind,
			"batch_id": job.BatchID,
		}).Debug("Job enqueued")
		return nil
	default:
		logger.WithFields(map[string]interface{}{
			"site_id": job.SiteID,
			"kind":    job.Kind,
		}).Warn("Failed to enqueue job: queue is full")
		return ErrQueueFull
	}
}

// Jobs returns the underlying channel for job consumption
func (jq *JobQueue) Jobs() <-chan *DeployJob {
	return jq.jobs
}

// Len returns the number of buffered jobs
func (jq *JobQueue) Len() int {
	return len(jq.jobs)
}

// Close closes the queue. Buffered jobs are still delivered to workers.
func (jq *JobQueue) Close() {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	if jq.closed {
		return
	}
	jq.closed = true
	close(jq.jobs)
}

// WorkerPool manages multiple workers processing jobs
type WorkerPool struct {
	workers int
	jobs    <-chan *DeployJob
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue *JobQueue, numWorkers int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkerPool{
		workers: numWorkers,
		jobs:    queue.Jobs(),
		done:    make(chan struct{}),
	}
}

// Start starts all workers
func (wp *WorkerPool) Start(handler func(*DeployJob) error) {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(handler)
	}
}

// worker processes jobs from the queue
func (wp *WorkerPool) worker(handler func(*DeployJob) error) {
	defer wp.wg.Done()

	for {
		select {
		case job, ok := <-wp.jobs:
			if !ok {
				logger.Debug("Worker exiting: jobs channel closed")
				return
			}
			if job == nil {
				continue
			}
			fields := map[string]interface{}{
				"site_id":  job.SiteID,
				"kind":     job.Kind,
				"batch_id": job.BatchID,
			}
			logger.WithFields(fields).Info("Worker processing job")

			if err := handler(job); err != nil {
				fields["error"] = err.Error()
				logger.WithFields(fields).Error("Worker failed to process job")
			} else {
				logger.WithFields(fields).Info("Worker completed job successfully")
			}
		case <-wp.done:
			logger.Debug("Worker exiting: stop signal received")
			return
		}
	}
}

// Stop stops all workers after their current job
func (wp *WorkerPool) Stop() {
	wp.once.Do(func() { close(wp.done) })
	wp.wg.Wait()
}

// Wait waits for all workers to finish. Workers exit once the queue is closed and drained.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}
