package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicart/server/internal/jobstore"
)

// ErrQueueFull is recorded on jobs submitted while the queue is saturated.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent mosaic jobs (default 1)
	QueueSize     int    // Pending job capacity (default 100)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// Executor runs one mosaic job. It reads the job's params from store and
// records progress and results there; the manager owns status transitions.
type Executor func(ctx context.Context, store *jobstore.Store, jobID string) error

// JobManager manages mosaic jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to build the mosaic.
	Executor Executor
	// Notifier, when set, is told about completed and failed jobs.
	Notifier *WebhookNotifier
	// Discard, when set, releases a job's stored inputs once the job reaches
	// a terminal status or its record expires.
	Discard func(job *jobstore.Job)
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	failed, err := jm.store.MarkRunningAsFailed("server restarted")
	if err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}
	for _, job := range failed {
		jm.discard(job)
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			// Left queued; picked up again by the next Start.
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		log.Printf("[JobManager] job %s vanished before start: %v", jobID, err)
		return
	}
	if job.Status != jobstore.JobStatusQueued {
		// Cancelled while waiting in the queue.
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	started, err := jm.store.UpdateJobStarted(jobID)
	if err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}
	if !started {
		// Cancelled between the status read and the start transition.
		return
	}

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	if execErr != nil && errors.Is(ctx.Err(), context.Canceled) && jm.stopping() {
		// Interrupted by shutdown; the next Start runs it again.
		if err := jm.store.RequeueJob(jobID); err != nil {
			log.Printf("[JobManager] failed to requeue job %s: %v", jobID, err)
		}
		return
	}

	var status jobstore.JobStatus
	var msg string
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = jobstore.JobStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = jobstore.JobStatusFailed, execErr.Error()
	default:
		status = jobstore.JobStatusCompleted
	}
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		log.Printf("[JobManager] failed to finish job %s: %v", jobID, err)
		return
	}
	jm.discard(job)
	if execErr != nil && status == jobstore.JobStatusFailed {
		log.Printf("[JobManager] job %s failed: %v", jobID, execErr)
	}

	if status != jobstore.JobStatusCancelled {
		jm.Notifier.NotifyJob(jm.Get(jobID))
	}
}

func (jm *JobManager) stopping() bool {
	select {
	case <-jm.stopCh:
		return true
	default:
		return false
	}
}

func (jm *JobManager) discard(job *jobstore.Job) {
	if jm.Discard != nil && job != nil {
		jm.Discard(job)
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
		return
	}
	for _, job := range deleted {
		jm.discard(job)
	}
	if len(deleted) > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", len(deleted))
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params jobstore.JobParams) (*jobstore.Job, error) {
	job := &jobstore.Job{
		ID:        uuid.NewString(),
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- job.ID:
	default:
		if err := jm.store.UpdateJobStatus(job.ID, jobstore.JobStatusFailed, ErrQueueFull.Error()); err != nil {
			return nil, err
		}
		job.Status = jobstore.JobStatusFailed
		job.Error = ErrQueueFull.Error()
		jm.discard(job)
	}

	return job, nil
}

// Get returns a job by ID, or nil when it does not exist.
func (jm *JobManager) Get(id string) *jobstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	if jm.cancelRunning(id) {
		return true
	}

	cancelled, err := jm.store.CancelQueuedJob(id, "cancelled before start")
	if err != nil {
		log.Printf("[JobManager] failed to cancel job %s: %v", id, err)
		return false
	}
	if !cancelled {
		// The job may have started since the first look.
		return jm.cancelRunning(id)
	}

	jm.discard(jm.Get(id))
	return true
}

func (jm *JobManager) cancelRunning(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}
	return false
}

// Delete deletes a job record.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}
