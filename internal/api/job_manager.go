// Package api provides HTTP handlers for the PeakMap server.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peakmap/server/internal/buildstore"
	"github.com/peakmap/server/internal/metrics"
	"github.com/peakmap/server/internal/pyramid"
)

// ErrBuildActive is returned when a dataset already has a queued or running
// build.
var ErrBuildActive = errors.New("a build is already queued or running for this dataset")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent builds (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration

	// MaxAttempts bounds how often a build failing with a storage error is
	// run (default 2).
	MaxAttempts  int
	RetryBackoff time.Duration

	Logger *slog.Logger
}

// JobManager manages build jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *buildstore.Store
	logger   *slog.Logger
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	submitMu sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual build.
	Executor func(ctx context.Context, store *buildstore.Store, jobID string) error
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := buildstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("component", "jobs"),
		queue:   make(chan string, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *buildstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.logger.Error("failed to mark running jobs as failed", "error", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.logger.Error("failed to list queued jobs", "error", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.logger.Info("re-queued job", "job_id", job.ID, "dataset", job.DatasetID)
			default:
				jm.logger.Warn("queue full, cannot re-queue job", "job_id", job.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running builds and waits for the workers to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.submitMu.Lock()
		close(jm.stopCh)
		jm.submitMu.Unlock()
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
			// Left queued; picked up again on the next start.
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		jm.logger.Error("failed to load job", "job_id", jobID, "error", err)
		return
	}
	// Cancelled while queued.
	if job.Status != buildstore.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
		cancel()
	}()

	started := time.Now()
	var execErr error
	for attempt := 1; ; attempt++ {
		if err := jm.store.UpdateJobStarted(jobID); err != nil {
			jm.logger.Error("failed to mark job as started", "job_id", jobID, "error", err)
			return
		}
		if jm.Executor != nil {
			execErr = jm.Executor(ctx, jm.store, jobID)
		}
		if execErr == nil || ctx.Err() != nil || !errors.Is(execErr, pyramid.ErrIO) || attempt >= jm.cfg.MaxAttempts {
			break
		}
		jm.logger.Warn("build failed with storage error, retrying",
			"job_id", jobID, "attempt", attempt, "error", execErr)
		select {
		case <-ctx.Done():
		case <-time.After(jm.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}

	var status buildstore.JobStatus
	var msg string
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = buildstore.JobStatusCancelled, "cancelled"
	case execErr == nil:
		status = buildstore.JobStatusCompleted
	case errors.Is(execErr, pyramid.ErrPartialCategoryFailure):
		status, msg = buildstore.JobStatusPartial, execErr.Error()
	default:
		status, msg = buildstore.JobStatusFailed, execErr.Error()
	}
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		jm.logger.Error("failed to update job status", "job_id", jobID, "error", err)
	}
	metrics.BuildsTotal.WithLabelValues(job.DatasetID, string(status)).Inc()
	metrics.BuildDuration.WithLabelValues(job.DatasetID).Observe(time.Since(started).Seconds())
	jm.logger.Info("job finished", "job_id", jobID, "dataset", job.DatasetID, "status", status, "elapsed", time.Since(started))
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
		jm.logger.Error("cleanup failed", "error", err)
	} else if deleted > 0 {
		jm.logger.Info("cleaned up expired jobs", "count", deleted)
	}
}

// Submit creates a new build job and enqueues it. A dataset has at most one
// queued or running build; submitting another returns that job together
// with ErrBuildActive.
func (jm *JobManager) Submit(params buildstore.JobParams) (*buildstore.Job, error) {
	jm.submitMu.Lock()
	defer jm.submitMu.Unlock()

	select {
	case <-jm.stopCh:
		return nil, errors.New("job manager is stopped")
	default:
	}

	active, err := jm.store.ActiveJob(params.DatasetID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, ErrBuildActive
	}

	job := &buildstore.Job{
		ID:        uuid.NewString(),
		DatasetID: params.DatasetID,
		Status:    buildstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- job.ID:
	default:
		msg := "job queue is full; try again later"
		jm.store.UpdateJobStatus(job.ID, buildstore.JobStatusFailed, msg)
		job.Status = buildstore.JobStatusFailed
		job.Error = msg
	}
	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *buildstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		jm.logger.Error("failed to get job", "job_id", id, "error", err)
		return nil
	}
	return job
}

// List returns the most recent jobs, optionally for one dataset.
func (jm *JobManager) List(datasetID string, limit int) ([]*buildstore.Job, error) {
	if datasetID != "" {
		return jm.store.ListJobsByDataset(datasetID)
	}
	return jm.store.ListJobs(limit)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == buildstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, buildstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a finished job.
func (jm *JobManager) Delete(id string) error {
	job := jm.Get(id)
	if job == nil {
		return fmt.Errorf("job not found: %s", id)
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is %s", id, job.Status)
	}
	return jm.store.DeleteJob(id)
}
