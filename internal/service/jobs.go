package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/enrybds/sayless/internal/runner"
)

// JobStatus represents the state of a background job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
	JobStatusAborted   JobStatus = "aborted"
)

// Terminal reports whether a job in this status has ended.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPaused, JobStatusAborted:
		return true
	}
	return false
}

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// JobInfo is the observable state of a job.
type JobInfo struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	Total       int            `json:"total"`
	Stats       runner.Stats   `json:"stats"`
	Result      *runner.Report `json:"result,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Job represents a background stage run. Its JobInfo fields are guarded by
// mu; read them through Snapshot from other goroutines.
type Job struct {
	JobInfo

	mu     sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}
}

// JobFunc runs the work of a job. Progress should be reported through
// JobManager.UpdateProgress.
type JobFunc func(ctx context.Context, job *Job) (runner.Report, error)

// JobManager tracks and manages background jobs.
type JobManager struct {
	jobs map[string]*Job
	mu   sync.RWMutex
	wg   sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobManager{
		jobs:    make(map[string]*Job),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// Start creates a job and runs fn in the background.
func (m *JobManager) Start(jobType string, fn JobFunc) *Job {
	ctx, cancel := context.WithCancel(m.baseCtx)
	job := &Job{
		JobInfo: JobInfo{
			ID:        uuid.New().String()[:8], // Short ID for convenience
			Type:      jobType,
			Status:    JobStatusPending,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	slog.Info("job created", "job_id", job.ID, "type", jobType)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(job.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("job goroutine panicked", "job_id", job.ID, "panic", r)
				m.Fail(job, fmt.Errorf("internal panic: %v", r))
			}
		}()

		m.SetRunning(job)
		report, err := fn(ctx, job)
		m.Finish(job, report, err)
	}()
	return job
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// ListJobs returns all jobs, most recent first.
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}

	slices.SortFunc(jobs, func(a, b *Job) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return jobs
}

// Cancel stops a running job. Its stage pauses with progress saved.
func (m *JobManager) Cancel(id string) error {
	job := m.GetJob(id)
	if job == nil {
		return ErrJobNotFound
	}
	job.cancel()
	return nil
}

// UpdateProgress records runner progress on the job.
func (m *JobManager) UpdateProgress(job *Job, p runner.Progress) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.Progress = p.Cursor
	job.Total = p.Total
	job.Stats = p.Stats
	if job.Status == JobStatusPending {
		job.Status = JobStatusRunning
	}
}

// SetRunning marks job as running.
func (m *JobManager) SetRunning(job *Job) {
	job.mu.Lock()
	job.Status = JobStatusRunning
	job.mu.Unlock()
}

// Finish records the outcome of a run.
func (m *JobManager) Finish(job *Job, report runner.Report, err error) {
	job.mu.Lock()
	job.Result = &report
	job.Stats = report.Stats
	job.Summary = report.Summary()
	switch report.State {
	case runner.StateCompleted:
		job.Status = JobStatusCompleted
	case runner.StatePaused:
		job.Status = JobStatusPaused
	case runner.StateAborted:
		job.Status = JobStatusAborted
	default:
		job.Status = JobStatusFailed
	}
	if err != nil {
		job.Error = err.Error()
		if job.Status == JobStatusCompleted {
			job.Status = JobStatusFailed
		}
	}
	now := time.Now()
	job.CompletedAt = &now
	status := job.Status
	job.mu.Unlock()

	if err != nil {
		slog.Error("job finished with error", "job_id", job.ID, "status", status, "error", err)
		return
	}
	slog.Info("job finished", "job_id", job.ID, "status", status, "summary", job.Summary)
}

// Fail marks job as failed with error.
func (m *JobManager) Fail(job *Job, err error) {
	job.mu.Lock()
	job.Status = JobStatusFailed
	job.Error = err.Error()
	now := time.Now()
	job.CompletedAt = &now
	job.mu.Unlock()

	slog.Error("job failed", "job_id", job.ID, "error", err)
}

// Shutdown cancels every job and waits for them to persist their state.
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Snapshot returns a copy of the job state.
func (j *Job) Snapshot() JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.JobInfo
}
