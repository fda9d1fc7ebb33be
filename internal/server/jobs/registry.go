package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/systemshift/provprune/internal/server/clock"
	"github.com/systemshift/provprune/internal/server/core"
)

// JobStore persists job records
type JobStore interface {
	CreateJob(ctx context.Context, jobID string, startedAt time.Time) (*core.Job, error)
	GetJob(ctx context.Context, jobID string) (*core.Job, error)
	TransitionJob(ctx context.Context, jobID string, to core.JobStatus, from []core.JobStatus, message string) (*core.Job, error)
	JobsByStatus(ctx context.Context, status core.JobStatus) ([]core.Job, error)
}

// Registry enforces the job state machine
// WAITING -> RUNNING -> DONE | STOPPED | FAILED, with WAITING -> STOPPED | FAILED.
type Registry struct {
	store JobStore
	clock clock.Clock
}

// NewRegistry creates a registry over store
func NewRegistry(store JobStore, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{store: store, clock: clk}
}

// Register records a new WAITING job
func (r *Registry) Register(ctx context.Context, jobID string) (*core.Job, error) {
	return r.store.CreateJob(ctx, jobID, r.clock.Now())
}

// Get returns the job or ErrJobNotFound
func (r *Registry) Get(ctx context.Context, jobID string) (*core.Job, error) {
	return r.store.GetJob(ctx, jobID)
}

// MarkRunning moves a WAITING job to RUNNING
func (r *Registry) MarkRunning(ctx context.Context, jobID string) (*core.Job, error) {
	return r.store.TransitionJob(ctx, jobID, core.JobRunning, []core.JobStatus{core.JobWaiting}, "")
}

// MarkDone moves a RUNNING job to DONE
func (r *Registry) MarkDone(ctx context.Context, jobID string) (*core.Job, error) {
	return r.store.TransitionJob(ctx, jobID, core.JobDone, []core.JobStatus{core.JobRunning}, "")
}

// MarkFailed moves an active job to FAILED, keeping cause as its message
func (r *Registry) MarkFailed(ctx context.Context, jobID string, cause error) (*core.Job, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.store.TransitionJob(ctx, jobID, core.JobFailed, []core.JobStatus{core.JobWaiting, core.JobRunning}, msg)
}

// Stop moves an active job to STOPPED. Stopping a finished job is a no-op
// that returns its current state.
func (r *Registry) Stop(ctx context.Context, jobID string) (*core.Job, error) {
	job, err := r.store.TransitionJob(ctx, jobID, core.JobStopped, []core.JobStatus{core.JobWaiting, core.JobRunning}, "")
	if errors.Is(err, core.ErrInvalidTransition) && job != nil && job.Status.Terminal() {
		return job, nil
	}
	return job, err
}

// AnyRunning reports whether some job is RUNNING
func (r *Registry) AnyRunning(ctx context.Context) (bool, error) {
	running, err := r.store.JobsByStatus(ctx, core.JobRunning)
	if err != nil {
		return false, err
	}
	return len(running) > 0, nil
}
