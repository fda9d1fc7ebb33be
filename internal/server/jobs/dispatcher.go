package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/systemshift/provprune/internal/server/clock"
	"github.com/systemshift/provprune/internal/server/core"
	"github.com/systemshift/provprune/internal/server/triage"
)

// Store is everything the dispatcher persists
type Store interface {
	ResultStore
	JobStore
	ClaimAdmission(ctx context.Context, jobID string) (bool, error)
	ReleaseAdmission(ctx context.Context, jobID string) error
	RecoverInterrupted(ctx context.Context, message string) ([]string, error)
}

// interruptedMessage is recorded on jobs left active by a previous process
const interruptedMessage = "interrupted by restart"

// Notifier is told when a job reaches a terminal status
type Notifier interface {
	JobFinished(ctx context.Context, job core.Job, results []core.CacheRecord)
}

// QueryMode selects what Query returns
type QueryMode string

const (
	QueryStatus  QueryMode = "status"
	QueryResults QueryMode = "results"
)

// QueryResult answers a status or results query
type QueryResult struct {
	Job     core.Job
	Results []core.CacheRecord // only for QueryResults
}

// Deps are the collaborators a dispatcher needs
type Deps struct {
	Store      Store
	Graph      triage.Graph
	Extractor  FeatureExtractor
	Classifier Classifier
}

// Dispatcher admits classification jobs, runs each on its own goroutine
// and answers queries about them from the store
type Dispatcher struct {
	store      Store
	registry   *Registry
	graph      triage.Graph
	extractor  FeatureExtractor
	classifier Classifier

	clock    clock.Clock
	ids      *IDGenerator
	ttl      time.Duration
	timeout  time.Duration
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
	closed  bool
	resets  int // ResetCache calls in flight

	recoverMu sync.Mutex
	recovered bool
}

type worker struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock sets the time source for job timestamps and record expiry
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithTTL sets how long classification results stay valid
func WithTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithJobTimeout bounds each job's run time; zero means unbounded
func WithJobTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithNotifier registers a completion notifier
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithLogger sets the dispatcher logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithIDGenerator sets the job id source
func WithIDGenerator(g *IDGenerator) Option {
	return func(d *Dispatcher) {
		if g != nil {
			d.ids = g
		}
	}
}

// NewDispatcher creates a dispatcher
func NewDispatcher(deps Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      deps.Store,
		graph:      deps.Graph,
		extractor:  deps.Extractor,
		classifier: deps.Classifier,
		clock:      clock.Real(),
		ttl:        24 * time.Hour,
		logger:     slog.Default(),
		workers:    make(map[string]*worker),
	}
	for _, o := range opts {
		o(d)
	}
	if d.ids == nil {
		d.ids = NewIDGenerator(nil)
	}
	d.registry = NewRegistry(d.store, d.clock)
	return d
}

// Submit validates nodes, admits a job if no other job is active and
// starts it in the background. It returns without waiting for the job.
func (d *Dispatcher) Submit(ctx context.Context, nodes []core.NodeID) (string, int, error) {
	unique, err := validateNodes(nodes)
	if err != nil {
		return "", 0, err
	}

	d.mu.Lock()
	err = d.refusal()
	d.mu.Unlock()
	if err != nil {
		return "", 0, err
	}

	if _, err := d.Recover(ctx); err != nil {
		return "", 0, err
	}

	running, err := d.registry.AnyRunning(ctx)
	if err != nil {
		return "", 0, err
	}
	if running {
		return "", 0, core.ErrAdmissionDenied
	}

	jobID := d.ids.New(d.clock.Now())
	if _, err := d.registry.Register(ctx, jobID); err != nil {
		return "", 0, err
	}

	claimed, err := d.store.ClaimAdmission(ctx, jobID)
	if err == nil && !claimed {
		err = core.ErrAdmissionDenied
	}
	if err != nil {
		if _, serr := d.registry.Stop(context.WithoutCancel(ctx), jobID); serr != nil {
			d.logger.Error("stopping unadmitted job", "job_id", jobID, "error", serr)
		}
		return "", 0, err
	}

	if err := d.start(jobID, unique); err != nil {
		if _, serr := d.registry.Stop(context.WithoutCancel(ctx), jobID); serr != nil {
			d.logger.Error("stopping unstarted job", "job_id", jobID, "error", serr)
		}
		if rerr := d.store.ReleaseAdmission(context.WithoutCancel(ctx), jobID); rerr != nil {
			d.logger.Error("releasing admission", "job_id", jobID, "error", rerr)
		}
		return "", 0, err
	}
	d.logger.Info("job submitted", "job_id", jobID, "nodes", len(unique))
	return jobID, len(unique), nil
}

func validateNodes(nodes []core.NodeID) ([]core.NodeID, error) {
	if len(nodes) == 0 {
		return nil, core.Validationf("nodes must not be empty")
	}
	seen := make(map[core.NodeID]bool, len(nodes))
	unique := make([]core.NodeID, 0, len(nodes))
	for i, n := range nodes {
		if n.UUID == "" {
			return nil, core.Validationf("node %d has an empty uuid", i)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		unique = append(unique, n)
	}
	return unique, nil
}

// refusal reports why new jobs are not admitted right now; d.mu must be held
func (d *Dispatcher) refusal() error {
	switch {
	case d.closed:
		return fmt.Errorf("dispatcher closed: %w", core.ErrAdmissionDenied)
	case d.resets > 0:
		return fmt.Errorf("cache reset in progress: %w", core.ErrAdmissionDenied)
	}
	return nil
}

// Recover fails the jobs a previous process left WAITING or RUNNING and
// frees the admission slot it held. It runs once per dispatcher, before the
// first submission; later calls are no-ops.
func (d *Dispatcher) Recover(ctx context.Context) ([]string, error) {
	d.recoverMu.Lock()
	defer d.recoverMu.Unlock()
	if d.recovered {
		return nil, nil
	}

	ids, err := d.store.RecoverInterrupted(ctx, interruptedMessage)
	if err != nil {
		return nil, fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	d.recovered = true
	if len(ids) > 0 {
		d.logger.Warn("failed interrupted jobs", "jobs", ids)
	}
	return ids, nil
}

// start launches the worker for jobID unless the dispatcher is closed or
// resetting
func (d *Dispatcher) start(jobID string, nodes []core.NodeID) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	runCtx, stopTimer := ctx, context.CancelFunc(func() {})
	if d.timeout > 0 {
		runCtx, stopTimer = context.WithTimeout(ctx, d.timeout)
	}
	w := &worker{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	if err := d.refusal(); err != nil {
		d.mu.Unlock()
		stopTimer()
		cancel(nil)
		return err
	}
	d.workers[jobID] = w
	d.wg.Add(1)
	d.mu.Unlock()

	job := &ClassificationJob{
		ID:         jobID,
		Nodes:      nodes,
		store:      d.store,
		registry:   d.registry,
		graph:      d.graph,
		extractor:  d.extractor,
		classifier: d.classifier,
		clock:      d.clock,
		ttl:        d.ttl,
		logger:     d.logger,
	}

	go func() {
		defer d.wg.Done()
		defer close(w.done)
		defer cancel(nil)
		defer stopTimer()

		started := d.clock.Now()
		sum, err := job.Run(runCtx)

		d.mu.Lock()
		delete(d.workers, jobID)
		d.mu.Unlock()

		bg := context.Background()
		if rerr := d.store.ReleaseAdmission(bg, jobID); rerr != nil {
			d.logger.Error("releasing admission", "job_id", jobID, "error", rerr)
		}

		attrs := []any{
			"job_id", jobID,
			"duration", d.clock.Now().Sub(started),
			"reused", sum.Reused,
			"inferred", sum.Inferred,
			"auto", sum.Auto,
			"unextractable", sum.Unextractable,
			"substituted", sum.Substituted,
			"dropped", sum.Dropped,
		}
		switch {
		case err == nil:
			d.logger.Info("job finished", attrs...)
		case errors.Is(err, core.ErrJobCanceled), errors.Is(err, core.ErrInvalidTransition):
			d.logger.Info("job stopped", attrs...)
		default:
			d.logger.Error("job failed", append(attrs, "error", err)...)
		}

		d.notify(bg, jobID)
	}()
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, jobID string) {
	if d.notifier == nil {
		return
	}
	job, err := d.registry.Get(ctx, jobID)
	if err != nil {
		// Reset may have removed the job already
		d.logger.Debug("skipping notification", "job_id", jobID, "error", err)
		return
	}
	results, err := d.store.ResultsForJob(ctx, jobID)
	if err != nil {
		d.logger.Warn("loading results for notification", "job_id", jobID, "error", err)
	}
	d.notifier.JobFinished(ctx, *job, results)
}

// Query returns a job's status, and for QueryResults also its results
func (d *Dispatcher) Query(ctx context.Context, jobID string, mode QueryMode) (*QueryResult, error) {
	if mode != QueryStatus && mode != QueryResults {
		return nil, core.Validationf("unknown query mode %q", mode)
	}
	job, err := d.registry.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := &QueryResult{Job: *job}
	if mode == QueryResults {
		if out.Results, err = d.store.ResultsForJob(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Stop marks an active job STOPPED and cancels its worker. Finished jobs
// are returned unchanged.
func (d *Dispatcher) Stop(ctx context.Context, jobID string) (*core.Job, error) {
	job, err := d.registry.Stop(ctx, jobID)
	if err != nil {
		return nil, err
	}
	d.cancel(jobID)
	return job, nil
}

func (d *Dispatcher) cancel(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[jobID]; ok {
		w.cancel(core.ErrJobCanceled)
	}
}

// stopAll marks every active job STOPPED, cancels its worker and returns
// the workers so callers can wait for them
func (d *Dispatcher) stopAll(ctx context.Context) []*worker {
	d.mu.Lock()
	ids := make([]string, 0, len(d.workers))
	workers := make([]*worker, 0, len(d.workers))
	for id, w := range d.workers {
		ids = append(ids, id)
		workers = append(workers, w)
	}
	d.mu.Unlock()

	for _, id := range ids {
		if _, err := d.registry.Stop(ctx, id); err != nil && !errors.Is(err, core.ErrJobNotFound) {
			d.logger.Warn("stopping job", "job_id", id, "error", err)
		}
	}
	for _, w := range workers {
		w.cancel(core.ErrJobCanceled)
	}
	return workers
}

func waitWorkers(ctx context.Context, workers []*worker) error {
	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ResetCache stops running jobs, waits for their workers to exit and then
// clears every record, job and link. Submissions are refused until it
// returns.
func (d *Dispatcher) ResetCache(ctx context.Context) error {
	d.mu.Lock()
	d.resets++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.resets--
		d.mu.Unlock()
	}()

	workers := d.stopAll(ctx)
	if err := waitWorkers(ctx, workers); err != nil {
		return err
	}

	if err := d.store.Clear(ctx); err != nil {
		return err
	}
	d.logger.Info("cache reset", "stopped_jobs", len(workers))
	return nil
}

// Close cancels every running job and waits for the workers to exit
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.stopAll(ctx)

	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()

	select {
	case <-ctx.Done():
		d.logger.Warn("shutdown interrupted by context")
		return ctx.Err()
	case <-done:
		d.logger.Info("all jobs stopped, shutdown complete")
		return nil
	}
}
