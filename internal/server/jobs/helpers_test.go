package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systemshift/provprune/internal/server/clock"
	"github.com/systemshift/provprune/internal/server/core"
	"github.com/systemshift/provprune/internal/server/features"
	"github.com/systemshift/provprune/internal/server/store"
)

var testEpoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

const testTTL = time.Hour

type fakeGraph struct {
	types   map[core.NodeID]string
	nearest map[core.NodeID]core.NodeID
}

func (g *fakeGraph) LookupType(_ context.Context, n core.NodeID) (string, error) {
	if t, ok := g.types[n]; ok {
		return t, nil
	}
	return core.NodeUnknown, nil
}

func (g *fakeGraph) NearestProcess(_ context.Context, n core.NodeID) (core.NodeID, bool, error) {
	p, ok := g.nearest[n]
	return p, ok, nil
}

// fakeExtractor returns a constant vector for every node it knows. When
// gate is set, Extract blocks until the gate closes or ctx is done, or
// only until the gate closes when ignoreCancel is set.
type fakeExtractor struct {
	mu           sync.Mutex
	known        map[core.NodeID]bool
	gate         chan struct{}
	entered      chan struct{}
	ignoreCancel bool
	calls        int
	seen         []core.NodeID
	err          error
}

func (e *fakeExtractor) Extract(ctx context.Context, nodes []core.NodeID) (map[core.NodeID]features.Vector, error) {
	e.mu.Lock()
	e.calls++
	e.seen = append(e.seen, nodes...)
	gate, entered, ignoreCancel := e.gate, e.entered, e.ignoreCancel
	e.entered = nil
	e.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if gate != nil && ignoreCancel {
		<-gate
	} else if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}

	out := map[core.NodeID]features.Vector{}
	for _, n := range nodes {
		if e.known[n] {
			out[n] = make(features.Vector, features.Width)
		}
	}
	return out, nil
}

func (e *fakeExtractor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeClassifier returns a fixed row per input
type fakeClassifier struct {
	mu    sync.Mutex
	probs core.Probabilities
	short bool
	err   error
	calls int
}

func (c *fakeClassifier) Name() string { return "fake-model" }

func (c *fakeClassifier) PredictProbabilities(matrix []features.Vector) ([]core.Probabilities, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	n := len(matrix)
	if c.short {
		n--
	}
	out := make([]core.Probabilities, n)
	for i := range out {
		out[i] = c.probs
	}
	return out, nil
}

func (c *fakeClassifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []core.Job
	rows [][]core.CacheRecord
}

func (n *recordingNotifier) JobFinished(_ context.Context, job core.Job, results []core.CacheRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
	n.rows = append(n.rows, results)
}

func (n *recordingNotifier) Jobs() []core.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.Job(nil), n.jobs...)
}

type testEnv struct {
	store      *store.Store
	clock      *clock.FakeClock
	graph      *fakeGraph
	extractor  *fakeExtractor
	classifier *fakeClassifier
	notifier   *recordingNotifier
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	return newTestEnvAt(t, filepath.Join(t.TempDir(), "jobs.db"), opts...)
}

// newTestEnvAt opens the store at path, which may already hold jobs
func newTestEnvAt(t *testing.T, path string, opts ...Option) *testEnv {
	t.Helper()
	clk := clock.Fake(testEpoch)
	s, err := store.OpenSQLite(context.Background(), path, store.WithClock(clk))
	require.NoError(t, err)

	env := &testEnv{
		store:      s,
		clock:      clk,
		graph:      &fakeGraph{types: map[core.NodeID]string{}, nearest: map[core.NodeID]core.NodeID{}},
		extractor:  &fakeExtractor{known: map[core.NodeID]bool{}},
		classifier: &fakeClassifier{probs: core.Probabilities{Show: 0.3, Hide: 0.7}},
		notifier:   &recordingNotifier{},
	}
	base := []Option{
		WithClock(clk),
		WithTTL(testTTL),
		WithNotifier(env.notifier),
	}
	env.dispatcher = NewDispatcher(Deps{
		Store:      s,
		Graph:      env.graph,
		Extractor:  env.extractor,
		Classifier: env.classifier,
	}, append(base, opts...)...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.dispatcher.Close(ctx)
		s.Close()
	})
	return env
}

// classifiable registers n as a node of type typ the extractor can describe
func (e *testEnv) classifiable(n core.NodeID, typ string) {
	e.graph.types[n] = typ
	e.extractor.known[n] = true
}

// gateExtractor makes the next Extract call block until the returned
// release func runs; entered closes once the worker is inside Extract
func (e *testEnv) gateExtractor() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{})
	e.extractor.mu.Lock()
	e.extractor.gate = gate
	e.extractor.entered = in
	e.extractor.mu.Unlock()

	var once sync.Once
	return in, func() {
		once.Do(func() {
			e.extractor.mu.Lock()
			e.extractor.gate = nil
			e.extractor.entered = nil
			e.extractor.mu.Unlock()
			close(gate)
		})
	}
}

func (e *testEnv) waitStatus(t *testing.T, jobID string, want core.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := e.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
}

func id(u string, v int64) core.NodeID { return core.NodeID{UUID: u, Version: v} }

var errBoom = errors.New("boom")
