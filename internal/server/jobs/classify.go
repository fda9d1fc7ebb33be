package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/systemshift/provprune/internal/server/clock"
	"github.com/systemshift/provprune/internal/server/core"
	"github.com/systemshift/provprune/internal/server/features"
	"github.com/systemshift/provprune/internal/server/triage"
)

// ResultStore is the cache a classification job reads and writes
type ResultStore interface {
	GetRecord(ctx context.Context, node core.NodeID) (*core.CacheRecord, error)
	UpsertRecord(ctx context.Context, rec core.CacheRecord) error
	IsValid(ctx context.Context, node core.NodeID) (bool, error)
	LinkJobNode(ctx context.Context, jobID string, node core.NodeID) error
	LinkProxyNode(ctx context.Context, jobID string, node core.NodeID) error
	ResultsForJob(ctx context.Context, jobID string) ([]core.CacheRecord, error)
	Clear(ctx context.Context) error
}

// FeatureExtractor builds feature vectors; nodes it cannot describe are
// absent from the result
type FeatureExtractor interface {
	Extract(ctx context.Context, nodes []core.NodeID) (map[core.NodeID]features.Vector, error)
}

// Classifier scores a feature matrix row by row
type Classifier interface {
	Name() string
	PredictProbabilities(matrix []features.Vector) ([]core.Probabilities, error)
}

// Summary counts what a job did, for logs and notifications
type Summary struct {
	Inputs        int
	Reused        int
	Inferred      int
	Auto          int
	Unextractable int
	Substituted   int
	Dropped       int
}

// ClassificationJob classifies one batch of nodes and records the
// results under its job id
type ClassificationJob struct {
	ID    string
	Nodes []core.NodeID

	store      ResultStore
	registry   *Registry
	graph      triage.Graph
	extractor  FeatureExtractor
	classifier Classifier
	clock      clock.Clock
	ttl        time.Duration
	logger     *slog.Logger
}

// Run drives the job from WAITING to a terminal status. A job stopped
// before it starts returns ErrInvalidTransition without doing any work.
// When ctx is canceled with ErrJobCanceled the status written by whoever
// canceled it is kept; any other failure marks the job FAILED.
func (j *ClassificationJob) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	_, err := j.registry.MarkRunning(ctx, j.ID)
	if err == nil {
		j.logger.Info("job running", "job_id", j.ID, "nodes", len(j.Nodes))
		sum, err = j.execute(ctx)
	}
	if err == nil {
		if _, err = j.registry.MarkDone(ctx, j.ID); err == nil {
			return sum, nil
		}
	}

	if errors.Is(context.Cause(ctx), core.ErrJobCanceled) {
		return sum, core.ErrJobCanceled
	}
	if errors.Is(err, core.ErrInvalidTransition) {
		// Someone else already finished the job
		return sum, err
	}

	if _, ferr := j.registry.MarkFailed(context.WithoutCancel(ctx), j.ID, err); ferr != nil {
		j.logger.Error("marking job failed", "job_id", j.ID, "error", ferr)
	}
	return sum, err
}

func (j *ClassificationJob) execute(ctx context.Context) (Summary, error) {
	sum := Summary{Inputs: len(j.Nodes)}

	plan, err := triage.Partition(ctx, j.graph, j.Nodes)
	if err != nil {
		return sum, core.Upstream("graph", err)
	}
	sum.Dropped = len(plan.Dropped)

	inputs := make(map[core.NodeID]bool, len(j.Nodes))
	for _, n := range j.Nodes {
		inputs[n] = true
	}
	link := func(n core.NodeID) error {
		if inputs[n] {
			return j.store.LinkJobNode(ctx, j.ID, n)
		}
		return j.store.LinkProxyNode(ctx, j.ID, n)
	}

	// Cache filter
	var pending []core.NodeID
	for _, n := range plan.Extract {
		valid, err := j.store.IsValid(ctx, n)
		if err != nil {
			return sum, err
		}
		if !valid {
			pending = append(pending, n)
			continue
		}
		if err := link(n); err != nil {
			return sum, err
		}
		sum.Reused++
	}
	if err := checkpoint(ctx); err != nil {
		return sum, err
	}

	// Extraction
	var (
		matrix []features.Vector
		rows   []core.NodeID
		auto   = plan.Auto
	)
	if len(pending) > 0 {
		vecs, err := j.extractor.Extract(ctx, pending)
		if err != nil {
			return sum, core.Upstream("feature extractor", err)
		}
		for _, n := range pending {
			if v, ok := vecs[n]; ok {
				matrix = append(matrix, v)
				rows = append(rows, n)
				continue
			}
			auto = append(auto, core.NewUnextractableRecord(n))
			sum.Unextractable++
		}
	}
	if err := checkpoint(ctx); err != nil {
		return sum, err
	}

	// Inference
	var inferred []core.CacheRecord
	if len(matrix) > 0 {
		probs, err := j.classifier.PredictProbabilities(matrix)
		if err != nil {
			return sum, core.Upstream("classifier", err)
		}
		if len(probs) != len(matrix) {
			return sum, core.Upstream("classifier", fmt.Errorf("got %d rows for %d inputs", len(probs), len(matrix)))
		}
		name := j.classifier.Name()
		for i, p := range probs {
			inferred = append(inferred, core.NewInferredRecord(rows[i], name, p))
		}
	}
	if err := checkpoint(ctx); err != nil {
		return sum, err
	}

	// Persist
	validUntil := j.clock.Now().Add(j.ttl)
	for _, rec := range append(auto, inferred...) {
		rec.ValidUntil = &validUntil
		if err := j.store.UpsertRecord(ctx, rec); err != nil {
			return sum, err
		}
		if err := link(rec.Node); err != nil {
			return sum, err
		}
	}
	sum.Auto = len(plan.Auto)
	sum.Inferred = len(inferred)

	// Project proxy verdicts onto the nodes they stand in for
	for _, sub := range plan.Substitutions {
		proxy, err := j.store.GetRecord(ctx, sub.Proxy)
		if err != nil {
			return sum, err
		}
		if proxy == nil {
			return sum, fmt.Errorf("proxy %s has no record", sub.Proxy)
		}
		rec := proxy.Substitute(sub.Original)
		rec.ValidUntil = &validUntil
		if err := j.store.UpsertRecord(ctx, rec); err != nil {
			return sum, err
		}
		if err := j.store.LinkJobNode(ctx, j.ID, sub.Original); err != nil {
			return sum, err
		}
		sum.Substituted++
	}

	return sum, checkpoint(ctx)
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}
	return nil
}
