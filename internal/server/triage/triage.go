// Package triage decides, per input node, whether it is classified
// directly, through a proxy process, or by a fixed rule.
package triage

import (
	"context"
	"fmt"

	"github.com/systemshift/provprune/internal/server/core"
)

// Graph is the subset of the graph client triage needs
type Graph interface {
	LookupType(ctx context.Context, node core.NodeID) (string, error)
	NearestProcess(ctx context.Context, node core.NodeID) (core.NodeID, bool, error)
}

// Kind is the triage outcome
type Kind int

const (
	Direct Kind = iota
	Proxy
	Auto
	Dropped
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "DIRECT"
	case Proxy:
		return "PROXY"
	case Auto:
		return "AUTO"
	case Dropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Decision is the triage result for one node
type Decision struct {
	Node   core.NodeID
	Kind   Kind
	Via    core.NodeID      // proxy process, for Proxy
	Record core.CacheRecord // fixed verdict, for Auto
}

// Classify triages a single node
func Classify(ctx context.Context, g Graph, node core.NodeID) (Decision, error) {
	typ, err := g.LookupType(ctx, node)
	if err != nil {
		return Decision{}, err
	}

	switch typ {
	case core.NodeFile, core.NodeProcess, core.NodeSocket:
		return Decision{Node: node, Kind: Direct}, nil
	case core.NodePipe:
		proc, ok, err := g.NearestProcess(ctx, node)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return Decision{Node: node, Kind: Dropped}, nil
		}
		return Decision{Node: node, Kind: Proxy, Via: proc}, nil
	case core.NodeMachine:
		return Decision{Node: node, Kind: Auto, Record: core.NewAutoRecord(node, 1, 0)}, nil
	default:
		return Decision{Node: node, Kind: Auto, Record: core.NewAutoRecord(node, 0, 1)}, nil
	}
}

// Plan is the triage of a whole job's input
type Plan struct {
	Extract       []core.NodeID // direct nodes and proxy targets, deduplicated
	Auto          []core.CacheRecord
	Substitutions []core.ProxySubstitution
	Dropped       []core.NodeID
}

// Partition triages every node in order. A graph error aborts the plan.
func Partition(ctx context.Context, g Graph, nodes []core.NodeID) (*Plan, error) {
	plan := &Plan{}
	seen := make(map[core.NodeID]bool, len(nodes))
	addExtract := func(n core.NodeID) {
		if !seen[n] {
			seen[n] = true
			plan.Extract = append(plan.Extract, n)
		}
	}

	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, err := Classify(ctx, g, node)
		if err != nil {
			return nil, fmt.Errorf("triaging %s: %w", node, err)
		}

		switch d.Kind {
		case Direct:
			addExtract(node)
		case Proxy:
			addExtract(d.Via)
			plan.Substitutions = append(plan.Substitutions, core.ProxySubstitution{Original: node, Proxy: d.Via})
		case Auto:
			plan.Auto = append(plan.Auto, d.Record)
		case Dropped:
			plan.Dropped = append(plan.Dropped, node)
		}
	}
	return plan, nil
}
