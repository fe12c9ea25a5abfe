package session

import (
	"fmt"
	"sort"

	"sessioncore/pkg/persist"
)

// FetchGraph is the immutable set of association paths requested for eager
// retrieval in one logical load operation.
type FetchGraph struct {
	paths []string
}

// NewFetchGraph constructs a graph from the requested association paths.
// Duplicates are collapsed; order is normalized.
func NewFetchGraph(paths ...string) FetchGraph {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, dup := seen[p]; dup || p == "" {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return FetchGraph{paths: out}
}

// Paths returns the requested paths.
func (g FetchGraph) Paths() []string {
	return append([]string(nil), g.paths...)
}

// Requested reports whether the path was requested for eager retrieval.
func (g FetchGraph) Requested(path string) bool {
	for _, p := range g.paths {
		if p == path {
			return true
		}
	}
	return false
}

// FetchMode is the per-path retrieval strategy.
type FetchMode string

const (
	// FetchInlineJoin folds the path into the root query. Reserved for
	// to-one paths and explicitly forced joins; fanned-out root rows are
	// de-duplicated by entity key after materialization.
	FetchInlineJoin FetchMode = "inline_join"
	// FetchBatched issues exactly one secondary query across the full root
	// key set, collapsing N per-row association loads into one.
	FetchBatched FetchMode = "batched"
	// FetchOnAccess leaves the path as an unresolved proxy.
	FetchOnAccess FetchMode = "on_access"
)

// CardinalityHint refines planning for one path.
type CardinalityHint struct {
	// Bounded marks a to-many path whose result set size is known to be
	// small enough that a combined row set is acceptable.
	Bounded bool
}

// CardinalityHints maps association paths to hints.
type CardinalityHints map[string]CardinalityHint

// PathPlan records the chosen mode for one association path.
type PathPlan struct {
	Path  string
	Assoc persist.AssociationSpec
	Mode  FetchMode
}

// FetchStrategy is the planner's decision for one load operation: a mode for
// every association of the root type.
type FetchStrategy struct {
	Root  EntityType
	Paths []PathPlan
}

// Plan returns the plan for the named path.
func (s FetchStrategy) Plan(path string) (PathPlan, bool) {
	for _, p := range s.Paths {
		if p.Path == path {
			return p, true
		}
	}
	return PathPlan{}, false
}

// FetchPlanner decides, per requested association path, whether to inline a
// join, batch one secondary fetch, or defer to on-access proxies.
type FetchPlanner struct {
	schemas *SchemaSet
}

// NewFetchPlanner constructs a planner over the schema registry.
func NewFetchPlanner(schemas *SchemaSet) *FetchPlanner {
	return &FetchPlanner{schemas: schemas}
}

// Plan resolves the strategy for one root load. Unknown requested paths are
// an error. Tie-break: a path that is both requested and to-many is batched
// rather than joined, avoiding row fan-out inflation; inline joins serve
// to-one paths, bounded to-many hints, and forced joins.
func (p *FetchPlanner) Plan(root EntityType, graph FetchGraph, hints CardinalityHints) (FetchStrategy, error) {
	schema, ok := p.schemas.Lookup(root)
	if !ok {
		return FetchStrategy{}, fmt.Errorf("plan %s: schema not registered", root)
	}
	for _, path := range graph.Paths() {
		if _, ok := schema.Association(path); !ok {
			return FetchStrategy{}, fmt.Errorf("plan %s: unknown association path %q", root, path)
		}
	}

	strategy := FetchStrategy{Root: root, Paths: make([]PathPlan, 0, len(schema.Associations))}
	for _, assoc := range schema.Associations {
		plan := PathPlan{Path: assoc.Name, Assoc: assoc, Mode: FetchOnAccess}
		if graph.Requested(assoc.Name) {
			plan.Mode = p.eagerMode(assoc, hints[assoc.Name])
		}
		strategy.Paths = append(strategy.Paths, plan)
	}
	return strategy, nil
}

func (p *FetchPlanner) eagerMode(assoc persist.AssociationSpec, hint CardinalityHint) FetchMode {
	if assoc.Cardinality == ToOne {
		return FetchInlineJoin
	}
	if assoc.ForceJoin || hint.Bounded {
		return FetchInlineJoin
	}
	return FetchBatched
}

// NPlusOneDetector watches on-access resolutions per association path within
// one scope and reports paths whose count exceeds the threshold. Detection
// only: access patterns are never rewritten.
type NPlusOneDetector struct {
	threshold int
	counts    map[string]int
	logger    Logger
	onSuspect func(path string, count int)
}

func newNPlusOneDetector(threshold int, logger Logger, onSuspect func(string, int)) *NPlusOneDetector {
	if threshold <= 0 {
		threshold = defaultNPlusOneThreshold
	}
	if onSuspect == nil {
		onSuspect = func(string, int) {}
	}
	return &NPlusOneDetector{
		threshold: threshold,
		counts:    make(map[string]int),
		logger:    logger,
		onSuspect: onSuspect,
	}
}

const defaultNPlusOneThreshold = 10

// recordResolution counts one on-access resolution for the path and fires
// the suspect hook each time the count passes the threshold.
func (d *NPlusOneDetector) recordResolution(path string) {
	if path == "" {
		return
	}
	d.counts[path]++
	count := d.counts[path]
	if count == d.threshold {
		d.logger.Warn("suspected N+1 access pattern",
			"path", path,
			"resolutions", count,
			"threshold", d.threshold)
	}
	if count >= d.threshold {
		d.onSuspect(path, count)
	}
}

// Counts returns a copy of the per-path resolution counters.
func (d *NPlusOneDetector) Counts() map[string]int {
	out := make(map[string]int, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}
