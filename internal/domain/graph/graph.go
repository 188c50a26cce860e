// Package graph walks a query's dependency DAG, computing the closure, the
// unstored subgraph still requiring work, and a deterministic topological
// execution order (spec.md §4.2 C2).
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/flowkit/queryserver/internal/domain/fingerprint"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
)

// CycleDetectedError reports that a dependency cycle was found while
// walking a spec's closure — a programming error in the consuming kind's
// Dependencies implementation (spec.md §4.2: "MUST raise a CycleDetected
// failure rather than loop").
type CycleDetectedError struct {
	ID string
}

func (e CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected at query_id %s", e.ID)
}

// Node is one fingerprint in a dependency DAG, labelled with whether its
// cache record is already in state completed.
type Node struct {
	ID     string
	Spec   queryspec.Spec
	Stored bool
}

// DAG is a query's full transitive dependency graph: nodes keyed by
// fingerprint, and Edges[id] listing the direct dependencies id needs.
type DAG struct {
	Root  string
	Nodes map[string]*Node
	Edges map[string][]string
}

// DependencyResolver computes a spec's direct prerequisites, per its kind
// (internal/services/querykind.Registry implements this).
type DependencyResolver interface {
	Dependencies(spec queryspec.Spec) ([]queryspec.Spec, error)
}

// StoredChecker reports whether a fingerprint's cache record is in state
// completed (internal/adapters/postgres/cache.Repository implements this).
type StoredChecker interface {
	IsCompleted(ctx context.Context, id string) (bool, error)
}

// Dependencies returns the direct prerequisites a spec's kind declares.
func Dependencies(resolver DependencyResolver, spec queryspec.Spec) ([]queryspec.Spec, error) {
	return resolver.Dependencies(spec)
}

// Closure walks root's full transitive dependency graph (spec.md §4.2),
// labelling each node with whether it is already materialised.
func Closure(ctx context.Context, resolver DependencyResolver, stored StoredChecker, root queryspec.Spec) (*DAG, error) {
	dag := &DAG{Nodes: map[string]*Node{}, Edges: map[string][]string{}}

	rootID, err := closureVisit(ctx, dag, resolver, stored, root, map[string]bool{})
	if err != nil {
		return nil, err
	}

	dag.Root = rootID

	return dag, nil
}

func closureVisit(ctx context.Context, dag *DAG, resolver DependencyResolver, stored StoredChecker, spec queryspec.Spec, trail map[string]bool) (string, error) {
	id, err := fingerprint.Fingerprint(spec)
	if err != nil {
		return "", err
	}

	if trail[id] {
		return "", CycleDetectedError{ID: id}
	}

	if _, seen := dag.Nodes[id]; seen {
		return id, nil
	}

	completed, err := stored.IsCompleted(ctx, id)
	if err != nil {
		return "", fmt.Errorf("graph: checking stored state of %s: %w", id, err)
	}

	dag.Nodes[id] = &Node{ID: id, Spec: spec, Stored: completed}

	deps, err := resolver.Dependencies(spec)
	if err != nil {
		return "", fmt.Errorf("graph: computing dependencies of %s: %w", id, err)
	}

	trailChild := make(map[string]bool, len(trail)+1)
	for k := range trail {
		trailChild[k] = true
	}

	trailChild[id] = true

	depIDs := make([]string, 0, len(deps))

	for _, dep := range deps {
		depID, err := closureVisit(ctx, dag, resolver, stored, dep, trailChild)
		if err != nil {
			return "", err
		}

		depIDs = append(depIDs, depID)
	}

	dag.Edges[id] = depIDs

	return id, nil
}

// UnstoredClosure is the subgraph induced by removing nodes whose cache
// record is already completed: the work that must still happen
// (spec.md §4.2).
func UnstoredClosure(dag *DAG) *DAG {
	out := &DAG{Root: dag.Root, Nodes: map[string]*Node{}, Edges: map[string][]string{}}

	for id, n := range dag.Nodes {
		if n.Stored {
			continue
		}

		out.Nodes[id] = n
	}

	for id, deps := range dag.Edges {
		if _, ok := out.Nodes[id]; !ok {
			continue
		}

		kept := make([]string, 0, len(deps))

		for _, d := range deps {
			if _, ok := out.Nodes[d]; ok {
				kept = append(kept, d)
			}
		}

		out.Edges[id] = kept
	}

	return out
}

// TopologicalOrder returns a linear extension of the DAG, leaves first,
// with ties broken by ascending fingerprint so logs are reproducible
// (spec.md §4.2).
func TopologicalOrder(dag *DAG) ([]string, error) {
	indegree := make(map[string]int, len(dag.Nodes))
	for id := range dag.Nodes {
		indegree[id] = len(dag.Edges[id])
	}

	parentsOf := make(map[string][]string, len(dag.Nodes))

	for id, deps := range dag.Edges {
		for _, d := range deps {
			parentsOf[d] = append(parentsOf[d], id)
		}
	}

	ready := make([]string, 0, len(dag.Nodes))

	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(dag.Nodes))

	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, p := range parentsOf[id] {
			indegree[p]--
			if indegree[p] == 0 {
				ready = append(ready, p)
			}
		}
	}

	if len(order) != len(dag.Nodes) {
		done := make(map[string]bool, len(order))
		for _, id := range order {
			done[id] = true
		}

		for id := range dag.Nodes {
			if !done[id] {
				return nil, CycleDetectedError{ID: id}
			}
		}
	}

	return order, nil
}

// InDegree counts id's unresolved prerequisites within dag — used by the
// scheduler to decide when a parent becomes ready (spec.md §4.5 step 4:
// "a predecessor that was already completed at enqueue time counts as 0").
func InDegree(dag *DAG, id string) int {
	return len(dag.Edges[id])
}

// Parents returns the ids that directly depend on id within dag.
func Parents(dag *DAG, id string) []string {
	var parents []string

	for pid, deps := range dag.Edges {
		for _, d := range deps {
			if d == id {
				parents = append(parents, pid)
				break
			}
		}
	}

	sort.Strings(parents)

	return parents
}
