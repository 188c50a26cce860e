package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/queryserver/internal/domain/fingerprint"
	"github.com/flowkit/queryserver/internal/domain/graph"
	"github.com/flowkit/queryserver/internal/domain/queryspec"
)

// fakeResolver is a tiny in-memory dependency resolver for graph tests: a
// map from kind name to the sub-specs it depends on.
type fakeResolver map[string][]queryspec.Spec

func (f fakeResolver) Dependencies(spec queryspec.Spec) ([]queryspec.Spec, error) {
	return f[spec.Kind], nil
}

// fakeStored reports a fixed set of ids as already completed.
type fakeStored map[string]bool

func (f fakeStored) IsCompleted(_ context.Context, id string) (bool, error) {
	return f[id], nil
}

func TestClosure_FiveDependenciesTwoCached(t *testing.T) {
	leafA := queryspec.New("daily_location", map[string]any{"date": "2016-01-01"})
	leafB := queryspec.New("daily_location", map[string]any{"date": "2016-01-02"})
	leafC := queryspec.New("daily_location", map[string]any{"date": "2016-01-03"})
	leafD := queryspec.New("daily_location", map[string]any{"date": "2016-01-04"})
	leafE := queryspec.New("daily_location", map[string]any{"date": "2016-01-05"})

	root := queryspec.New("modal_location", map[string]any{
		"a": leafA, "b": leafB, "c": leafC, "d": leafD, "e": leafE,
	})

	resolver := fakeResolver{
		"modal_location": {leafA, leafB, leafC, leafD, leafE},
	}

	idB, err := fingerprint.Fingerprint(leafB)
	require.NoError(t, err)

	idD, err := fingerprint.Fingerprint(leafD)
	require.NoError(t, err)

	stored := fakeStored{idB: true, idD: true}

	dag, err := graph.Closure(context.Background(), resolver, stored, root)
	require.NoError(t, err)
	assert.Len(t, dag.Nodes, 6)

	unstored := graph.UnstoredClosure(dag)
	assert.Len(t, unstored.Nodes, 4)

	order, err := graph.TopologicalOrder(unstored)
	require.NoError(t, err)
	assert.Len(t, order, 4)

	rootPos := -1

	for i, id := range order {
		if id == dag.Root {
			rootPos = i
		}
	}

	assert.Equal(t, len(order)-1, rootPos, "root must be last in a leaves-first order")
}

func TestClosure_DetectsCycle(t *testing.T) {
	var a, b queryspec.Spec

	a = queryspec.New("cyclic_a", map[string]any{"ref": "a"})
	b = queryspec.New("cyclic_b", map[string]any{"ref": "b"})

	resolver := fakeResolver{
		"cyclic_a": {b},
		"cyclic_b": {a},
	}

	_, err := graph.Closure(context.Background(), resolver, fakeStored{}, a)
	require.Error(t, err)

	var cycleErr graph.CycleDetectedError

	assert.ErrorAs(t, err, &cycleErr)
}

func TestTopologicalOrder_DeterministicTieBreak(t *testing.T) {
	leaf1 := queryspec.New("daily_location", map[string]any{"date": "2016-01-01"})
	leaf2 := queryspec.New("daily_location", map[string]any{"date": "2016-01-02"})
	root := queryspec.New("modal_location", map[string]any{"x": leaf1, "y": leaf2})

	resolver := fakeResolver{"modal_location": {leaf1, leaf2}}

	dag1, err := graph.Closure(context.Background(), resolver, fakeStored{}, root)
	require.NoError(t, err)

	dag2, err := graph.Closure(context.Background(), resolver, fakeStored{}, root)
	require.NoError(t, err)

	order1, err := graph.TopologicalOrder(dag1)
	require.NoError(t, err)

	order2, err := graph.TopologicalOrder(dag2)
	require.NoError(t, err)

	assert.Equal(t, order1, order2)
}
