package plugin

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(order []Metadata) []string {
	out := make([]string, len(order))
	for i, meta := range order {
		out[i] = meta.Name
	}
	return out
}

func mustRegister(t *testing.T, r *Registry, metas ...Metadata) {
	t.Helper()
	for _, meta := range metas {
		require.NoError(t, r.Register(meta))
	}
}

func TestRegistry_DiamondGraph_DependenciesFirst(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r,
		Metadata{Name: "D", Dependencies: []string{"B", "C"}, Priority: 1, Parallel: true},
		Metadata{Name: "C", Dependencies: []string{"A"}, Priority: 10, Parallel: true},
		Metadata{Name: "B", Dependencies: []string{"A"}, Priority: 10, Parallel: true},
		Metadata{Name: "A", Priority: 50},
	)

	order, err := r.ExecutionOrder()

	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, names(order))
}

func TestRegistry_IndependentSteps_OrderedByPriorityThenName(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r,
		Metadata{Name: "zeta", Priority: 5},
		Metadata{Name: "alpha", Priority: 20},
		Metadata{Name: "beta", Priority: 5},
	)

	order, err := r.ExecutionOrder()

	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "zeta", "alpha"}, names(order))
}

func TestRegistry_ExecutionOrder_IsDeterministic(t *testing.T) {
	build := func() []string {
		r := NewRegistry()
		mustRegister(t, r,
			Metadata{Name: "ingest", Priority: 1},
			Metadata{Name: "security", Dependencies: []string{"ingest"}, Priority: 10},
			Metadata{Name: "testing", Dependencies: []string{"ingest"}, Priority: 10},
			Metadata{Name: "architecture", Dependencies: []string{"ingest"}, Priority: 30},
			Metadata{Name: "compliance", Dependencies: []string{"security", "testing"}, Priority: 5},
		)
		order, err := r.ExecutionOrder()
		require.NoError(t, err)
		return names(order)
	}

	first := build()
	for range 20 {
		assert.Equal(t, first, build())
	}
	assert.Equal(t, []string{"ingest", "security", "testing", "compliance", "architecture"}, first)
}

func TestRegistry_Cycle_NamesEveryNodeInCycle(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r,
		Metadata{Name: "A", Dependencies: []string{"B"}, Priority: 1},
		Metadata{Name: "B", Dependencies: []string{"A"}, Priority: 1},
		Metadata{Name: "C", Priority: 1},
	)

	order, err := r.ExecutionOrder()

	require.Error(t, err)
	assert.Nil(t, order)
	var cycleErr *CyclicDependencyError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"A", "B"}, cycleErr.Nodes)
	assert.Contains(t, err.Error(), "A, B")
}

func TestRegistry_SelfDependency_IsCycle(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Metadata{Name: "loop", Dependencies: []string{"loop"}, Priority: 1})

	_, err := r.ExecutionOrder()

	var cycleErr *CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"loop"}, cycleErr.Nodes)
}

func TestRegistry_MissingDependency_Unresolved(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Metadata{Name: "compliance", Dependencies: []string{"security"}, Priority: 40})

	_, err := r.ExecutionOrder()

	var unresolved *UnresolvedDependencyError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "compliance", unresolved.Step)
	assert.Equal(t, "security", unresolved.Dependency)
}

func TestRegistry_Register_ValidatesShapeOnly(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.Register(Metadata{Name: "", Priority: 1}), ErrNameRequired)
	assert.ErrorIs(t, r.Register(Metadata{Name: "x", Priority: 0}), ErrInvalidPriority)
	assert.ErrorIs(t, r.Register(Metadata{Name: "x", Priority: 101}), ErrInvalidPriority)

	// Unknown dependencies are accepted at registration time.
	assert.NoError(t, r.Register(Metadata{Name: "x", Dependencies: []string{"later"}, Priority: 1}))
}

func TestRegistry_Register_ReplacesAndDedupes(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r,
		Metadata{Name: "a", Priority: 1},
		Metadata{Name: "b", Dependencies: []string{"a", "a", " "}, Priority: 2},
		Metadata{Name: "b", Dependencies: []string{"a", "a"}, Priority: 3, Required: true},
	)

	meta, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, meta.Dependencies)
	assert.Equal(t, 3, meta.Priority)
	assert.True(t, meta.Required)
	assert.True(t, meta.DependsOn("a"))
	assert.Len(t, r.List(), 2)
}

func TestRegistry_Unregister_AffectsNextOrder(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r,
		Metadata{Name: "a", Priority: 1},
		Metadata{Name: "b", Dependencies: []string{"a"}, Priority: 1},
	)

	before, err := r.ExecutionOrder()
	require.NoError(t, err)
	assert.Len(t, before, 2)

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))

	_, err = r.ExecutionOrder()
	var unresolved *UnresolvedDependencyError
	require.ErrorAs(t, err, &unresolved)

	// The previously computed order is untouched.
	assert.Equal(t, []string{"a", "b"}, names(before))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(Metadata{Name: string(rune('a' + i%26)), Priority: 1 + i%100})
			_, _ = r.ExecutionOrder()
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.List(), 26)
}
