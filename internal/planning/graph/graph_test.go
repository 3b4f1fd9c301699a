package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNodeKeepsInsertionOrder(t *testing.T) {
	g := NewGraph()
	g.AddNode("b")
	g.AddNode("a")
	g.AddNode("b")

	assert.Equal(t, []string{"b", "a"}, g.Nodes())
	assert.True(t, g.HasNode("a"))
	assert.False(t, g.HasNode("c"))
}

func TestAddEdge(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("a", "c"))

	assert.Equal(t, []string{"b", "c"}, g.Successors("a"))
	assert.Equal(t, []string{"a", "b", "c"}, g.Nodes())
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))

	err := g.AddEdge("c", "a")
	require.Error(t, err)
	assert.True(t, IsCycleError(err))
	assert.True(t, IsCycleError(fmt.Errorf("wrapped: %w", err)))

	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"c", "a", "b", "c"}, ce.Path)
	assert.Equal(t, "cycle detected: c -> a -> b -> c", err.Error())

	assert.Empty(t, g.Successors("c"), "rejected edge is not added")
	hasCycle, _ := g.HasCycle()
	assert.False(t, hasCycle)
}

func TestAddEdgeRejectsSelfLoop(t *testing.T) {
	g := NewGraph()
	err := g.AddEdge("a", "a")
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "a"}, ce.Path)
}

func TestHasCycle(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))
	hasCycle, path := g.HasCycle()
	assert.False(t, hasCycle)
	assert.Nil(t, path)

	// Bypass AddEdge to build a cyclic graph directly.
	g.edges["c"] = append(g.edges["c"], "b")
	hasCycle, path = g.HasCycle()
	assert.True(t, hasCycle)
	assert.Equal(t, []string{"b", "c", "b"}, path)
}

func TestReachability(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddEdge("intake", "review"))
	require.NoError(t, g.AddEdge("review", "certified"))
	require.NoError(t, g.AddEdge("review", "rejected"))
	g.AddNode("orphan")

	assert.Equal(t, []string{"intake", "review", "certified", "rejected"}, g.Reachable("intake"))
	assert.Equal(t, []string{"orphan"}, g.Reachable("orphan"))
	assert.Nil(t, g.Reachable("missing"))

	assert.True(t, g.CanReach("intake", "rejected"))
	assert.True(t, g.CanReach("review", "review"))
	assert.False(t, g.CanReach("certified", "intake"))
	assert.False(t, g.CanReach("intake", "orphan"))
}
