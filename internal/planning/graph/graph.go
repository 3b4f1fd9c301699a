// Package graph provides a small directed graph with cycle detection and
// reachability queries. Nodes keep their insertion order so traversals and
// reported cycle paths are deterministic.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Graph is a directed graph keyed by string node ids.
type Graph struct {
	order []string
	nodes map[string]bool
	edges map[string][]string // adjacency list: node -> successors
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]bool),
		edges: make(map[string][]string),
	}
}

// AddNode adds id if it is not already present.
func (g *Graph) AddNode(id string) {
	if g.nodes[id] {
		return
	}
	g.nodes[id] = true
	g.order = append(g.order, id)
}

// HasNode reports whether id was added.
func (g *Graph) HasNode(id string) bool { return g.nodes[id] }

// Nodes returns the node ids in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Successors returns the direct successors of id in the order they were added.
func (g *Graph) Successors(id string) []string {
	out := make([]string, len(g.edges[id]))
	copy(out, g.edges[id])
	return out
}

// AddEdge adds the edge from -> to, adding missing nodes. An edge that would
// close a cycle is rejected with a *CycleError carrying the path.
func (g *Graph) AddEdge(from, to string) error {
	g.AddNode(from)
	g.AddNode(to)

	if g.CanReach(to, from) {
		path := g.path(to, from)
		return &CycleError{Path: append([]string{from}, path...)}
	}
	g.edges[from] = append(g.edges[from], to)
	return nil
}

// HasCycle runs a DFS over every node and returns the first cycle found as
// a closed path (first and last elements equal).
func (g *Graph) HasCycle() (bool, []string) {
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	parent := make(map[string]string, len(g.nodes))

	var dfs func(node string) []string
	dfs = func(node string) []string {
		visited[node] = true
		onStack[node] = true
		for _, next := range g.edges[node] {
			if !visited[next] {
				parent[next] = node
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
				continue
			}
			if onStack[next] {
				cycle := []string{next}
				for cur := node; cur != next; cur = parent[cur] {
					cycle = append([]string{cur}, cycle...)
				}
				return append([]string{next}, cycle...)
			}
		}
		onStack[node] = false
		return nil
	}

	for _, node := range g.order {
		if visited[node] {
			continue
		}
		if cycle := dfs(node); cycle != nil {
			return true, cycle
		}
	}
	return false, nil
}

// CanReach reports whether to is reachable from from. A node reaches itself.
func (g *Graph) CanReach(from, to string) bool {
	return g.path(from, to) != nil
}

// Reachable returns every node reachable from start, start included, in BFS
// order. An unknown start yields nil.
func (g *Graph) Reachable(start string) []string {
	if !g.nodes[start] {
		return nil
	}
	seen := map[string]bool{start: true}
	out := []string{start}
	for i := 0; i < len(out); i++ {
		for _, next := range g.edges[out[i]] {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
			}
		}
	}
	return out
}

// path returns a shortest path from -> to (both ends included), or nil.
func (g *Graph) path(from, to string) []string {
	if from == to {
		return []string{from}
	}
	parent := map[string]string{}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.edges[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			parent[next] = cur
			if next == to {
				out := []string{to}
				for n := to; n != from; {
					n = parent[n]
					out = append([]string{n}, out...)
				}
				return out
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// CycleError reports a cycle as the closed path that forms it.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "cycle detected"
	}
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// IsCycleError reports whether err is or wraps a *CycleError.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}
