// dependency_graph.go: Dependency closure, cycle detection and install ordering
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"container/heap"
	"sort"
)

// GraphOptions tunes closure construction.
type GraphOptions struct {
	// StrictOptional keeps Optional edges whose target is present but out of
	// range so the resolver can report them as conflicts.
	StrictOptional bool
}

// SkippedEdge is an Optional edge left out of the closure.
type SkippedEdge struct {
	Edge   DependencyEdge
	Reason string
}

// DependencyGraph is the dependency closure of a single root plugin.
//
// The graph is built once per resolution from an immutable registry view and
// is never mutated afterwards. Ordering edges are Required edges whose target
// exists plus kept Optional edges; Conflicts edges are recorded for
// validation only and never take part in traversal or ordering.
//
// Example usage:
//
//	graph := BuildDependencyGraph(root, snapshot, GraphOptions{})
//	if cycle := graph.HasCycle(); cycle != nil {
//	    return cycle
//	}
//	order, err := graph.TopologicalOrder()
type DependencyGraph struct {
	root      string
	nodes     map[string]PluginRecord
	discovery []string
	required  []DependencyEdge
	optional  []DependencyEdge
	conflicts []DependencyEdge
	skipped   []SkippedEdge

	// edges maps a node to its sorted, deduplicated ordering dependencies.
	edges map[string][]string
}

// BuildDependencyGraph walks the closure of root breadth first. Non-root
// nodes use the current version from view.
func BuildDependencyGraph(root PluginRecord, view PluginRegistry, opts GraphOptions) *DependencyGraph {
	g := &DependencyGraph{
		root:  root.ID,
		nodes: map[string]PluginRecord{root.ID: root.Clone()},
		edges: make(map[string][]string),
	}
	g.discovery = append(g.discovery, root.ID)

	queue := []string{root.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range g.nodes[current].Dependencies {
			edge.From = current
			switch edge.Kind {
			case EdgeConflicts:
				g.conflicts = append(g.conflicts, edge)
				continue
			case EdgeRequired:
				g.required = append(g.required, edge)
			case EdgeOptional:
				target, ok := g.lookup(edge.To, view)
				if !ok {
					g.skipped = append(g.skipped, SkippedEdge{Edge: edge, Reason: "not registered"})
					continue
				}
				if !opts.StrictOptional && !edge.Constraint.Matches(target.Version) {
					g.skipped = append(g.skipped, SkippedEdge{
						Edge:   edge,
						Reason: "requires " + edge.Constraint.String() + ", have " + target.Version.String(),
					})
					continue
				}
				g.optional = append(g.optional, edge)
			}

			target, ok := g.lookup(edge.To, view)
			if !ok {
				continue
			}
			g.addOrderingEdge(current, edge.To)
			if _, seen := g.nodes[edge.To]; !seen {
				g.nodes[edge.To] = target
				g.discovery = append(g.discovery, edge.To)
				queue = append(queue, edge.To)
			}
		}
	}

	for id := range g.edges {
		sort.Strings(g.edges[id])
	}
	return g
}

func (g *DependencyGraph) lookup(id string, view PluginRegistry) (PluginRecord, bool) {
	if rec, ok := g.nodes[id]; ok {
		return rec, true
	}
	return view.Get(id)
}

func (g *DependencyGraph) addOrderingEdge(from, to string) {
	for _, existing := range g.edges[from] {
		if existing == to {
			return
		}
	}
	g.edges[from] = append(g.edges[from], to)
}

// Root returns the root plugin id.
func (g *DependencyGraph) Root() string { return g.root }

// Node returns the record of a closure member.
func (g *DependencyGraph) Node(id string) (PluginRecord, bool) {
	rec, ok := g.nodes[id]
	return rec, ok
}

// Nodes returns closure members in discovery order.
func (g *DependencyGraph) Nodes() []string {
	return append([]string(nil), g.discovery...)
}

// Len returns the number of closure members.
func (g *DependencyGraph) Len() int { return len(g.discovery) }

// RequiredEdges returns every Required edge declared inside the closure,
// including edges whose target is absent.
func (g *DependencyGraph) RequiredEdges() []DependencyEdge {
	return append([]DependencyEdge(nil), g.required...)
}

// OptionalEdges returns the Optional edges kept in the closure.
func (g *DependencyGraph) OptionalEdges() []DependencyEdge {
	return append([]DependencyEdge(nil), g.optional...)
}

// ConflictEdges returns the Conflicts edges declared inside the closure.
func (g *DependencyGraph) ConflictEdges() []DependencyEdge {
	return append([]DependencyEdge(nil), g.conflicts...)
}

// Skipped returns the Optional edges dropped while building the closure.
func (g *DependencyGraph) Skipped() []SkippedEdge {
	return append([]SkippedEdge(nil), g.skipped...)
}

// DependenciesOf returns the ordering dependencies of id, sorted.
func (g *DependencyGraph) DependenciesOf(id string) []string {
	return append([]string(nil), g.edges[id]...)
}

const (
	white = iota
	gray
	black
)

// HasCycle returns a cycle as an ordered list of ids, or nil when the graph
// is acyclic. Each consecutive pair in the list is an edge and the last
// element points back to the first. A self dependency is a one node cycle.
func (g *DependencyGraph) HasCycle() []string {
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			switch color[dep] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	starts := append([]string{g.root}, g.sortedNodes()...)
	for _, id := range starts {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func (g *DependencyGraph) sortedNodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TopologicalOrder returns the closure with dependencies before dependents.
// Among nodes that become ready together, the lexically smallest id goes
// first. A cyclic graph yields a CycleError.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.edges[id])
		for _, dep := range g.edges[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := &idHeap{}
	for id, degree := range inDegree {
		if degree == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for ready.Len() > 0 {
		current := heap.Pop(ready).(string)
		order = append(order, current)
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(order) != len(g.nodes) {
		cycle := g.HasCycle()
		if cycle == nil {
			cycle = unorderedNodes(inDegree)
		}
		return nil, NewCycleError(cycle)
	}
	return order, nil
}

func unorderedNodes(inDegree map[string]int) []string {
	var out []string
	for id, degree := range inDegree {
		if degree > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// idHeap is a min-heap of plugin ids.
type idHeap []string

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
