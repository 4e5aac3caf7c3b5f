// Package pipeline describes the logical structure of an inference pipeline
// as a directed acyclic graph of stages.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
)

// Sentinel nodes. Every graph has exactly one Source and one Sink.
const (
	Source = "SOURCE"
	Sink   = "SINK"
)

// Errors reported when a graph is malformed.
var (
	ErrMissingSource = errors.New("graph has no SOURCE with outgoing edges")
	ErrMissingSink   = errors.New("graph has no SINK with incoming edges")
	ErrSinkHasEdges  = errors.New("SINK must not have outgoing edges")
	ErrSourceTarget  = errors.New("SOURCE must not have incoming edges")
	ErrUnknownNode   = errors.New("unknown node")
	ErrCycle         = errors.New("graph contains a cycle")
	ErrUnreachable   = errors.New("node is not on any SOURCE to SINK path")
	ErrNoPath        = errors.New("no path from SOURCE to SINK")
)

// A Path is the sequence of nodes one request visits, from Source to Sink
// inclusive.
type Path []string

// Stages returns the nodes of the path without the sentinels.
func (p Path) Stages() []string {
	stages := make([]string, 0, len(p))
	for _, n := range p {
		if IsSentinel(n) {
			continue
		}
		stages = append(stages, n)
	}

	return stages
}

// IsSentinel reports whether the node is Source or Sink.
func IsSentinel(node string) bool {
	return node == Source || node == Sink
}

// A Graph is the logical DAG of a pipeline. It is immutable once created and
// safe for concurrent use.
type Graph struct {
	adjacency map[string][]string
	reference string
}

// New creates a Graph from an adjacency list. The keys of the map are all the
// nodes of the graph, sentinels included, and every child must be a key.
// Duplicate children are collapsed, keeping the first occurrence. The
// reference stage is the stage every query is sent to; it is used to derive
// scale factors.
func New(adjacency map[string][]string, reference string) (*Graph, error) {
	g := &Graph{
		adjacency: make(map[string][]string, len(adjacency)),
		reference: reference,
	}

	for node, children := range adjacency {
		seen := make(map[string]bool, len(children))
		ordered := make([]string, 0, len(children))
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			ordered = append(ordered, c)
		}
		g.adjacency[node] = ordered
	}

	if err := g.validate(); err != nil {
		return nil, err
	}

	return g, nil
}

// MustNew is like New but panics if the graph is malformed.
func MustNew(adjacency map[string][]string, reference string) *Graph {
	g, err := New(adjacency, reference)
	if err != nil {
		panic(err)
	}

	return g
}

func (g *Graph) validate() error {
	if len(g.adjacency[Source]) == 0 {
		return ErrMissingSource
	}

	sink, ok := g.adjacency[Sink]
	if !ok {
		return ErrMissingSink
	}
	if len(sink) > 0 {
		return ErrSinkHasEdges
	}

	sinkHasParent := false
	for node, children := range g.adjacency {
		for _, c := range children {
			if _, ok := g.adjacency[c]; !ok {
				return fmt.Errorf("%w: %q is a child of %q", ErrUnknownNode, c, node)
			}
			if c == Source {
				return fmt.Errorf("%w: edge from %q", ErrSourceTarget, node)
			}
			if c == Sink {
				sinkHasParent = true
			}
		}
	}
	if !sinkHasParent {
		return ErrMissingSink
	}

	if err := g.checkAcyclic(); err != nil {
		return err
	}

	if err := g.checkConnected(); err != nil {
		return err
	}

	if IsSentinel(g.reference) || !g.HasNode(g.reference) {
		return fmt.Errorf("%w: reference stage %q", ErrUnknownNode, g.reference)
	}

	return nil
}

const (
	white = iota
	grey
	black
)

// checkAcyclic runs an iterative three-colour depth-first search over every
// node and fails on the first back edge.
func (g *Graph) checkAcyclic() error {
	color := make(map[string]int, len(g.adjacency))

	type frame struct {
		node string
		next int
	}

	for _, root := range g.sortedKeys() {
		if color[root] != white {
			continue
		}

		stack := []frame{{node: root}}
		color[root] = grey

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := g.adjacency[top.node]

			if top.next == len(children) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}

			child := children[top.next]
			top.next++

			switch color[child] {
			case grey:
				return fmt.Errorf("%w: %q -> %q", ErrCycle, top.node, child)
			case white:
				color[child] = grey
				stack = append(stack, frame{node: child})
			}
		}
	}

	return nil
}

// checkConnected verifies that every node is reachable from Source and can
// reach Sink.
func (g *Graph) checkConnected() error {
	reverse := make(map[string][]string, len(g.adjacency))
	for node, children := range g.adjacency {
		for _, c := range children {
			reverse[c] = append(reverse[c], node)
		}
	}

	fromSource := reachable(Source, g.adjacency)
	toSink := reachable(Sink, reverse)

	for _, node := range g.sortedKeys() {
		if !fromSource[node] {
			return fmt.Errorf("%w: %q is not reachable from SOURCE", ErrUnreachable, node)
		}
		if !toSink[node] {
			return fmt.Errorf("%w: %q cannot reach SINK", ErrUnreachable, node)
		}
	}

	return nil
}

func reachable(start string, edges map[string][]string) map[string]bool {
	visited := map[string]bool{start: true}
	queue := []string{start}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		for _, next := range edges[node] {
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}

	return visited
}

// EnumeratePaths returns every distinct route from Source to Sink. Children
// are visited in the order they were declared, so the result is
// deterministic. A stage shared by several routes appears on each of them.
func (g *Graph) EnumeratePaths() ([]Path, error) {
	type frame struct {
		node string
		next int
	}

	var paths []Path
	onPath := map[string]bool{Source: true}
	stack := []frame{{node: Source}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.node == Sink {
			path := make(Path, len(stack))
			for i, f := range stack {
				path[i] = f.node
			}
			paths = append(paths, path)
		}

		children := g.adjacency[top.node]
		if top.next == len(children) {
			delete(onPath, top.node)
			stack = stack[:len(stack)-1]
			continue
		}

		child := children[top.next]
		top.next++

		if onPath[child] {
			return nil, fmt.Errorf("%w: %q -> %q", ErrCycle, top.node, child)
		}
		onPath[child] = true
		stack = append(stack, frame{node: child})
	}

	if len(paths) == 0 {
		return nil, ErrNoPath
	}

	return paths, nil
}

// Nodes returns the names of all stages, sorted, without the sentinels.
func (g *Graph) Nodes() []string {
	nodes := make([]string, 0, len(g.adjacency))
	for n := range g.adjacency {
		if IsSentinel(n) {
			continue
		}
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	return nodes
}

// HasNode reports whether the node belongs to the graph.
func (g *Graph) HasNode(node string) bool {
	_, ok := g.adjacency[node]
	return ok
}

// Children returns a copy of the children of a node, in declaration order.
func (g *Graph) Children(node string) []string {
	children := g.adjacency[node]
	out := make([]string, len(children))
	copy(out, children)

	return out
}

// Reference returns the reference stage of the graph.
func (g *Graph) Reference() string {
	return g.reference
}

func (g *Graph) sortedKeys() []string {
	keys := make([]string, 0, len(g.adjacency))
	for k := range g.adjacency {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
