// Package graph implements the kernel graph (spec §4.14): a DAG of
// already-compiled kernels connected by named producer-output to
// consumer-input edges, with topological ordering, BFS execution
// levels, critical-path analysis, fusible-pair detection, and lowering
// to a single concatenated ISA program.
//
// Grounded on include/sw/kpu/kernel_graph.hpp's KernelGraph class in
// original_source/ (node/edge bookkeeping, Kahn's-algorithm ordering,
// DFS cycle rejection, fusible-pair rules), rendered in the teacher's
// style of a struct owning maps/slices plus small single-purpose
// methods (compare kpu/engine.Registry's bufKey-indexed map, or
// sim/cluster's instance-plus-router split).
package graph

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/compiler"
)

// NodeID identifies a kernel node within a Graph. Dense, starting at 0,
// assigned in AddKernel call order.
type NodeID int

// Edge declares a data dependency: the consumer's input_name argument is
// fed by the producer's output_name argument (spec §4.14).
type Edge struct {
	From, To        NodeID
	OutputName      string
	InputName       string
	TensorSizeBytes kpu.Size
}

type node struct {
	kernel *compiler.Kernel
	name   string
	in     []int // indices into g.edges
	out    []int
}

// Graph is a DAG of compiled kernels. The zero value is not usable; use
// New.
type Graph struct {
	Name  string
	nodes []node
	edges []Edge
}

// New creates an empty, named kernel graph.
func New(name string) *Graph {
	return &Graph{Name: name}
}

// AddKernel adds a compiled kernel as a node and returns its id.
func (g *Graph) AddKernel(k *compiler.Kernel, name string) NodeID {
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, node{kernel: k, name: name})
	return id
}

// NumNodes returns the number of kernel nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Kernel returns the kernel at the given node id.
func (g *Graph) Kernel(id NodeID) (*compiler.Kernel, bool) {
	if int(id) < 0 || int(id) >= len(g.nodes) {
		return nil, false
	}
	return g.nodes[id].kernel, true
}

// NodeName returns the human-readable name given to a node at AddKernel
// time.
func (g *Graph) NodeName(id NodeID) string {
	if int(id) < 0 || int(id) >= len(g.nodes) {
		return ""
	}
	return g.nodes[id].name
}

func (g *Graph) validNode(id NodeID) bool {
	return int(id) >= 0 && int(id) < len(g.nodes)
}

// AddEdge connects a producer's named output to a consumer's named
// input. It rejects edges to/from unknown nodes, edges whose declared
// argument names don't exist on the endpoint kernels, and edges that
// would introduce a cycle (spec §4.14 "Validation").
func (g *Graph) AddEdge(from, to NodeID, outputName, inputName string) error {
	if !g.validNode(from) || !g.validNode(to) {
		return fmt.Errorf("graph: unknown node in edge (%d -> %d)", from, to)
	}
	producer := g.nodes[from].kernel
	consumer := g.nodes[to].kernel
	outArg, ok := producer.Arg(outputName)
	if !ok {
		return fmt.Errorf("graph: node %d has no output argument %q", from, outputName)
	}
	if _, ok := consumer.Arg(inputName); !ok {
		return fmt.Errorf("graph: node %d has no input argument %q", to, inputName)
	}
	if g.hasPath(to, from) {
		return fmt.Errorf("graph: edge (%d -> %d) would create a cycle", from, to)
	}

	size := outArg.Rows * outArg.Cols * outArg.DType.Bytes()
	edgeIdx := len(g.edges)
	g.edges = append(g.edges, Edge{From: from, To: to, OutputName: outputName, InputName: inputName, TensorSizeBytes: size})
	g.nodes[from].out = append(g.nodes[from].out, edgeIdx)
	g.nodes[to].in = append(g.nodes[to].in, edgeIdx)
	return nil
}

// hasPath reports whether there is a directed path from `from` to `to`
// using the edges already in the graph (DFS reachability, spec §4.14's
// cycle check).
func (g *Graph) hasPath(from, to NodeID) bool {
	if from == to {
		return true
	}
	visited := make(map[NodeID]bool)
	var dfs func(n NodeID) bool
	dfs = func(n NodeID) bool {
		if n == to {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for _, ei := range g.nodes[n].out {
			if dfs(g.edges[ei].To) {
				return true
			}
		}
		return false
	}
	return dfs(from)
}

// InputNodes returns the ids of nodes with no incoming edges.
func (g *Graph) InputNodes() []NodeID {
	var out []NodeID
	for i, n := range g.nodes {
		if len(n.in) == 0 {
			out = append(out, NodeID(i))
		}
	}
	return out
}

// OutputNodes returns the ids of nodes with no outgoing edges.
func (g *Graph) OutputNodes() []NodeID {
	var out []NodeID
	for i, n := range g.nodes {
		if len(n.out) == 0 {
			out = append(out, NodeID(i))
		}
	}
	return out
}

// TopologicalOrder returns a valid execution order via Kahn's algorithm,
// breaking ties deterministically by node id (spec §4.14 "Topological
// order"). Since AddEdge already rejects cycles, this only fails if the
// graph was somehow left inconsistent.
func (g *Graph) TopologicalOrder() ([]NodeID, error) {
	indeg := make([]int, len(g.nodes))
	for i, n := range g.nodes {
		indeg[i] = len(n.in)
	}

	var ready []NodeID
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, NodeID(i))
		}
	}

	var order []NodeID
	for len(ready) > 0 {
		// smallest-id-first keeps the order deterministic across runs.
		minIdx := 0
		for i := 1; i < len(ready); i++ {
			if ready[i] < ready[minIdx] {
				minIdx = i
			}
		}
		n := ready[minIdx]
		ready = append(ready[:minIdx], ready[minIdx+1:]...)
		order = append(order, n)

		for _, ei := range g.nodes[n].out {
			to := g.edges[ei].To
			indeg[to]--
			if indeg[to] == 0 {
				ready = append(ready, to)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("graph: topological sort covered %d of %d nodes, graph is not a DAG", len(order), len(g.nodes))
	}
	return order, nil
}

// ExecutionLevels partitions the topological order into BFS levels:
// level 0 is the input nodes, level k+1 is every node whose predecessors
// are all at level ≤ k (spec §4.14 "Execution levels"). Nodes within one
// level have no dependency on each other and are candidates for
// parallel scheduling.
func (g *Graph) ExecutionLevels() ([][]NodeID, error) {
	if _, err := g.TopologicalOrder(); err != nil {
		return nil, err
	}
	level := make([]int, len(g.nodes))
	for i := range level {
		level[i] = -1
	}

	var levels [][]NodeID
	frontier := g.InputNodes()
	for depth := 0; len(frontier) > 0; depth++ {
		levels = append(levels, append([]NodeID(nil), frontier...))
		for _, n := range frontier {
			level[n] = depth
		}

		seen := make(map[NodeID]bool)
		var next []NodeID
		for _, n := range frontier {
			for _, ei := range g.nodes[n].out {
				to := g.edges[ei].To
				if level[to] >= 0 || seen[to] {
					continue
				}
				ready := true
				for _, inEi := range g.nodes[to].in {
					if level[g.edges[inEi].From] < 0 {
						ready = false
						break
					}
				}
				if ready {
					seen[to] = true
					next = append(next, to)
				}
			}
		}
		frontier = next
	}
	return levels, nil
}

// CriticalPath returns the node ids on the longest path through the
// graph, measured by the sum of each kernel's Estimates.TotalCycles
// (spec §4.14 "Critical path").
func (g *Graph) CriticalPath() ([]NodeID, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	cost := make([]kpu.Cycle, len(g.nodes))
	prev := make([]int, len(g.nodes))
	for i := range prev {
		prev[i] = -1
	}
	for _, n := range order {
		cost[n] = g.nodeCycles(n)
	}
	for _, n := range order {
		for _, ei := range g.nodes[n].out {
			to := g.edges[ei].To
			candidate := cost[n] + g.nodeCycles(to)
			if candidate > cost[to] {
				cost[to] = candidate
				prev[to] = int(n)
			}
		}
	}

	best := NodeID(0)
	for i := 1; i < len(cost); i++ {
		if cost[i] > cost[best] {
			best = NodeID(i)
		}
	}

	var path []NodeID
	for n := int(best); n != -1; n = prev[n] {
		path = append([]NodeID{NodeID(n)}, path...)
	}
	return path, nil
}

func (g *Graph) nodeCycles(n NodeID) kpu.Cycle {
	k := g.nodes[n].kernel
	if k == nil || k.Program == nil {
		return 0
	}
	return k.Program.Estimates.TotalCycles
}

// FusedPair is a producer-consumer pair eligible for fusion.
type FusedPair struct {
	Producer, Consumer NodeID
	EdgeIndex          int
}

// FusiblePairs finds producer-consumer pairs where exactly one edge
// connects them, the consumer has no other incoming edge from a
// different node, the producer's output and the consumer's input have
// matching shape, and both use the same data type (spec §4.14 "Fusible
// pairs").
func (g *Graph) FusiblePairs() []FusedPair {
	var out []FusedPair
	for ei, e := range g.edges {
		if !g.canFuse(e.From, e.To, ei) {
			continue
		}
		out = append(out, FusedPair{Producer: e.From, Consumer: e.To, EdgeIndex: ei})
	}
	return out
}

func (g *Graph) canFuse(producer, consumer NodeID, edgeIdx int) bool {
	con := g.nodes[consumer]
	if len(con.in) != 1 || con.in[0] != edgeIdx {
		return false
	}

	e := g.edges[edgeIdx]
	prodK, conK := g.nodes[producer].kernel, g.nodes[consumer].kernel
	outArg, ok := prodK.Arg(e.OutputName)
	if !ok {
		return false
	}
	inArg, ok := conK.Arg(e.InputName)
	if !ok {
		return false
	}
	if outArg.Rows != inArg.Rows || outArg.Cols != inArg.Cols {
		return false
	}
	if outArg.DType != inArg.DType {
		return false
	}
	return true
}

func (g *Graph) isFused(edgeIdx int) bool {
	e := g.edges[edgeIdx]
	return g.canFuse(e.From, e.To, edgeIdx)
}
