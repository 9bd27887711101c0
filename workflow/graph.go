package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// NodeKind identifies the closed set of node variants a graph may contain.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
	NodeKindAgent     NodeKind = "agent"
	NodeKindCondition NodeKind = "condition"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindLoop      NodeKind = "loop"
)

// ParseNodeKind resolves a wire kind name. Matching is case-insensitive so
// "Agent" and "agent" are the same kind.
func ParseNodeKind(s string) (NodeKind, error) {
	switch k := NodeKind(strings.ToLower(strings.TrimSpace(s))); k {
	case NodeKindStart, NodeKindEnd, NodeKindAgent, NodeKindCondition, NodeKindParallel, NodeKindLoop:
		return k, nil
	default:
		return "", fmt.Errorf("unknown node kind %q", s)
	}
}

// IsComposite reports whether nodes of this kind own a region of the graph
// that they execute themselves.
func (k NodeKind) IsComposite() bool {
	return k == NodeKindParallel || k == NodeKindLoop
}

// Condition branch labels.
const (
	LabelTrue  = "true"
	LabelFalse = "false"
	LabelBody  = "body"
)

// Node is one step of a workflow graph. Config holds the kind-specific
// settings and is nil for Start and End nodes.
type Node struct {
	ID     string
	Kind   NodeKind
	Config NodeConfig
}

// Edge is a directed successor relation, optionally labeled for branch
// selection.
type Edge struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// ErrGraphSealed is returned when a graph is modified after execution started.
var ErrGraphSealed = errors.New("graph is sealed")

// Graph owns a node set and an edge set. Nodes and edges keep insertion
// order, which makes topological order and validation output reproducible.
// A graph is sealed once a run has been prepared from it.
type Graph struct {
	ID   string
	Name string

	nodes      []*Node
	index      map[string]int
	edges      []Edge
	out        map[string][]int
	in         map[string][]int
	duplicates []string
	sealed     bool
}

// NewGraph creates an empty graph.
func NewGraph(id string) *Graph {
	return &Graph{
		ID:    id,
		index: make(map[string]int),
		out:   make(map[string][]int),
		in:    make(map[string][]int),
	}
}

// AddNode appends a node. Duplicate ids are kept aside and reported by Validate.
func (g *Graph) AddNode(n *Node) error {
	if g.sealed {
		return ErrGraphSealed
	}
	if n == nil {
		return errors.New("node is nil")
	}
	if _, exists := g.index[n.ID]; exists {
		g.duplicates = append(g.duplicates, n.ID)
		return nil
	}
	g.index[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return nil
}

// AddEdge appends an edge. Edges referencing unknown nodes are reported by
// Validate rather than rejected here.
func (g *Graph) AddEdge(e Edge) error {
	if g.sealed {
		return ErrGraphSealed
	}
	idx := len(g.edges)
	g.edges = append(g.edges, e)
	g.out[e.From] = append(g.out[e.From], idx)
	g.in[e.To] = append(g.in[e.To], idx)
	return nil
}

// Connect is a shorthand for AddEdge with an optional label.
func (g *Graph) Connect(from, to string, label ...string) error {
	e := Edge{From: from, To: to}
	if len(label) > 0 {
		e.Label = label[0]
	}
	return g.AddEdge(e)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Nodes returns nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// NodeIDs returns node ids in insertion order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		ids[i] = n.ID
	}
	return ids
}

// Edges returns edges in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Len returns the number of distinct nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Outgoing returns the edges leaving id in insertion order.
func (g *Graph) Outgoing(id string) []Edge {
	idxs := g.out[id]
	out := make([]Edge, len(idxs))
	for i, idx := range idxs {
		out[i] = g.edges[idx]
	}
	return out
}

// Incoming returns the edges entering id in insertion order.
func (g *Graph) Incoming(id string) []Edge {
	idxs := g.in[id]
	out := make([]Edge, len(idxs))
	for i, idx := range idxs {
		out[i] = g.edges[idx]
	}
	return out
}

// Successors returns the distinct successor ids of id in edge order.
func (g *Graph) Successors(id string) []string {
	return distinct(g.out[id], func(idx int) string { return g.edges[idx].To })
}

// Predecessors returns the distinct predecessor ids of id in edge order.
func (g *Graph) Predecessors(id string) []string {
	return distinct(g.in[id], func(idx int) string { return g.edges[idx].From })
}

// StartNodes returns nodes without incoming edges, in insertion order.
func (g *Graph) StartNodes() []string {
	var ids []string
	for _, n := range g.nodes {
		if len(g.in[n.ID]) == 0 {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// EndNodes returns nodes without outgoing edges, in insertion order.
func (g *Graph) EndNodes() []string {
	var ids []string
	for _, n := range g.nodes {
		if len(g.out[n.ID]) == 0 {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// Sealed reports whether the graph has been frozen by a run.
func (g *Graph) Sealed() bool { return g.sealed }

func (g *Graph) seal() { g.sealed = true }

// reachable returns the set of nodes reachable from the given roots,
// including the roots themselves. Nodes in stop are neither entered nor
// expanded.
func (g *Graph) reachable(roots []string, stop map[string]bool) map[string]bool {
	seen := make(map[string]bool)
	stack := make([]string, 0, len(roots))
	for _, r := range roots {
		if !stop[r] {
			stack = append(stack, r)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, next := range g.Successors(id) {
			if !seen[next] && !stop[next] {
				stack = append(stack, next)
			}
		}
	}
	return seen
}

func distinct(idxs []int, key func(int) string) []string {
	seen := make(map[string]bool, len(idxs))
	out := make([]string, 0, len(idxs))
	for _, idx := range idxs {
		k := key(idx)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
