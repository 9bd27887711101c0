package workflow

import (
	"fmt"
	"strings"

	"github.com/BaSui01/swarmflow/workflow/expr"
)

// ValidationResult reports every problem found in a graph. Valid is true
// only when Errors is empty.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Err converts a failed result into a ValidationError.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return NewValidationError(r.Errors...)
}

// Validate checks structure, acyclicity, node configs and composite regions.
// All problems are collected; nothing is repaired.
func Validate(g *Graph) ValidationResult {
	v := &validator{g: g}
	v.checkStructure()
	v.checkConfigs()
	cyclic := v.checkCycles()
	v.checkSingleStart()
	if !cyclic && len(v.errs) == 0 {
		if _, err := buildPlan(g); err != nil {
			v.errs = append(v.errs, err.Messages...)
		}
	}
	return ValidationResult{Valid: len(v.errs) == 0, Errors: v.errs}
}

type validator struct {
	g    *Graph
	errs []string
}

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

func (v *validator) checkStructure() {
	g := v.g
	if g.Len() == 0 {
		v.addf("Workflow has no nodes")
		return
	}
	for _, id := range g.duplicates {
		v.addf("Duplicate node id: %s", id)
	}
	for _, n := range g.nodes {
		if n.ID == "" {
			v.addf("Node with empty id")
		}
	}
	for _, e := range g.edges {
		if _, ok := g.Node(e.From); !ok {
			v.addf("Edge %s -> %s references missing node %s", e.From, e.To, e.From)
		}
		if _, ok := g.Node(e.To); !ok {
			v.addf("Edge %s -> %s references missing node %s", e.From, e.To, e.To)
		}
	}
	if len(g.StartNodes()) == 0 {
		v.addf("Workflow must have a start node")
	}
	if len(g.EndNodes()) == 0 {
		v.addf("Workflow must have an end node")
	}
	if g.Len() > 1 {
		var disconnected []string
		for _, n := range g.nodes {
			if len(g.in[n.ID]) == 0 && len(g.out[n.ID]) == 0 {
				disconnected = append(disconnected, n.ID)
			}
		}
		if len(disconnected) > 0 {
			v.addf("Disconnected nodes found: %s", strings.Join(disconnected, ", "))
		}
	}
}

func (v *validator) checkConfigs() {
	g := v.g
	for _, n := range g.nodes {
		if _, err := ParseNodeKind(string(n.Kind)); err != nil {
			v.addf("Node %s has unknown kind %q", n.ID, n.Kind)
			continue
		}
		switch n.Kind {
		case NodeKindStart:
			if len(g.in[n.ID]) > 0 {
				v.addf("Start node %s has incoming edges", n.ID)
			}
		case NodeKindEnd:
			if len(g.out[n.ID]) > 0 {
				v.addf("End node %s has outgoing edges", n.ID)
			}
		}
		if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
			if n.Config != nil {
				v.addf("Node %s of kind %s takes no config", n.ID, n.Kind)
			}
			continue
		}
		if n.Config == nil || n.Config.nodeKind() != n.Kind {
			v.addf("Node %s has no %s config", n.ID, n.Kind)
			continue
		}

		switch n.Kind {
		case NodeKindAgent:
			cfg := n.agentConfig()
			if cfg.AgentID == "" {
				v.addf("Agent node %s requires agentId", n.ID)
			}
			if r := cfg.Resources; r != nil && (r.CPU < 0 || r.Memory < 0 || r.GPU < 0) {
				v.addf("Agent node %s has negative resource cost", n.ID)
			}
			if cfg.Commit != nil && (cfg.Commit.Branch == "" || cfg.Commit.Path == "") {
				v.addf("Agent node %s commit requires branch and path", n.ID)
			}
		case NodeKindCondition:
			cfg := n.conditionConfig()
			set := 0
			for _, s := range []string{cfg.Predicate, cfg.Path, cfg.Expression} {
				if s != "" {
					set++
				}
			}
			if set != 1 {
				v.addf("Condition node %s requires exactly one of predicate, path or expression", n.ID)
			}
			if cfg.Expression != "" {
				if _, err := expr.Parse(cfg.Expression); err != nil {
					v.addf("Condition node %s expression: %v", n.ID, err)
				}
			}
			for _, e := range g.Outgoing(n.ID) {
				if e.Label != LabelTrue && e.Label != LabelFalse {
					v.addf("Condition node %s edge to %s must be labeled true or false", n.ID, e.To)
				}
			}
		case NodeKindParallel:
			succ := make(map[string]bool)
			for _, s := range g.Successors(n.ID) {
				succ[s] = true
			}
			for _, b := range n.parallelConfig().Branches {
				if !succ[b] {
					v.addf("Parallel node %s branch %s is not a direct successor", n.ID, b)
				}
			}
			if len(succ) == 0 {
				v.addf("Parallel node %s has no branches", n.ID)
			}
		case NodeKindLoop:
			cfg := n.loopConfig()
			if cfg.Iterations < 1 {
				v.addf("Loop node %s requires iterations >= 1", n.ID)
			}
			for _, b := range cfg.Body {
				if _, ok := g.Node(b); !ok {
					v.addf("Loop node %s body references missing node %s", n.ID, b)
				}
			}
		}
	}
}

// checkCycles runs an iterative DFS with an explicit recursion stack. Every
// back-edge is reported with the path it closes, in traversal order.
func (v *validator) checkCycles() bool {
	g := v.g
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, g.Len())
	found := false

	type frame struct {
		id   string
		next int
	}
	for _, root := range g.nodes {
		if color[root.ID] != white {
			continue
		}
		stack := []frame{{id: root.ID}}
		color[root.ID] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := g.Successors(top.id)
			if top.next >= len(succ) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			next := succ[top.next]
			top.next++
			if _, ok := g.Node(next); !ok {
				continue
			}
			switch color[next] {
			case white:
				color[next] = grey
				stack = append(stack, frame{id: next})
			case grey:
				found = true
				path := []string{}
				for i := len(stack) - 1; i >= 0; i-- {
					path = append(path, stack[i].id)
					if stack[i].id == next {
						break
					}
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				path = append(path, next)
				v.addf("Cycle detected: %s", strings.Join(path, " -> "))
			}
		}
	}
	return found
}

// checkSingleStart requires every node to be reachable from exactly one
// node without incoming edges.
func (v *validator) checkSingleStart() {
	g := v.g
	starts := g.StartNodes()
	if len(starts) < 2 {
		return
	}
	owners := make(map[string][]string)
	for _, s := range starts {
		for id := range g.reachable([]string{s}, nil) {
			owners[id] = append(owners[id], s)
		}
	}
	for _, n := range g.nodes {
		if o := owners[n.ID]; len(o) > 1 {
			v.addf("Node %s is reachable from multiple start nodes: %s", n.ID, strings.Join(o, ", "))
		}
	}
}
