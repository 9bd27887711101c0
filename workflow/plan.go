package workflow

import (
	"fmt"
	"sort"

	"github.com/BaSui01/swarmflow/workflow/expr"
)

// scopeKey identifies a scheduling scope: the top level (owner ""), one
// branch of a Parallel node, or the body of a Loop node (branch 0).
type scopeKey struct {
	owner  string
	branch int
}

var rootScope = scopeKey{}

// succEdge is a scope-level successor with the labels of every raw edge
// that produced it.
type succEdge struct {
	to     string
	labels []string
}

func (s succEdge) matches(label string) bool {
	for _, l := range s.labels {
		if l == label {
			return true
		}
	}
	return false
}

// scopePlan is the graph of one scope after composite regions have been
// collapsed into their owners.
type scopePlan struct {
	key     scopeKey
	members []string // in topological order
	preds   map[string][]string
	succs   map[string][]succEdge
}

// plan is the immutable execution layout derived from a validated graph.
type plan struct {
	order    []string
	rank     map[string]int
	owner    map[string]scopeKey
	scopes   map[scopeKey]*scopePlan
	branches map[string][]string   // parallel node -> branch heads in index order
	exprs    map[string]*expr.Expr // condition node -> compiled expression
}

func (p *plan) scope(k scopeKey) *scopePlan { return p.scopes[k] }

// buildPlan computes composite regions. A Parallel branch owns the nodes
// reachable from its head and from no other head of the same Parallel node.
// A Loop body is its configured node set, or the nodes reachable through
// "body"-labeled edges and not from the loop's continuation. Edges that
// leave a region are treated as edges from the region's owner.
func buildPlan(g *Graph) (*plan, *ValidationError) {
	order, err := TopologicalOrder(g)
	if err != nil {
		ve, _ := err.(*ValidationError)
		return nil, ve
	}
	p := &plan{
		order:    order,
		rank:     make(map[string]int, len(order)),
		owner:    make(map[string]scopeKey, len(order)),
		scopes:   make(map[scopeKey]*scopePlan),
		branches: make(map[string][]string),
		exprs:    make(map[string]*expr.Expr),
	}
	for i, id := range order {
		p.rank[id] = i
	}

	var msgs []string
	addf := func(format string, args ...any) { msgs = append(msgs, fmt.Sprintf(format, args...)) }

	for _, id := range order {
		n, _ := g.Node(id)
		if n.Kind != NodeKindCondition {
			continue
		}
		if src := n.conditionConfig().Expression; src != "" {
			x, err := expr.Parse(src)
			if err != nil {
				addf("Condition node %s has an invalid expression: %v", id, err)
				continue
			}
			p.exprs[id] = x
		}
	}

	// region[c][i] is the node set of branch i of composite c.
	region := make(map[string][]map[string]bool)
	var composites []string
	for _, id := range order {
		n, _ := g.Node(id)
		switch n.Kind {
		case NodeKindParallel:
			heads := n.parallelConfig().Branches
			if len(heads) == 0 {
				heads = g.Successors(id)
			}
			p.branches[id] = heads
			reach := make([]map[string]bool, len(heads))
			for i, h := range heads {
				reach[i] = g.reachable([]string{h}, nil)
			}
			sets := make([]map[string]bool, len(heads))
			for i := range heads {
				sets[i] = make(map[string]bool)
				for v := range reach[i] {
					exclusive := true
					for j := range heads {
						if j != i && reach[j][v] {
							exclusive = false
							break
						}
					}
					if exclusive {
						sets[i][v] = true
					}
				}
				if !sets[i][heads[i]] {
					addf("Parallel node %s branch %s is reachable from another branch", id, heads[i])
				}
			}
			region[id] = sets
			composites = append(composites, id)
		case NodeKindLoop:
			cfg := n.loopConfig()
			body := make(map[string]bool)
			if len(cfg.Body) > 0 {
				for _, b := range cfg.Body {
					body[b] = true
				}
			} else {
				var heads, cont []string
				for _, e := range g.Outgoing(id) {
					if e.Label == LabelBody {
						heads = append(heads, e.To)
					} else {
						cont = append(cont, e.To)
					}
				}
				stop := g.reachable(cont, nil)
				for v := range g.reachable(heads, stop) {
					body[v] = true
				}
			}
			if len(body) == 0 {
				addf("Loop node %s has an empty body", id)
			}
			region[id] = []map[string]bool{body}
			composites = append(composites, id)
		}
	}

	// containment depth of each composite, used to find innermost owners
	contains := func(outer, v string) (int, bool) {
		for i, set := range region[outer] {
			if set[v] {
				return i, true
			}
		}
		return 0, false
	}
	for i, a := range composites {
		for _, b := range composites[i+1:] {
			_, aInB := contains(b, a)
			_, bInA := contains(a, b)
			overlap := false
			for _, sa := range region[a] {
				for v := range sa {
					if _, ok := contains(b, v); ok {
						overlap = true
					}
				}
			}
			if overlap && !aInB && !bInA {
				addf("Regions of %s and %s overlap", a, b)
			}
		}
	}
	depth := make(map[string]int)
	for _, c := range composites {
		for _, other := range composites {
			if other == c {
				continue
			}
			if _, ok := contains(other, c); ok {
				depth[c]++
			}
		}
	}

	for _, id := range order {
		best, bestBranch, bestDepth := "", 0, -1
		for _, c := range composites {
			if c == id {
				continue
			}
			if b, ok := contains(c, id); ok && depth[c] > bestDepth {
				best, bestBranch, bestDepth = c, b, depth[c]
			}
		}
		if best != "" {
			p.owner[id] = scopeKey{owner: best, branch: bestBranch}
		} else {
			p.owner[id] = rootScope
		}
	}

	// every region member must be entered only from inside the region or
	// from its owner
	for _, id := range order {
		k := p.owner[id]
		if k == rootScope {
			continue
		}
		for _, pred := range g.Predecessors(id) {
			if pred == k.owner || p.within(pred, k) {
				continue
			}
			addf("Node %s in region of %s has predecessor %s outside the region", id, k.owner, pred)
		}
	}
	if len(msgs) > 0 {
		return nil, NewValidationError(msgs...)
	}

	for _, id := range order {
		k := p.owner[id]
		sp := p.scopes[k]
		if sp == nil {
			sp = &scopePlan{key: k, preds: make(map[string][]string), succs: make(map[string][]succEdge)}
			p.scopes[k] = sp
		}
		sp.members = append(sp.members, id)
	}
	for _, c := range composites {
		for i := range region[c] {
			k := scopeKey{owner: c, branch: i}
			if p.scopes[k] == nil {
				p.scopes[k] = &scopePlan{key: k, preds: make(map[string][]string), succs: make(map[string][]succEdge)}
			}
		}
	}

	for _, e := range g.edges {
		k := p.owner[e.To]
		if e.From == k.owner && k != rootScope {
			continue // region entry
		}
		from := e.From
		for p.owner[from] != k {
			up := p.owner[from]
			if up == rootScope {
				return nil, NewValidationError(fmt.Sprintf("Edge %s -> %s crosses into a region", e.From, e.To))
			}
			from = up.owner
		}
		sp := p.scopes[k]
		if !containsStr(sp.preds[e.To], from) {
			sp.preds[e.To] = append(sp.preds[e.To], from)
		}
		label := e.Label
		if from != e.From {
			label = ""
		}
		found := false
		for i := range sp.succs[from] {
			if sp.succs[from][i].to == e.To {
				sp.succs[from][i].labels = append(sp.succs[from][i].labels, label)
				found = true
				break
			}
		}
		if !found {
			sp.succs[from] = append(sp.succs[from], succEdge{to: e.To, labels: []string{label}})
		}
	}
	for _, sp := range p.scopes {
		for _, succ := range sp.succs {
			sort.SliceStable(succ, func(i, j int) bool { return p.rank[succ[i].to] < p.rank[succ[j].to] })
		}
	}
	return p, nil
}

// within reports whether id lies in scope k or in any scope nested inside it.
func (p *plan) within(id string, k scopeKey) bool {
	cur := p.owner[id]
	for {
		if cur == k {
			return true
		}
		if cur == rootScope {
			return false
		}
		cur = p.owner[cur.owner]
	}
}

// heads returns the scope members with no in-scope predecessor.
func (sp *scopePlan) heads() []string {
	var out []string
	for _, id := range sp.members {
		if len(sp.preds[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
