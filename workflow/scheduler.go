package workflow

import (
	"container/heap"
	"context"
	"fmt"
)

// scopeOutcome is what a scope run reports to its caller.
type scopeOutcome struct {
	failed    bool
	cancelled bool
	err       error // first failure
}

// readyQueue orders dispatchable nodes by topological rank.
type readyQueue struct {
	ids  []string
	rank map[string]int
}

func (q *readyQueue) Len() int           { return len(q.ids) }
func (q *readyQueue) Less(i, j int) bool { return q.rank[q.ids[i]] < q.rank[q.ids[j]] }
func (q *readyQueue) Swap(i, j int)      { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }
func (q *readyQueue) Push(x any)         { q.ids = append(q.ids, x.(string)) }
func (q *readyQueue) Pop() any {
	old := q.ids
	n := len(old)
	id := old[n-1]
	q.ids = old[:n-1]
	return id
}

// edgeState is what a resolved predecessor delivers along one scope edge.
type edgeState int

const (
	edgeDead    edgeState = iota // pruned by a Condition or by a skipped node
	edgeLive                     // predecessor completed and the edge is selected
	edgeBlocked                  // predecessor failed or depends on a failure
)

// runScope executes the members of one scope. A member becomes ready once
// every in-scope predecessor has resolved. It runs if at least one of them
// delivered a live edge and none is blocked by a failure; otherwise it is
// skipped and passes that on. Nodes run one at a time in rank order;
// concurrency only comes from Parallel nodes.
func (e *Engine) runScope(ctx context.Context, rc *RunContext, sp *scopePlan, scope *Scope) scopeOutcome {
	var out scopeOutcome
	if sp == nil {
		return out
	}
	remaining := make(map[string]int, len(sp.members))
	liveIn := make(map[string]int, len(sp.members))
	blockedIn := make(map[string]int, len(sp.members))
	ready := &readyQueue{rank: rc.plan.rank}
	for _, id := range sp.members {
		remaining[id] = len(sp.preds[id])
		if remaining[id] == 0 {
			ready.ids = append(ready.ids, id)
		}
	}
	heap.Init(ready)

	// unreachable holds resolved members that will not run, in resolve order
	var unreachable []string
	resolve := func(from string, state func(succEdge) edgeState) {
		for _, s := range sp.succs[from] {
			switch state(s) {
			case edgeLive:
				liveIn[s.to]++
			case edgeBlocked:
				blockedIn[s.to]++
			}
			remaining[s.to]--
			if remaining[s.to] > 0 {
				continue
			}
			if liveIn[s.to] > 0 && blockedIn[s.to] == 0 {
				heap.Push(ready, s.to)
			} else {
				unreachable = append(unreachable, s.to)
			}
		}
	}
	always := func(st edgeState) func(succEdge) edgeState {
		return func(succEdge) edgeState { return st }
	}

	halt := rc.opts.ErrorHandling != ErrorHandlingContinue
	for {
		for len(unreachable) > 0 {
			id := unreachable[0]
			unreachable = unreachable[1:]
			if blockedIn[id] > 0 {
				e.settle(rc, id, NodeSkipped, "Skipped: depends on a failed node")
				resolve(id, always(edgeBlocked))
			} else {
				e.settle(rc, id, NodeSkipped, "Skipped: no active incoming path")
				resolve(id, always(edgeDead))
			}
		}
		if ready.Len() == 0 {
			break
		}
		if ctx.Err() != nil {
			rc.RequestCancel()
		}
		if rc.CancelRequested() {
			out.cancelled = true
			break
		}

		id := heap.Pop(ready).(string)
		res := e.executeNode(ctx, rc, id, scope)
		switch res.status {
		case NodeCompleted:
			if res.label == "" {
				resolve(id, always(edgeLive))
			} else {
				resolve(id, func(s succEdge) edgeState {
					if s.matches(res.label) {
						return edgeLive
					}
					return edgeDead
				})
			}
		case NodeFailed:
			out.failed = true
			if out.err == nil {
				out.err = res.err
			}
			if !halt {
				resolve(id, always(edgeBlocked))
			}
		case NodeCancelled:
			out.cancelled = true
		}
		if out.cancelled || (out.failed && halt) {
			break
		}
	}

	final := NodeSkipped
	if out.cancelled {
		final = NodeCancelled
	}
	for _, id := range sp.members {
		if rc.nodeStatus(id) == NodePending {
			e.settle(rc, id, final, "")
		}
	}
	return out
}

// settle moves a node that will not run this pass to status. For composite
// nodes the nested region is settled too.
func (e *Engine) settle(rc *RunContext, id string, status NodeStatus, reason string) {
	rc.setNode(id, status, "")
	if reason != "" {
		rc.log(id, LogDebug, reason)
	}
	n, _ := rc.graph.Node(id)
	if !n.Kind.IsComposite() {
		return
	}
	for _, other := range rc.plan.order {
		if other != id && rc.plan.inRegion(other, id) && rc.nodeStatus(other) == NodePending {
			rc.setNode(other, status, "")
		}
	}
}

// inRegion reports whether id is nested anywhere inside composite owner.
func (p *plan) inRegion(id, owner string) bool {
	for cur := p.owner[id]; cur != rootScope; cur = p.owner[cur.owner] {
		if cur.owner == owner {
			return true
		}
	}
	return false
}

// regionMembers returns every node nested inside owner in topological order.
func (p *plan) regionMembers(owner string) []string {
	var out []string
	for _, id := range p.order {
		if p.inRegion(id, owner) {
			out = append(out, id)
		}
	}
	return out
}

func (sp *scopePlan) String() string {
	if sp.key == rootScope {
		return "root"
	}
	return fmt.Sprintf("%s[%d]", sp.key.owner, sp.key.branch)
}
