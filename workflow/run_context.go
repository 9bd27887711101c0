package workflow

import (
	"sync"
	"sync/atomic"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeStatus is the lifecycle state of one node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether the node has finished for the current pass.
func (s NodeStatus) IsTerminal() bool {
	return s != NodePending && s != NodeRunning
}

// ErrorHandling selects what happens after a node fails.
type ErrorHandling string

const (
	// ErrorHandlingHalt stops dispatching once a node fails.
	ErrorHandlingHalt ErrorHandling = "halt"
	// ErrorHandlingContinue keeps running branches that do not depend on
	// the failed node.
	ErrorHandlingContinue ErrorHandling = "continue"
)

// ParseErrorHandling accepts "halt", "stop", "continue" or empty (halt).
func ParseErrorHandling(s string) (ErrorHandling, error) {
	switch s {
	case "", "halt", "stop":
		return ErrorHandlingHalt, nil
	case "continue":
		return ErrorHandlingContinue, nil
	default:
		return "", NewValidationError("unknown errorHandling " + s)
	}
}

// LogLevel classifies run log entries.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one user-visible line of a run log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"nodeId,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// NodeState is the observable state of one node.
type NodeState struct {
	NodeID     string     `json:"nodeId"`
	Kind       NodeKind   `json:"kind"`
	Status     NodeStatus `json:"status"`
	Executions int        `json:"executions"`
	StartedAt  time.Time  `json:"startedAt,omitempty"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RunOptions configures one run.
type RunOptions struct {
	// RunID overrides the generated run id.
	RunID         string
	Variables     map[string]any
	ErrorHandling ErrorHandling
	// Context is appended to every agent prompt as additional context.
	Context map[string]any
}

// RunContext is the state of one execution. It is created by
// Engine.Prepare and owned by the engine until the run ends.
type RunContext struct {
	ID         string
	WorkflowID string

	graph *Graph
	plan  *plan
	opts  RunOptions
	vars  *Scope
	emit  func(func(RunObserver))

	cancelRequested atomic.Bool

	// finishing closes the cancel window once the run outcome is decided
	cancelMu  sync.Mutex
	finishing bool

	mu         sync.RWMutex
	status     RunStatus
	nodes      map[string]*NodeState
	logs       []LogEntry
	progress   int
	tokens     int
	cost       float64
	startedAt  time.Time
	finishedAt time.Time
	runErr     string
}

func newRunContext(id string, g *Graph, p *plan, opts RunOptions, emit func(func(RunObserver))) *RunContext {
	rc := &RunContext{
		ID:         id,
		WorkflowID: g.ID,
		graph:      g,
		plan:       p,
		opts:       opts,
		vars:       NewScope(opts.Variables),
		emit:       emit,
		status:     RunPending,
		nodes:      make(map[string]*NodeState, g.Len()),
	}
	for _, n := range g.nodes {
		rc.nodes[n.ID] = &NodeState{NodeID: n.ID, Kind: n.Kind, Status: NodePending}
	}
	return rc
}

// Graph returns the sealed graph being executed.
func (rc *RunContext) Graph() *Graph { return rc.graph }

// RequestCancel asks the engine to stop at the next dispatch boundary. It
// returns false when cancellation was already requested or the engine has
// already decided the run outcome.
func (rc *RunContext) RequestCancel() bool {
	rc.cancelMu.Lock()
	defer rc.cancelMu.Unlock()
	if rc.finishing {
		return false
	}
	return rc.cancelRequested.CompareAndSwap(false, true)
}

// beginFinish closes the cancel window and reports whether a cancel got in
// before it closed.
func (rc *RunContext) beginFinish() bool {
	rc.cancelMu.Lock()
	defer rc.cancelMu.Unlock()
	rc.finishing = true
	return rc.cancelRequested.Load()
}

// CancelRequested reports whether cancellation was requested.
func (rc *RunContext) CancelRequested() bool { return rc.cancelRequested.Load() }

// Status returns the current run status.
func (rc *RunContext) Status() RunStatus {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.status
}

// Progress returns completion in percent.
func (rc *RunContext) Progress() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.progress
}

// Variables returns a snapshot of the top-level run variables.
func (rc *RunContext) Variables() map[string]any { return rc.vars.Snapshot() }

// Logs returns a copy of the run log.
func (rc *RunContext) Logs() []LogEntry {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]LogEntry, len(rc.logs))
	copy(out, rc.logs)
	return out
}

// NodeState returns the state of one node.
func (rc *RunContext) NodeState(id string) (NodeState, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	st, ok := rc.nodes[id]
	if !ok {
		return NodeState{}, false
	}
	return *st, true
}

// NodeStates returns the state of every node.
func (rc *RunContext) NodeStates() map[string]NodeState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]NodeState, len(rc.nodes))
	for id, st := range rc.nodes {
		out[id] = *st
	}
	return out
}

func (rc *RunContext) nodeStatus(id string) NodeStatus {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.nodes[id].Status
}

func (rc *RunContext) setStatus(s RunStatus, errMsg string) {
	rc.mu.Lock()
	rc.status = s
	now := time.Now()
	switch {
	case s == RunRunning:
		rc.startedAt = now
	case s.IsTerminal():
		rc.finishedAt = now
		rc.runErr = errMsg
	}
	rc.mu.Unlock()
	rc.emit(func(o RunObserver) { o.RunStatusChanged(rc.ID, s, errMsg) })
}

// setNode moves a node to status. Entering Running counts an execution.
func (rc *RunContext) setNode(id string, status NodeStatus, errMsg string) {
	rc.mu.Lock()
	st := rc.nodes[id]
	now := time.Now()
	st.Status = status
	switch {
	case status == NodeRunning:
		st.Executions++
		st.StartedAt = now
		st.FinishedAt = time.Time{}
		st.Error = ""
	case status.IsTerminal():
		st.FinishedAt = now
		st.Error = errMsg
	}
	snapshot := *st
	progress, changed := rc.recomputeProgressLocked()
	rc.mu.Unlock()

	rc.emit(func(o RunObserver) { o.NodeStatusChanged(rc.ID, snapshot) })
	if changed {
		rc.emit(func(o RunObserver) { o.ProgressChanged(rc.ID, progress) })
	}
}

// resetNodes returns nodes to Pending before a loop iteration.
func (rc *RunContext) resetNodes(ids []string) {
	rc.mu.Lock()
	for _, id := range ids {
		st := rc.nodes[id]
		st.Status = NodePending
		st.Error = ""
	}
	rc.mu.Unlock()
}

// recomputeProgressLocked keeps progress monotonic across loop resets.
func (rc *RunContext) recomputeProgressLocked() (int, bool) {
	if len(rc.nodes) == 0 {
		return rc.progress, false
	}
	done := 0
	for _, st := range rc.nodes {
		if st.Status.IsTerminal() {
			done++
		}
	}
	p := done * 100 / len(rc.nodes)
	if p <= rc.progress {
		return rc.progress, false
	}
	rc.progress = p
	return p, true
}

func (rc *RunContext) finishProgress() {
	rc.mu.Lock()
	changed := rc.progress != 100
	rc.progress = 100
	rc.mu.Unlock()
	if changed {
		rc.emit(func(o RunObserver) { o.ProgressChanged(rc.ID, 100) })
	}
}

func (rc *RunContext) log(nodeID string, level LogLevel, msg string) {
	entry := LogEntry{Timestamp: time.Now(), NodeID: nodeID, Level: level, Message: msg}
	rc.mu.Lock()
	rc.logs = append(rc.logs, entry)
	rc.mu.Unlock()
	rc.emit(func(o RunObserver) { o.LogAppended(rc.ID, entry) })
}

func (rc *RunContext) addUsage(tokens int, cost float64) {
	rc.mu.Lock()
	rc.tokens += tokens
	rc.cost += cost
	rc.mu.Unlock()
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID       string               `json:"runId"`
	WorkflowID  string               `json:"workflowId"`
	Status      RunStatus            `json:"status"`
	Error       string               `json:"error,omitempty"`
	FailedNodes []string             `json:"failedNodes,omitempty"`
	Variables   map[string]any       `json:"variables"`
	Nodes       map[string]NodeState `json:"nodes"`
	TokensUsed  int                  `json:"tokensUsed"`
	Cost        float64              `json:"cost"`
	StartedAt   time.Time            `json:"startedAt"`
	FinishedAt  time.Time            `json:"finishedAt"`
	Duration    time.Duration        `json:"duration"`
}

func (rc *RunContext) result() *RunResult {
	nodes := rc.NodeStates()
	var failed []string
	for _, id := range rc.plan.order {
		if nodes[id].Status == NodeFailed {
			failed = append(failed, id)
		}
	}
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return &RunResult{
		RunID:       rc.ID,
		WorkflowID:  rc.WorkflowID,
		Status:      rc.status,
		Error:       rc.runErr,
		FailedNodes: failed,
		Variables:   rc.vars.Snapshot(),
		Nodes:       nodes,
		TokensUsed:  rc.tokens,
		Cost:        rc.cost,
		StartedAt:   rc.startedAt,
		FinishedAt:  rc.finishedAt,
		Duration:    rc.finishedAt.Sub(rc.startedAt),
	}
}
