package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow/history"
	"github.com/BaSui01/swarmflow/workflow/queue"
)

// nodeResult is the outcome of one node execution. label is set by
// Condition nodes and selects the live successor edges.
type nodeResult struct {
	status NodeStatus
	label  string
	err    error
}

func (e *Engine) executeNode(ctx context.Context, rc *RunContext, id string, scope *Scope) nodeResult {
	n, _ := rc.graph.Node(id)
	ctx, span := e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("run.id", rc.ID),
		attribute.String("node.id", id),
		attribute.String("node.kind", string(n.Kind)),
	))
	defer span.End()

	start := time.Now()
	rc.setNode(id, NodeRunning, "")
	if n.Kind != NodeKindStart && n.Kind != NodeKindEnd {
		rc.log(id, LogInfo, fmt.Sprintf("Executing %s node %s", n.Kind, id))
	}

	label, err := e.dispatch(ctx, rc, n, scope)
	d := time.Since(start)

	res := nodeResult{status: NodeCompleted, label: label}
	switch {
	case err == nil:
		rc.setNode(id, NodeCompleted, "")
	case errors.Is(err, ErrCancelled):
		res = nodeResult{status: NodeCancelled, err: err}
		rc.setNode(id, NodeCancelled, "")
		rc.log(id, LogWarn, "Cancelled")
	default:
		var ne *NodeExecutionError
		if !errors.As(err, &ne) || ne.NodeID != id {
			err = NewNodeExecutionError(id, n.Kind, err)
		}
		res = nodeResult{status: NodeFailed, err: err}
		rc.setNode(id, NodeFailed, err.Error())
		rc.log(id, LogError, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("node failed",
			zap.String("run_id", rc.ID),
			zap.String("node_id", id),
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
	}
	e.logger.Debug("node finished",
		zap.String("run_id", rc.ID),
		zap.String("node_id", id),
		zap.String("kind", string(n.Kind)),
		zap.String("status", string(res.status)),
		zap.Duration("duration", d))

	if e.metrics != nil {
		e.metrics.RecordNode(string(n.Kind), string(res.status), d)
	}
	e.recordStep(ctx, rc, n, res, d)
	return res
}

// dispatch runs the handler for n.Kind. Panics are reported as failures.
func (e *Engine) dispatch(ctx context.Context, rc *RunContext, n *Node, scope *Scope) (label string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	switch n.Kind {
	case NodeKindStart, NodeKindEnd:
		return "", nil
	case NodeKindAgent:
		return "", e.runAgent(ctx, rc, n, scope)
	case NodeKindCondition:
		return e.runCondition(rc, n, scope)
	case NodeKindParallel:
		return "", e.runParallel(ctx, rc, n, scope)
	case NodeKindLoop:
		return "", e.runLoop(ctx, rc, n, scope)
	default:
		return "", fmt.Errorf("unsupported node kind %q", n.Kind)
	}
}

func (e *Engine) recordStep(ctx context.Context, rc *RunContext, n *Node, res nodeResult, d time.Duration) {
	if e.history == nil || res.status == NodeCancelled || n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		return
	}
	rec := history.ExecutionRecord{
		DurationMs: d.Milliseconds(),
		Status:     history.StatusSuccess,
		Metadata: map[string]string{
			history.MetaStep:       n.ID,
			history.MetaRunID:      rc.ID,
			history.MetaWorkflowID: rc.WorkflowID,
			history.MetaNodeKind:   string(n.Kind),
		},
	}
	if res.status == NodeFailed {
		rec.Status = history.StatusFailure
		rec.ErrorType = errorType(res.err)
		rec.Metadata[history.MetaError] = res.err.Error()
	}
	if err := e.history.RecordStep(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("record step history failed", zap.String("node_id", n.ID), zap.Error(err))
	}
}

// =============================================================================
// Agent
// =============================================================================

func (e *Engine) runAgent(ctx context.Context, rc *RunContext, n *Node, scope *Scope) error {
	cfg := n.agentConfig()
	prompt := PromptContext{
		RunID:    rc.ID,
		NodeID:   n.ID,
		Prompt:   cfg.Prompt,
		Previous: previousOutputs(scope, cfg.Inputs),
		Context:  rc.opts.Context,
	}
	var cost queue.Resources
	if cfg.Resources != nil {
		cost = *cfg.Resources
	}
	breaker := e.breakers.GetOrCreate(cfg.AgentID)

	// The call is never aborted once started; cancellation is observed
	// between attempts and after the call returns.
	taskCtx := context.WithoutCancel(ctx)
	task := func(tctx context.Context) (any, error) {
		if rc.CancelRequested() {
			return nil, queue.Permanent(ErrCancelled)
		}
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
		p := prompt
		p.Attempt = queue.AttemptFromContext(tctx)
		out, err := e.invoker.Execute(tctx, cfg.AgentID, p)
		if err != nil {
			breaker.RecordFailure()
			var te *types.Error
			if errors.As(err, &te) && !te.Retryable {
				return nil, queue.Permanent(err)
			}
			return nil, err
		}
		breaker.RecordSuccess()
		return out, nil
	}
	priority := cfg.Priority
	if priority == 0 {
		priority = e.priority
	}
	h, err := e.queue.Enqueue(taskCtx, task, priority, cost)
	if err != nil {
		return err
	}
	v, err := h.Wait(taskCtx)
	if h.Attempts() > 1 {
		rc.log(n.ID, LogWarn, fmt.Sprintf("Agent %s took %d attempts", cfg.AgentID, h.Attempts()))
	}
	if errors.Is(err, ErrCancelled) {
		return ErrCancelled
	}
	if err != nil {
		return err
	}
	result := v.(AgentResult)
	if rc.CancelRequested() {
		rc.log(n.ID, LogWarn, "Run cancelled while agent was running; output discarded")
		return ErrCancelled
	}

	key := cfg.OutputKey
	if key == "" {
		key = n.ID
	}
	scope.Set(key, result.Output)
	rc.addUsage(result.TokensUsed, result.Cost)
	if e.metrics != nil {
		e.metrics.RecordAgentUsage(cfg.AgentID, result.TokensUsed, result.Cost)
	}
	rc.log(n.ID, LogInfo, fmt.Sprintf("Agent %s completed (%d tokens)", cfg.AgentID, result.TokensUsed))

	if cfg.Artifact != nil && e.artifacts != nil {
		artifactID, err := e.artifacts.Store(ctx, ArtifactInput{
			RunID:   rc.ID,
			NodeID:  n.ID,
			Name:    cfg.Artifact.Name,
			Type:    cfg.Artifact.Type,
			Content: []byte(result.Output),
		})
		if err != nil {
			return fmt.Errorf("store artifact %s: %w", cfg.Artifact.Name, err)
		}
		rc.log(n.ID, LogInfo, fmt.Sprintf("Stored artifact %s (%s)", cfg.Artifact.Name, artifactID))
	}
	if cfg.Commit != nil {
		return e.commitOutput(ctx, rc, n.ID, cfg.Commit, result.Output)
	}
	return nil
}

func (e *Engine) commitOutput(ctx context.Context, rc *RunContext, nodeID string, spec *CommitSpec, output string) error {
	if e.repo == nil {
		return errors.New("no repository writer configured")
	}
	msg := spec.Message
	if msg == "" {
		msg = fmt.Sprintf("Add %s from workflow run %s", spec.Path, rc.ID)
	}
	sha, err := e.repo.Commit(ctx, spec.Branch, []FileChange{{Path: spec.Path, Content: output}}, msg)
	if err != nil {
		return fmt.Errorf("commit %s to %s: %w", spec.Path, spec.Branch, err)
	}
	rc.log(nodeID, LogInfo, fmt.Sprintf("Committed %s to %s (%s)", spec.Path, spec.Branch, sha))
	if pr := spec.PullRequest; pr != nil {
		num, err := e.repo.OpenPullRequest(ctx, pr.Title, spec.Branch, pr.Base, pr.Body)
		if err != nil {
			return fmt.Errorf("open pull request from %s: %w", spec.Branch, err)
		}
		rc.log(nodeID, LogInfo, fmt.Sprintf("Opened pull request #%d", num))
	}
	return nil
}

func previousOutputs(scope *Scope, inputs []string) map[string]any {
	if len(inputs) == 0 {
		return scope.Snapshot()
	}
	out := make(map[string]any, len(inputs))
	for _, k := range inputs {
		if v, ok := scope.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// =============================================================================
// Condition
// =============================================================================

func (e *Engine) runCondition(rc *RunContext, n *Node, scope *Scope) (string, error) {
	cfg := n.conditionConfig()
	var (
		ok  bool
		err error
	)
	vars := scope.Snapshot()
	switch {
	case cfg.Predicate != "":
		ok, err = e.predicates[cfg.Predicate](vars)
		if err != nil {
			return "", fmt.Errorf("predicate %s: %w", cfg.Predicate, err)
		}
	case cfg.Expression != "":
		x, found := rc.plan.exprs[n.ID]
		if !found {
			return "", fmt.Errorf("expression of %s was not compiled", n.ID)
		}
		if ok, err = x.Eval(vars); err != nil {
			return "", err
		}
	default:
		ok, err = evalPath(vars, cfg.Path, cfg.Equals)
		if err != nil {
			return "", err
		}
	}
	label := strconv.FormatBool(ok)
	found := false
	for _, edge := range rc.graph.Outgoing(n.ID) {
		if edge.Label == label {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("condition evaluated %s but no %q edge exists", label, label)
	}
	scope.Set(n.ID, ok)
	rc.log(n.ID, LogInfo, "Condition evaluated "+label)
	return label, nil
}

// evalPath resolves path against the variables as a gjson document. With
// equals set the resolved value must equal it; otherwise the value must be
// present and truthy.
func evalPath(vars map[string]any, path string, equals any) (bool, error) {
	doc, err := json.Marshal(vars)
	if err != nil {
		return false, fmt.Errorf("encode variables: %w", err)
	}
	res := gjson.GetBytes(doc, path)
	if equals != nil {
		want, err := json.Marshal(equals)
		if err != nil {
			return false, fmt.Errorf("encode equals: %w", err)
		}
		return res.Exists() && reflect.DeepEqual(res.Value(), gjson.ParseBytes(want).Value()), nil
	}
	if !res.Exists() {
		return false, nil
	}
	switch res.Type {
	case gjson.Null, gjson.False:
		return false, nil
	case gjson.Number:
		return res.Num != 0, nil
	case gjson.String:
		return res.Str != "", nil
	default:
		return true, nil
	}
}

// =============================================================================
// Parallel
// =============================================================================

// runParallel runs every branch to completion on its own scope. Branch
// writes reach the parent scope only if all branches complete, merged in
// branch-index order.
func (e *Engine) runParallel(ctx context.Context, rc *RunContext, n *Node, scope *Scope) error {
	heads := rc.plan.branches[n.ID]
	scopes := make([]*Scope, len(heads))
	outcomes := make([]scopeOutcome, len(heads))

	var g errgroup.Group
	for i := range heads {
		scopes[i] = scope.fork()
		g.Go(func() error {
			sp := rc.plan.scope(scopeKey{owner: n.ID, branch: i})
			outcomes[i] = e.runScope(ctx, rc, sp, scopes[i])
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for i, o := range outcomes {
		if o.cancelled {
			return ErrCancelled
		}
		if o.failed {
			failed = append(failed, fmt.Errorf("branch %d (%s): %w", i, heads[i], o.err))
		}
	}
	if len(failed) > 0 {
		rc.log(n.ID, LogWarn, fmt.Sprintf("%d of %d branches failed; branch outputs discarded", len(failed), len(heads)))
		return errors.Join(failed...)
	}
	scope.mergeBranches(scopes)
	rc.log(n.ID, LogInfo, fmt.Sprintf("All %d branches completed", len(heads)))
	return nil
}

// =============================================================================
// Loop
// =============================================================================

// runLoop runs the body sequentially. Each iteration sees the writes of the
// previous one.
func (e *Engine) runLoop(ctx context.Context, rc *RunContext, n *Node, scope *Scope) error {
	cfg := n.loopConfig()
	sp := rc.plan.scope(scopeKey{owner: n.ID})
	members := rc.plan.regionMembers(n.ID)
	for i := 1; i <= cfg.Iterations; i++ {
		if rc.CancelRequested() {
			return ErrCancelled
		}
		if i > 1 {
			rc.resetNodes(members)
		}
		scope.Set(n.ID+".iteration", i)
		rc.log(n.ID, LogDebug, fmt.Sprintf("Iteration %d of %d", i, cfg.Iterations))
		out := e.runScope(ctx, rc, sp, scope)
		if out.cancelled {
			return ErrCancelled
		}
		if out.failed {
			return fmt.Errorf("iteration %d: %w", i, out.err)
		}
	}
	return nil
}
