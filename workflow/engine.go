package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/ctxkeys"
	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow/history"
	"github.com/BaSui01/swarmflow/workflow/queue"
)

const tracerName = "github.com/BaSui01/swarmflow/workflow"

// Engine executes validated graphs. One engine serves many concurrent runs;
// every collaborator is injected through options.
type Engine struct {
	logger     *zap.Logger
	queue      *queue.Queue
	ownsQueue  bool
	invoker    AgentInvoker
	repo       RepositoryWriter
	artifacts  ArtifactStore
	history    HistoryRecorder
	observers  []RunObserver
	metrics    EngineMetrics
	predicates map[string]Predicate
	breakers   *CircuitBreakerRegistry
	tracer     trace.Tracer

	errorHandling ErrorHandling
	priority      int
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLogger sets the process logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithQueue hosts agent invocations on a shared task queue.
func WithQueue(q *queue.Queue) EngineOption {
	return func(e *Engine) { e.queue = q }
}

// WithInvoker sets the agent invoker.
func WithInvoker(inv AgentInvoker) EngineOption {
	return func(e *Engine) { e.invoker = inv }
}

// WithRepositoryWriter enables commit steps on agent nodes.
func WithRepositoryWriter(w RepositoryWriter) EngineOption {
	return func(e *Engine) { e.repo = w }
}

// WithArtifacts enables artifact steps on agent nodes.
func WithArtifacts(s ArtifactStore) EngineOption {
	return func(e *Engine) { e.artifacts = s }
}

// WithHistory records every run and step.
func WithHistory(h HistoryRecorder) EngineOption {
	return func(e *Engine) { e.history = h }
}

// WithObserver adds a run observer. May be given more than once.
func WithObserver(o RunObserver) EngineOption {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m EngineMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithPredicate registers a named condition predicate.
func WithPredicate(name string, p Predicate) EngineOption {
	return func(e *Engine) { e.predicates[name] = p }
}

// WithBreakers sets the per-agent circuit breakers.
func WithBreakers(r *CircuitBreakerRegistry) EngineOption {
	return func(e *Engine) { e.breakers = r }
}

// WithDefaultErrorHandling sets the policy used when RunOptions leaves it empty.
func WithDefaultErrorHandling(h ErrorHandling) EngineOption {
	return func(e *Engine) { e.errorHandling = h }
}

// WithDefaultPriority sets the queue priority of agent nodes that do not
// set one.
func WithDefaultPriority(p int) EngineOption {
	return func(e *Engine) { e.priority = p }
}

// NewEngine builds an engine. Without WithQueue the engine owns a private
// queue with the default budget.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:        zap.NewNop(),
		predicates:    make(map[string]Predicate),
		tracer:        otel.Tracer(tracerName),
		errorHandling: ErrorHandlingHalt,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	if e.queue == nil {
		e.queue = queue.New(queue.DefaultConfig(), e.logger)
		e.ownsQueue = true
	}
	if e.breakers == nil {
		e.breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), nil, e.logger)
	}
	return e
}

// Close releases the private queue, if any.
func (e *Engine) Close() {
	if e.ownsQueue {
		e.queue.Close()
	}
}

// Breakers exposes the circuit breaker registry.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Prepare validates g, seals it and creates the run context. Validation
// problems are returned as a ValidationError before anything runs.
func (e *Engine) Prepare(g *Graph, opts RunOptions) (*RunContext, error) {
	if g == nil {
		return nil, NewValidationError("workflow is nil")
	}
	res := Validate(g)
	if !res.Valid {
		return nil, res.Err()
	}
	p, verr := buildPlan(g)
	if verr != nil {
		return nil, verr
	}
	var msgs []string
	for _, n := range g.nodes {
		switch n.Kind {
		case NodeKindAgent:
			if e.invoker == nil {
				msgs = append(msgs, fmt.Sprintf("Agent node %s cannot run: no agent invoker configured", n.ID))
			}
			if n.agentConfig().Commit != nil && e.repo == nil {
				msgs = append(msgs, fmt.Sprintf("Agent node %s commits output but no repository writer is configured", n.ID))
			}
		case NodeKindCondition:
			if name := n.conditionConfig().Predicate; name != "" {
				if _, ok := e.predicates[name]; !ok {
					msgs = append(msgs, fmt.Sprintf("Condition node %s references unknown predicate %q", n.ID, name))
				}
			}
		}
	}
	if len(msgs) > 0 {
		return nil, NewValidationError(msgs...)
	}

	if opts.ErrorHandling == "" {
		opts.ErrorHandling = e.errorHandling
	}
	id := opts.RunID
	if id == "" {
		id = uuid.NewString()
	}
	g.seal()
	rc := newRunContext(id, g, p, opts, e.emit)
	e.emit(func(o RunObserver) { o.RunCreated(rc) })
	return rc, nil
}

// Run prepares and executes g.
func (e *Engine) Run(ctx context.Context, g *Graph, opts RunOptions) (*RunResult, error) {
	rc, err := e.Prepare(g, opts)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, rc)
}

// Execute drives a prepared run to a terminal status. The returned error is
// non-nil only when the run failed. Cancelling ctx has the same effect as
// RunContext.RequestCancel.
func (e *Engine) Execute(ctx context.Context, rc *RunContext) (*RunResult, error) {
	if st := rc.Status(); st != RunPending {
		return nil, types.NewError(types.ErrRunTerminal, fmt.Sprintf("run %s already %s", rc.ID, st))
	}
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("run.id", rc.ID),
		attribute.String("workflow.id", rc.WorkflowID),
	))
	defer span.End()
	ctx = ctxkeys.WithRunID(ctx, rc.ID)
	stop := context.AfterFunc(ctx, func() { rc.RequestCancel() })
	defer stop()

	logger := e.logger.With(zap.String("run_id", rc.ID), zap.String("workflow_id", rc.WorkflowID))
	if reqID, ok := ctxkeys.RequestID(ctx); ok {
		logger = logger.With(zap.String("request_id", reqID))
	}
	logger.Info("run started", zap.Int("nodes", rc.graph.Len()), zap.String("error_handling", string(rc.opts.ErrorHandling)))
	rc.setStatus(RunRunning, "")
	rc.log("", LogInfo, "Run started")

	outcome := e.runScope(ctx, rc, rc.plan.scope(rootScope), rc.vars)

	// a cancel accepted before this point wins over the scope outcome
	cancelled := rc.beginFinish()

	status := RunCompleted
	var runErr error
	switch {
	case outcome.cancelled || cancelled:
		status = RunCancelled
	case outcome.failed && rc.opts.ErrorHandling != ErrorHandlingContinue:
		status = RunFailed
		runErr = outcome.err
	}
	e.sweep(rc, status == RunCancelled)

	msg := ""
	switch status {
	case RunFailed:
		msg = runErr.Error()
		rc.log(FailedNodeID(runErr), LogError, "Run failed: "+msg)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, msg)
	case RunCancelled:
		msg = "run cancelled"
		rc.log("", LogWarn, "Run cancelled")
	default:
		if outcome.failed {
			rc.log("", LogWarn, "Run completed with failed nodes")
		} else {
			rc.log("", LogInfo, "Run completed")
		}
	}
	rc.finishProgress()
	rc.setStatus(status, msg)

	res := rc.result()
	span.SetAttributes(attribute.String("run.status", string(status)))
	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Duration("duration", res.Duration),
		zap.Strings("failed_nodes", res.FailedNodes))

	if e.metrics != nil {
		e.metrics.RecordRun(string(status), res.Duration)
	}
	e.recordRun(ctx, rc, res, runErr)
	return res, runErr
}

// sweep settles nodes that were never dispatched.
func (e *Engine) sweep(rc *RunContext, cancelled bool) {
	final := NodeSkipped
	if cancelled {
		final = NodeCancelled
	}
	for _, id := range rc.plan.order {
		if st := rc.nodeStatus(id); !st.IsTerminal() {
			rc.setNode(id, final, "")
		}
	}
}

func (e *Engine) recordRun(ctx context.Context, rc *RunContext, res *RunResult, runErr error) {
	if e.history == nil || res.Status == RunCancelled {
		return
	}
	rec := history.ExecutionRecord{
		ID:         rc.ID,
		Timestamp:  res.FinishedAt,
		DurationMs: res.Duration.Milliseconds(),
		Status:     history.StatusSuccess,
		Metadata: map[string]string{
			history.MetaRunID:      rc.ID,
			history.MetaWorkflowID: rc.WorkflowID,
		},
	}
	if runErr != nil {
		rec.Status = history.StatusFailure
		rec.ErrorType = errorType(runErr)
		rec.Metadata[history.MetaError] = runErr.Error()
	}
	if err := e.history.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("record run history failed", zap.String("run_id", rc.ID), zap.Error(err))
	}
}

func (e *Engine) emit(fn func(RunObserver)) {
	for _, o := range e.observers {
		fn(o)
	}
}

// errorType classifies err for history and analytics.
func errorType(err error) string {
	var ne *NodeExecutionError
	if errors.As(err, &ne) && ne.Cause != nil {
		if code := types.GetErrorCode(ne.Cause); code != "" {
			return string(code)
		}
	}
	if code := types.GetErrorCode(err); code != "" {
		return string(code)
	}
	return string(types.ErrInternalError)
}
