package workflow

import (
	"context"
	"time"

	"github.com/BaSui01/swarmflow/workflow/history"
)

// RunObserver receives run lifecycle events. Callbacks are invoked
// synchronously from engine goroutines and must not block.
type RunObserver interface {
	RunCreated(rc *RunContext)
	RunStatusChanged(runID string, status RunStatus, errMsg string)
	NodeStatusChanged(runID string, state NodeState)
	LogAppended(runID string, entry LogEntry)
	ProgressChanged(runID string, progress int)
}

// NopObserver implements RunObserver with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) RunCreated(*RunContext)                     {}
func (NopObserver) RunStatusChanged(string, RunStatus, string) {}
func (NopObserver) NodeStatusChanged(string, NodeState)        {}
func (NopObserver) LogAppended(string, LogEntry)               {}
func (NopObserver) ProgressChanged(string, int)                {}

// EngineMetrics receives run, node and agent measurements.
type EngineMetrics interface {
	RecordRun(status string, duration time.Duration)
	RecordNode(kind, status string, duration time.Duration)
	RecordAgentUsage(agentID string, tokens int, cost float64)
}

// HistoryRecorder receives completed runs and steps.
type HistoryRecorder interface {
	RecordRun(ctx context.Context, rec history.ExecutionRecord) error
	RecordStep(ctx context.Context, rec history.ExecutionRecord) error
}

// Predicate is a named boolean function over run variables used by
// Condition nodes.
type Predicate func(vars map[string]any) (bool, error)
