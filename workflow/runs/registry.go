// Package runs tracks live run state keyed by run id and fans state changes
// out to subscribers.
package runs

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"
)

// Config controls retention of finished runs.
type Config struct {
	Retention       time.Duration `yaml:"retention" json:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	// MaxLogs bounds the log lines kept per run; 0 keeps everything.
	MaxLogs int `yaml:"max_logs" json:"max_logs"`
}

// DefaultConfig keeps finished runs for a day.
func DefaultConfig() Config {
	return Config{
		Retention:       24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
		MaxLogs:         5000,
	}
}

// Mirror persists snapshots of runs evicted by Cleanup so Get can still
// answer for them.
type Mirror interface {
	Put(ctx context.Context, runID string, v any) error
	Fetch(ctx context.Context, runID string, dest any) (bool, error)
}

// Snapshot is the externally visible state of a run.
type Snapshot struct {
	ID          string                        `json:"id"`
	WorkflowID  string                        `json:"workflowId"`
	Status      workflow.RunStatus            `json:"status"`
	Progress    int                           `json:"progress"`
	Error       string                        `json:"error,omitempty"`
	FailedNodes []string                      `json:"failedNodes,omitempty"`
	Nodes       map[string]workflow.NodeState `json:"nodes,omitempty"`
	Logs        []workflow.LogEntry           `json:"logs"`
	CreatedAt   time.Time                     `json:"createdAt"`
	UpdatedAt   time.Time                     `json:"updatedAt"`
	FinishedAt  *time.Time                    `json:"finishedAt,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Status     workflow.RunStatus
	WorkflowID string
}

// Page is one page of results. Page numbers start at 1.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

func paginate[T any](items []T, page, pageSize int) Page[T] {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	out := Page[T]{Items: []T{}, Total: len(items), Page: page, PageSize: pageSize}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return out
	}
	end := min(start+pageSize, len(items))
	out.Items = items[start:end]
	return out
}

// Stats counts runs by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type record struct {
	snap Snapshot
	rc   *workflow.RunContext
}

// Registry holds live runs. It implements workflow.RunObserver so an engine
// can feed it directly.
type Registry struct {
	mu     sync.RWMutex
	runs   map[string]*record
	config Config
	events *Broadcaster
	mirror Mirror
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMirror sets the snapshot mirror consulted after eviction.
func WithMirror(m Mirror) Option { return func(r *Registry) { r.mirror = m } }

// WithBroadcaster publishes state changes to b.
func WithBroadcaster(b *Broadcaster) Option { return func(r *Registry) { r.events = b } }

var _ workflow.RunObserver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	r := &Registry{
		runs:   make(map[string]*record),
		config: cfg,
		logger: logger.With(zap.String("component", "run_registry")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Broadcaster returns the event broadcaster, or nil.
func (r *Registry) Broadcaster() *Broadcaster { return r.events }

func notFound(runID string) *types.Error {
	return types.NewError(types.ErrRunNotFound, fmt.Sprintf("run %s not found", runID)).
		WithHTTPStatus(http.StatusNotFound)
}

func (r *Registry) publish(ev Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}

func statusEvent(s *Snapshot) Event {
	return Event{
		Type:        EventStatus,
		RunID:       s.ID,
		Status:      s.Status,
		Timestamp:   s.UpdatedAt,
		Progress:    s.Progress,
		Error:       s.Error,
		FailedNodes: slices.Clone(s.FailedNodes),
	}
}

// Register adds a prepared run. Registering an id twice keeps the first.
func (r *Registry) Register(rc *workflow.RunContext) {
	now := r.now()
	r.mu.Lock()
	if _, ok := r.runs[rc.ID]; ok {
		r.mu.Unlock()
		return
	}
	rec := &record{
		rc: rc,
		snap: Snapshot{
			ID:         rc.ID,
			WorkflowID: rc.WorkflowID,
			Status:     rc.Status(),
			Nodes:      rc.NodeStates(),
			Logs:       []workflow.LogEntry{},
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
	r.runs[rc.ID] = rec
	ev := statusEvent(&rec.snap)
	r.mu.Unlock()

	r.logger.Debug("run registered", zap.String("run_id", rc.ID), zap.String("workflow_id", rc.WorkflowID))
	r.publish(ev)
}

// Get returns a run snapshot, consulting the mirror for evicted runs.
func (r *Registry) Get(ctx context.Context, runID string) (*Snapshot, error) {
	r.mu.RLock()
	rec, ok := r.runs[runID]
	if ok {
		snap := cloneSnapshot(&rec.snap)
		r.mu.RUnlock()
		return snap, nil
	}
	r.mu.RUnlock()

	if r.mirror != nil {
		var snap Snapshot
		found, err := r.mirror.Fetch(ctx, runID, &snap)
		if err != nil {
			r.logger.Warn("run mirror lookup failed", zap.String("run_id", runID), zap.Error(err))
		} else if found {
			return &snap, nil
		}
	}
	return nil, notFound(runID)
}

// Cancel marks a live run cancelled and asks its engine to stop at the next
// dispatch boundary. Cancelling an unknown run or a run that already
// finished is an error.
func (r *Registry) Cancel(runID string) error {
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return notFound(runID)
	}
	if rec.snap.Status.IsTerminal() {
		st := rec.snap.Status
		r.mu.Unlock()
		return types.NewError(types.ErrRunTerminal, fmt.Sprintf("run %s already %s", runID, st)).
			WithHTTPStatus(http.StatusConflict)
	}
	// the engine may have settled the outcome without publishing it yet
	if rc := rec.rc; rc != nil && !rc.RequestCancel() && !rc.CancelRequested() {
		r.mu.Unlock()
		return types.NewError(types.ErrRunTerminal, fmt.Sprintf("run %s is already finishing", runID)).
			WithHTTPStatus(http.StatusConflict)
	}
	r.applyStatusLocked(rec, workflow.RunCancelled, "")
	ev := statusEvent(&rec.snap)
	r.mu.Unlock()

	r.logger.Info("run cancelled", zap.String("run_id", runID))
	r.publish(ev)
	return nil
}

func (r *Registry) applyStatusLocked(rec *record, status workflow.RunStatus, errMsg string) {
	now := r.now()
	rec.snap.Status = status
	rec.snap.UpdatedAt = now
	if errMsg != "" {
		rec.snap.Error = errMsg
	}
	if status.IsTerminal() {
		rec.snap.FinishedAt = &now
		if status == workflow.RunCompleted {
			rec.snap.Progress = 100
		}
	}
}

// SetStatus records a status transition. Once a run is terminal later
// transitions are ignored.
func (r *Registry) SetStatus(runID string, status workflow.RunStatus, errMsg string) error {
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return notFound(runID)
	}
	if rec.snap.Status.IsTerminal() {
		current := rec.snap.Status
		r.mu.Unlock()
		if current != status {
			r.logger.Debug("ignoring status change on finished run",
				zap.String("run_id", runID),
				zap.String("status", string(current)),
				zap.String("ignored", string(status)))
		}
		return nil
	}
	if rec.snap.Status == status && errMsg == "" {
		r.mu.Unlock()
		return nil
	}
	r.applyStatusLocked(rec, status, errMsg)
	ev := statusEvent(&rec.snap)
	r.mu.Unlock()

	r.publish(ev)
	return nil
}

// UpdateProgress sets progress, clamped to 0..100.
func (r *Registry) UpdateProgress(runID string, progress int) error {
	progress = max(0, min(100, progress))
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return notFound(runID)
	}
	rec.snap.Progress = progress
	rec.snap.UpdatedAt = r.now()
	return nil
}

// AddLog appends a line to a run's log.
func (r *Registry) AddLog(runID string, entry workflow.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return notFound(runID)
	}
	rec.snap.Logs = append(rec.snap.Logs, entry)
	if n := r.config.MaxLogs; n > 0 && len(rec.snap.Logs) > n {
		rec.snap.Logs = slices.Clone(rec.snap.Logs[len(rec.snap.Logs)-n:])
	}
	r.mu.Unlock()

	r.publish(Event{Type: EventLog, RunID: runID, Timestamp: entry.Timestamp, Log: &entry})
	return nil
}

// Logs returns a page of a run's log, optionally restricted to one level.
func (r *Registry) Logs(ctx context.Context, runID string, level workflow.LogLevel, page, pageSize int) (Page[workflow.LogEntry], error) {
	snap, err := r.Get(ctx, runID)
	if err != nil {
		return Page[workflow.LogEntry]{}, err
	}
	logs := snap.Logs
	if level != "" {
		logs = logs[:0:0]
		for _, l := range snap.Logs {
			if l.Level == level {
				logs = append(logs, l)
			}
		}
	}
	return paginate(logs, page, pageSize), nil
}

// List returns runs newest first.
func (r *Registry) List(filter ListFilter, page, pageSize int) Page[Snapshot] {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.runs))
	for _, rec := range r.runs {
		if filter.Status != "" && rec.snap.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && rec.snap.WorkflowID != filter.WorkflowID {
			continue
		}
		s := cloneSnapshot(&rec.snap)
		s.Logs = nil
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, page, pageSize)
}

// Active returns the ids of runs that have not finished.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, rec := range r.runs {
		if !rec.snap.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats counts runs currently held in memory.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for _, rec := range r.runs {
		s.Total++
		switch rec.snap.Status {
		case workflow.RunPending:
			s.Pending++
		case workflow.RunRunning:
			s.Running++
		case workflow.RunCompleted:
			s.Completed++
		case workflow.RunFailed:
			s.Failed++
		case workflow.RunCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Cleanup evicts runs that finished more than olderThan ago, writing each
// to the mirror first. It returns the number of runs removed.
func (r *Registry) Cleanup(ctx context.Context, olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)
	r.mu.Lock()
	var evicted []*Snapshot
	for id, rec := range r.runs {
		if rec.snap.FinishedAt == nil || rec.snap.FinishedAt.After(cutoff) {
			continue
		}
		evicted = append(evicted, cloneSnapshot(&rec.snap))
		delete(r.runs, id)
	}
	r.mu.Unlock()

	if r.mirror != nil {
		for _, snap := range evicted {
			if err := r.mirror.Put(ctx, snap.ID, snap); err != nil {
				r.logger.Warn("failed to mirror evicted run", zap.String("run_id", snap.ID), zap.Error(err))
			}
		}
	}
	if len(evicted) > 0 {
		r.logger.Info("evicted finished runs", zap.Int("count", len(evicted)))
	}
	return len(evicted)
}

// StartCleanup runs Cleanup with the configured retention every
// CleanupInterval until ctx is done.
func (r *Registry) StartCleanup(ctx context.Context) {
	interval := r.config.CleanupInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup(ctx, r.config.Retention)
			}
		}
	}()
}

// =============================================================================
// workflow.RunObserver
// =============================================================================

// RunCreated registers the run.
func (r *Registry) RunCreated(rc *workflow.RunContext) { r.Register(rc) }

// RunStatusChanged records the engine's status transition.
func (r *Registry) RunStatusChanged(runID string, status workflow.RunStatus, errMsg string) {
	_ = r.SetStatus(runID, status, errMsg)
}

// NodeStatusChanged updates the node table and publishes a node event.
func (r *Registry) NodeStatusChanged(runID string, state workflow.NodeState) {
	r.mu.Lock()
	rec, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if rec.snap.Nodes == nil {
		rec.snap.Nodes = make(map[string]workflow.NodeState)
	}
	rec.snap.Nodes[state.NodeID] = state
	if state.Status == workflow.NodeFailed && !slices.Contains(rec.snap.FailedNodes, state.NodeID) {
		rec.snap.FailedNodes = append(rec.snap.FailedNodes, state.NodeID)
	}
	rec.snap.UpdatedAt = r.now()
	ts := rec.snap.UpdatedAt
	r.mu.Unlock()

	r.publish(Event{Type: EventNode, RunID: runID, Timestamp: ts, Node: &state})
}

// LogAppended mirrors a run log line.
func (r *Registry) LogAppended(runID string, entry workflow.LogEntry) {
	_ = r.AddLog(runID, entry)
}

// ProgressChanged mirrors run progress.
func (r *Registry) ProgressChanged(runID string, progress int) {
	_ = r.UpdateProgress(runID, progress)
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	out := *s
	out.FailedNodes = slices.Clone(s.FailedNodes)
	out.Logs = slices.Clone(s.Logs)
	if out.Logs == nil {
		out.Logs = []workflow.LogEntry{}
	}
	if s.Nodes != nil {
		out.Nodes = make(map[string]workflow.NodeState, len(s.Nodes))
		for k, v := range s.Nodes {
			out.Nodes[k] = v
		}
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
