// Package history keeps an append-only log of completed runs and steps and
// derives trend, performance, bottleneck and error analytics from it.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind distinguishes run-level from step-level records.
type Kind string

const (
	KindRun  Kind = "run"
	KindStep Kind = "step"
)

// Status is the outcome of a run or step.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Metadata keys set by the engine.
const (
	MetaStep       = "step"
	MetaRunID      = "runId"
	MetaWorkflowID = "workflowId"
	MetaNodeKind   = "nodeKind"
	MetaError      = "error"
)

// ExecutionRecord is one completed run or step. Records are never modified
// after they are appended.
type ExecutionRecord struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	DurationMs int64             `json:"durationMs"`
	Status     Status            `json:"status"`
	ErrorType  string            `json:"errorType,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Step returns the grouping key used for bottleneck analysis.
func (r ExecutionRecord) Step() string {
	if s := r.Metadata[MetaStep]; s != "" {
		return s
	}
	return "unknown"
}

// Store persists records outside the process.
type Store interface {
	Append(ctx context.Context, rec ExecutionRecord) error
	// Recent returns up to limit of the newest records, oldest first.
	Recent(ctx context.Context, limit int) ([]ExecutionRecord, error)
}

// Config configures a History.
type Config struct {
	// MaxRecords bounds the in-memory log; the oldest records are dropped.
	MaxRecords int `json:"max_records" yaml:"max_records"`
}

// DefaultConfig returns the default capacity.
func DefaultConfig() Config {
	return Config{MaxRecords: 10000}
}

// History is the in-memory record log with optional write-through
// persistence. It is safe for concurrent use.
type History struct {
	cfg    Config
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	records []ExecutionRecord
}

// Option customizes a History.
type Option func(*History)

// WithStore enables write-through persistence.
func WithStore(s Store) Option {
	return func(h *History) { h.store = s }
}

// WithClock overrides the time source used for windows and defaults.
func WithClock(now func() time.Time) Option {
	return func(h *History) { h.now = now }
}

// New creates a History.
func New(cfg Config, logger *zap.Logger, opts ...Option) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultConfig().MaxRecords
	}
	h := &History{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "execution_history")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RecordRun appends a run-level record.
func (h *History) RecordRun(ctx context.Context, rec ExecutionRecord) error {
	rec.Kind = KindRun
	return h.Add(ctx, rec)
}

// RecordStep appends a step-level record.
func (h *History) RecordStep(ctx context.Context, rec ExecutionRecord) error {
	rec.Kind = KindStep
	return h.Add(ctx, rec)
}

// Add appends rec, filling in a missing id, kind or timestamp. The record is
// kept in memory even when persisting it fails.
func (h *History) Add(ctx context.Context, rec ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Kind == "" {
		rec.Kind = KindRun
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = h.now()
	}
	if rec.Status != StatusSuccess && rec.Status != StatusFailure {
		return fmt.Errorf("invalid record status %q", rec.Status)
	}
	rec.Metadata = cloneMeta(rec.Metadata)

	h.mu.Lock()
	h.records = append(h.records, rec)
	if over := len(h.records) - h.cfg.MaxRecords; over > 0 {
		h.records = append([]ExecutionRecord(nil), h.records[over:]...)
	}
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.Append(ctx, rec); err != nil {
			h.logger.Warn("persist execution record failed", zap.String("record_id", rec.ID), zap.Error(err))
			return fmt.Errorf("persist record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Load replaces the in-memory log with the newest persisted records.
func (h *History) Load(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	recs, err := h.store.Recent(ctx, h.cfg.MaxRecords)
	if err != nil {
		return fmt.Errorf("load execution history: %w", err)
	}
	h.mu.Lock()
	h.records = recs
	h.mu.Unlock()
	h.logger.Info("execution history loaded", zap.Int("records", len(recs)))
	return nil
}

// Records returns a copy of the log in append order.
func (h *History) Records() []ExecutionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ExecutionRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Len returns the number of records held in memory.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

func (h *History) snapshot(filter func(ExecutionRecord) bool) []ExecutionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ExecutionRecord, 0, len(h.records))
	for _, r := range h.records {
		if filter == nil || filter(r) {
			out = append(out, r)
		}
	}
	return out
}

func cloneMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
