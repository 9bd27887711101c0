// Package queue implements a priority task queue that admits work only while
// a global cpu/memory/gpu budget allows it and retries failures with
// exponential backoff.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/pool"
	"github.com/BaSui01/swarmflow/types"
)

var (
	// ErrQueueClosed is returned for tasks enqueued or still waiting when the
	// queue is closed.
	ErrQueueClosed = errors.New("task queue is closed")
)

// Task is a unit of work hosted by the queue.
type Task func(ctx context.Context) (any, error)

// Config configures a Queue.
type Config struct {
	// MaxResources is the global budget shared by every running task.
	MaxResources Resources `json:"max_resources" yaml:"max_resources"`
	// DefaultCost is charged when Enqueue is called with a zero cost.
	DefaultCost Resources `json:"default_cost" yaml:"default_cost"`
	// RetryLimit is the number of retries after the first attempt.
	RetryLimit int `json:"retry_limit" yaml:"retry_limit"`
	// BaseBackoff and MaxBackoff bound min(base * 2^attempt, max).
	BaseBackoff time.Duration `json:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff" yaml:"max_backoff"`
	// PriorityDecay is subtracted from a task's priority on every retry so
	// that persistently failing work yields to fresh work of the same
	// priority. Zero re-inserts retries at their original priority.
	PriorityDecay int `json:"priority_decay" yaml:"priority_decay"`
	// AdmissionTimeout fails a task that waited this long without being
	// admitted. The failure goes through the retry policy. Zero waits forever.
	AdmissionTimeout time.Duration `json:"admission_timeout" yaml:"admission_timeout"`
	// Workers bounds the goroutine pool that runs admitted tasks.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the default budget and retry policy.
func DefaultConfig() Config {
	return Config{
		MaxResources:  Resources{CPU: 8, Memory: 32000, GPU: 2},
		DefaultCost:   Resources{CPU: 1, Memory: 512},
		RetryLimit:    3,
		BaseBackoff:   time.Second,
		MaxBackoff:    10 * time.Second,
		PriorityDecay: 1,
		Workers:       64,
	}
}

// Metrics receives queue events.
type Metrics interface {
	RecordQueueTask(outcome string)
	RecordQueueRetry()
	SetQueueWaiting(n int)
	SetQueueUsage(cpu, memory, gpu int)
}

// Task outcomes reported to Metrics.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// Status is a point-in-time view of the queue.
type Status struct {
	Waiting   int       `json:"waiting"`
	Running   int       `json:"running"`
	Backoff   int       `json:"backoff"`
	Usage     Resources `json:"usage"`
	Max       Resources `json:"max"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	Retries   int64     `json:"retries"`
	Workers   int       `json:"workers"`
	Closed    bool      `json:"closed"`
}

type item struct {
	id       string
	task     Task
	ctx      context.Context
	priority int
	cost     Resources
	retries  int
	seq      uint64
	gen      uint64
	handle   *Handle
	timer    *time.Timer
}

// Queue is a resource-bounded priority queue. It is safe for concurrent use.
type Queue struct {
	cfg     Config
	logger  *zap.Logger
	metrics Metrics
	pool    *pool.GoroutinePool

	mu       sync.Mutex
	waiting  []*item // priority desc, seq asc
	backoff  map[string]*item
	usage    Resources
	running  int
	seq      uint64
	gen      uint64
	closed   bool
	inflight sync.WaitGroup

	succeeded atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
}

// Option customizes a Queue.
type Option func(*Queue)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a queue. A nil logger is replaced with a no-op logger.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxResources.IsZero() {
		cfg.MaxResources = def.MaxResources
	}
	if cfg.DefaultCost.IsZero() {
		cfg.DefaultCost = def.DefaultCost
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	q := &Queue{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "task_queue")),
		backoff: make(map[string]*item),
	}
	poolCfg := pool.DefaultGoroutinePoolConfig()
	poolCfg.MaxWorkers = cfg.Workers
	poolCfg.QueueSize = cfg.Workers
	poolCfg.PanicHandler = func(r any) {
		q.logger.Error("worker panicked outside task", zap.Any("panic", r))
	}
	q.pool = pool.NewGoroutinePool(poolCfg)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Backoff returns the delay before retry number attempt (counted from 0):
// min(BaseBackoff * 2^attempt, MaxBackoff).
func (q *Queue) Backoff(attempt int) time.Duration {
	return Backoff(q.cfg.BaseBackoff, q.cfg.MaxBackoff, attempt)
}

// Backoff computes min(base * 2^attempt, max) without overflowing.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Enqueue adds a task. Higher priority runs first; equal priorities run in
// enqueue order. A zero cost is charged as Config.DefaultCost. A cost that
// can never fit the budget is rejected immediately.
func (q *Queue) Enqueue(ctx context.Context, task Task, priority int, cost Resources) (*Handle, error) {
	if task == nil {
		return nil, errors.New("task is nil")
	}
	if cost.IsZero() {
		cost = q.cfg.DefaultCost
	}
	if cost.CPU < 0 || cost.Memory < 0 || cost.GPU < 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "negative resource cost")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if !cost.Within(q.cfg.MaxResources) {
		q.record(OutcomeRejected)
		return nil, types.NewError(types.ErrResourceExhausted,
			fmt.Sprintf("task cost %s exceeds budget %s", cost, q.cfg.MaxResources)).
			WithHTTPStatus(http.StatusServiceUnavailable)
	}

	it := &item{
		id:       uuid.NewString(),
		task:     task,
		ctx:      ctx,
		priority: priority,
		cost:     cost,
		handle:   newHandle(),
	}
	it.handle.id = it.id
	q.insertLocked(it)
	q.dispatchLocked()
	return it.handle, nil
}

// Submit enqueues a task and waits for its final result.
func (q *Queue) Submit(ctx context.Context, task Task, priority int, cost Resources) (any, error) {
	h, err := q.Enqueue(ctx, task, priority, cost)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Resize changes the global budget and re-scans waiting tasks.
func (q *Queue) Resize(max Resources) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg.MaxResources = max
	q.dispatchLocked()
}

// Status returns counters and the current resource usage.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Waiting:   len(q.waiting),
		Running:   q.running,
		Backoff:   len(q.backoff),
		Usage:     q.usage,
		Max:       q.cfg.MaxResources,
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Retries:   q.retries.Load(),
		Workers:   q.pool.Stats().Workers,
		Closed:    q.closed,
	}
}

// Close rejects waiting and backing-off tasks with ErrQueueClosed, waits for
// running tasks to finish and stops the worker pool.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := append([]*item{}, q.waiting...)
	q.waiting = nil
	for id, it := range q.backoff {
		if it.timer != nil {
			it.timer.Stop()
		}
		pending = append(pending, it)
		delete(q.backoff, id)
	}
	q.mu.Unlock()

	for _, it := range pending {
		if it.timer != nil {
			it.timer.Stop()
		}
		q.failed.Add(1)
		it.handle.finish(nil, ErrQueueClosed)
	}
	q.inflight.Wait()
	q.pool.Close()
}

// insertLocked places it by (priority desc, seq asc) and arms the admission
// timer.
func (q *Queue) insertLocked(it *item) {
	q.seq++
	it.seq = q.seq
	q.gen++
	it.gen = q.gen
	i := sort.Search(len(q.waiting), func(i int) bool {
		w := q.waiting[i]
		return w.priority < it.priority || (w.priority == it.priority && w.seq > it.seq)
	})
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[i+1:], q.waiting[i:])
	q.waiting[i] = it

	if q.cfg.AdmissionTimeout > 0 {
		gen := it.gen
		it.timer = time.AfterFunc(q.cfg.AdmissionTimeout, func() { q.expire(it, gen) })
	}
	q.publishLocked()
}

// dispatchLocked scans waiting tasks from the highest priority and admits
// every task whose cost fits the remaining budget.
func (q *Queue) dispatchLocked() {
	for i := 0; i < len(q.waiting); i++ {
		it := q.waiting[i]
		if !q.usage.Add(it.cost).Within(q.cfg.MaxResources) {
			continue
		}
		q.usage = q.usage.Add(it.cost)
		q.running++
		q.inflight.Add(1)
		if err := q.pool.Submit(it.ctx, q.runner(it)); err != nil {
			q.usage = q.usage.Sub(it.cost)
			q.running--
			q.inflight.Done()
			if !errors.Is(err, pool.ErrPoolFull) {
				q.logger.Error("submit to worker pool failed", zap.String("task_id", it.id), zap.Error(err))
			}
			break
		}
		if it.timer != nil {
			it.timer.Stop()
		}
		it.gen = 0
		q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
		i--
	}
	q.publishLocked()
}

func (q *Queue) runner(it *item) pool.Task {
	return func(_ context.Context) error {
		defer q.inflight.Done()
		res, err := q.run(it)
		q.complete(it, res, err)
		return err
	}
}

func (q *Queue) run(it *item) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if err := it.ctx.Err(); err != nil {
		return nil, Permanent(err)
	}
	n := it.handle.attempts.Add(1)
	return it.task(withAttempt(it.ctx, int(n)))
}

func (q *Queue) complete(it *item, res any, err error) {
	q.mu.Lock()
	q.usage = q.usage.Sub(it.cost)
	q.running--
	if err == nil {
		q.dispatchLocked()
		q.mu.Unlock()
		q.succeeded.Add(1)
		q.record(OutcomeSucceeded)
		it.handle.finish(res, nil)
		return
	}
	q.retryOrFailLocked(it, err)
	q.dispatchLocked()
	q.mu.Unlock()
}

// expire fails a task that waited longer than AdmissionTimeout.
func (q *Queue) expire(it *item, gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.gen != gen || q.closed {
		return
	}
	for i, w := range q.waiting {
		if w == it {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	it.gen = 0
	err := types.NewError(types.ErrResourceExhausted,
		fmt.Sprintf("task %s not admitted within %s", it.id, q.cfg.AdmissionTimeout)).
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true)
	q.retryOrFailLocked(it, err)
	q.publishLocked()
}

// retryOrFailLocked applies the retry policy. Retries decay priority by
// Config.PriorityDecay and become eligible after Backoff(retries).
func (q *Queue) retryOrFailLocked(it *item, err error) {
	if q.closed || isPermanent(err) || it.retries >= q.cfg.RetryLimit {
		q.failed.Add(1)
		q.record(OutcomeFailed)
		attempts := it.handle.Attempts()
		q.logger.Warn("task failed permanently",
			zap.String("task_id", it.id),
			zap.Int("attempts", attempts),
			zap.Error(err))
		final := fmt.Errorf("task %s failed after %d attempts: %w", it.id, attempts, unwrapPermanent(err))
		it.handle.finish(nil, final)
		return
	}

	delay := q.Backoff(it.retries)
	it.retries++
	it.priority -= q.cfg.PriorityDecay
	q.retries.Add(1)
	if q.metrics != nil {
		q.metrics.RecordQueueRetry()
	}
	q.logger.Debug("task retry scheduled",
		zap.String("task_id", it.id),
		zap.Int("retry", it.retries),
		zap.Int("priority", it.priority),
		zap.Duration("backoff", delay),
		zap.Error(err))

	q.backoff[it.id] = it
	it.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.backoff[it.id]; !ok || q.closed {
			return
		}
		delete(q.backoff, it.id)
		it.timer = nil
		q.insertLocked(it)
		q.dispatchLocked()
	})
}

func (q *Queue) record(outcome string) {
	if q.metrics != nil {
		q.metrics.RecordQueueTask(outcome)
	}
}

func (q *Queue) publishLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.SetQueueWaiting(len(q.waiting))
	q.metrics.SetQueueUsage(q.usage.CPU, q.usage.Memory, q.usage.GPU)
}

// =============================================================================
// Handle
// =============================================================================

// Handle tracks one enqueued task until it succeeds or fails permanently.
type Handle struct {
	id       string
	done     chan struct{}
	once     sync.Once
	result   any
	err      error
	attempts atomic.Int32
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Done is closed when the task reaches a final state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Attempts returns how many times the task has run.
func (h *Handle) Attempts() int { return int(h.attempts.Load()) }

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) finish(res any, err error) {
	h.once.Do(func() {
		h.result, h.err = res, err
		close(h.done)
	})
}

// =============================================================================
// Permanent errors and attempt context
// =============================================================================

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

type attemptKey struct{}

func withAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}

// AttemptFromContext returns the 1-based attempt number of the running task.
func AttemptFromContext(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 1
}
