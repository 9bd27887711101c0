// Package pool provides the bounded worker pool behind the task queue and
// reusable buffers for export encoding.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	// MaxWorkers bounds concurrently running tasks.
	MaxWorkers int `json:"max_workers"`
	// QueueSize is how many submitted tasks may wait for a free worker.
	QueueSize int `json:"queue_size"`
	// IdleTimeout retires a worker that saw no task for this long. The last
	// worker is kept.
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		MaxWorkers:  64,
		QueueSize:   64,
		IdleTimeout: 60 * time.Second,
	}
}

// GoroutinePool spawns workers on demand up to MaxWorkers. Submit never
// blocks: when every worker is busy and the buffer is full it returns
// ErrPoolFull and the caller keeps the task.
type GoroutinePool struct {
	cfg   GoroutinePoolConfig
	tasks chan submission

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	workers atomic.Int32
	active  atomic.Int32

	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type submission struct {
	ctx  context.Context
	task Task
}

// NewGoroutinePool creates a pool. Non-positive fields take their defaults.
func NewGoroutinePool(cfg GoroutinePoolConfig) *GoroutinePool {
	def := DefaultGoroutinePoolConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &GoroutinePool{
		cfg:   cfg,
		tasks: make(chan submission, cfg.QueueSize),
	}
}

// Submit hands task to a worker without blocking.
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	s := submission{ctx: ctx, task: task}
	select {
	case p.tasks <- s:
		p.spawnIfIdle()
		return nil
	default:
	}
	if p.spawn() {
		select {
		case p.tasks <- s:
			return nil
		default:
		}
	}
	p.rejected.Add(1)
	return ErrPoolFull
}

// spawnIfIdle starts a worker when every existing one is busy.
func (p *GoroutinePool) spawnIfIdle() {
	if p.active.Load() >= p.workers.Load() {
		p.spawn()
	}
}

func (p *GoroutinePool) spawn() bool {
	for {
		n := p.workers.Load()
		if int(n) >= p.cfg.MaxWorkers {
			return false
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case s, ok := <-p.tasks:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.active.Add(1)
			if err := p.execute(s); err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			p.active.Add(-1)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout)

		case <-idle.C:
			n := p.workers.Load()
			if n > 1 && p.workers.CompareAndSwap(n, n-1) {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *GoroutinePool) execute(s submission) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.cfg.PanicHandler != nil {
				p.cfg.PanicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return s.task(s.ctx)
}

// Close stops accepting tasks, lets workers drain the buffer and waits for
// them to exit.
func (p *GoroutinePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.tasks),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
