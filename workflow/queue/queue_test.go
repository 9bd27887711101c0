package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/swarmflow/types"
)

func newTestQueue(t *testing.T, mutate func(*Config)) *Queue {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	q := New(cfg, zaptest.NewLogger(t))
	t.Cleanup(q.Close)
	return q
}

// --- Backoff ---

func TestBackoff(t *testing.T) {
	t.Parallel()
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, Backoff(time.Second, 10*time.Second, attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 10*time.Second, Backoff(time.Second, 10*time.Second, 200))
}

// --- Admission ---

func TestQueue_AdmissionRespectsBudget(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(c *Config) {
		c.MaxResources = Resources{CPU: 2, Memory: 1000}
	})

	var running, peak atomic.Int32
	gates := make([]chan struct{}, 3)
	started := make([]atomic.Bool, 3)
	handles := make([]*Handle, 3)
	for i := range gates {
		gates[i] = make(chan struct{})
		i := i
		h, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
			started[i].Store(true)
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-gates[i]
			running.Add(-1)
			return i, nil
		}, 0, Resources{CPU: 1})
		require.NoError(t, err)
		handles[i] = h
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	st := q.Status()
	assert.Equal(t, 1, st.Waiting)
	assert.Equal(t, 2, st.Usage.CPU)
	assert.False(t, started[2].Load(), "third task must wait for budget")

	close(gates[0])
	res, err := handles[0].Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res)

	require.Eventually(t, func() bool { return started[2].Load() }, time.Second, time.Millisecond)
	close(gates[1])
	close(gates[2])
	for _, h := range handles[1:] {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, Resources{}, q.Status().Usage)
}

func TestQueue_SkipsTasksThatDoNotFit(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(c *Config) {
		c.MaxResources = Resources{CPU: 2, Memory: 1000, GPU: 1}
	})

	gate := make(chan struct{})
	blocker, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, 0, Resources{CPU: 1, GPU: 1})
	require.NoError(t, err)

	// the gpu task cannot fit, the lower-priority cpu task can
	gpu, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) { return "gpu", nil }, 10, Resources{CPU: 1, GPU: 1})
	require.NoError(t, err)
	cpu, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) { return "cpu", nil }, 1, Resources{CPU: 1})
	require.NoError(t, err)

	res, err := cpu.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cpu", res)
	select {
	case <-gpu.Done():
		t.Fatal("gpu task admitted over budget")
	default:
	}

	close(gate)
	_, err = blocker.Wait(context.Background())
	require.NoError(t, err)
	res, err = gpu.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gpu", res)
}

func TestQueue_PriorityOrder(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(c *Config) {
		c.MaxResources = Resources{CPU: 1, Memory: 1000}
	})

	gate := make(chan struct{})
	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, 100, Resources{CPU: 1})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(name string) Task {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}
	var handles []*Handle
	for _, tc := range []struct {
		name     string
		priority int
	}{
		{"low", 1}, {"high-a", 5}, {"mid", 3}, {"high-b", 5},
	} {
		h, err := q.Enqueue(context.Background(), record(tc.name), tc.priority, Resources{CPU: 1})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, 4, q.Status().Waiting)

	close(gate)
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"high-a", "high-b", "mid", "low"}, order)
}

func TestQueue_RejectsCostAboveBudget(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(c *Config) {
		c.MaxResources = Resources{CPU: 2, Memory: 100}
	})
	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }, 0, Resources{CPU: 3})
	require.Error(t, err)
	assert.Equal(t, types.ErrResourceExhausted, types.GetErrorCode(err))
}

// --- Retry ---

func TestQueue_RetryExhaustion(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, nil)

	var calls atomic.Int32
	boom := errors.New("boom")
	h, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}, 0, Resources{CPU: 2, Memory: 256})
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 4, h.Attempts())

	st := q.Status()
	assert.Equal(t, Resources{}, st.Usage)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(3), st.Retries)
}

func TestQueue_RetryThenSucceed(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, nil)

	var calls atomic.Int32
	h, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return AttemptFromContext(ctx), nil
	}, 0, Resources{})
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res)
	assert.Equal(t, int64(1), q.Status().Succeeded)
}

func TestQueue_PermanentErrorSkipsRetry(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, nil)

	var calls atomic.Int32
	h, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, Permanent(errors.New("bad config"))
	}, 0, Resources{})
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, err.Error(), "bad config")
}

func TestQueue_RetryDecaysPriority(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(c *Config) {
		c.PriorityDecay = 2
		c.BaseBackoff = time.Hour
		c.MaxBackoff = time.Hour
	})

	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("fail once")
	}, 7, Resources{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Status().Backoff == 1 }, time.Second, time.Millisecond)
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.backoff {
		assert.Equal(t, 5, it.priority)
		assert.Equal(t, 1, it.retries)
	}
}

func TestQueue_AdmissionTimeout(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(c *Config) {
		c.MaxResources = Resources{CPU: 1, Memory: 1000}
		c.AdmissionTimeout = 20 * time.Millisecond
		c.RetryLimit = 0
	})

	gate := make(chan struct{})
	defer close(gate)
	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, 0, Resources{CPU: 1})
	require.NoError(t, err)

	var ran atomic.Bool
	h, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, 0, Resources{CPU: 1})
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrResourceExhausted, types.GetErrorCode(err))
	assert.False(t, ran.Load())
	assert.Equal(t, 0, h.Attempts())
}

func TestQueue_CancelledContextFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h, err := q.Enqueue(ctx, func(ctx context.Context) (any, error) { return "never", nil }, 0, Resources{})
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), q.Status().Retries)
}

func TestQueue_CloseRejectsWaiting(t *testing.T) {
	t.Parallel()
	q := New(Config{MaxResources: Resources{CPU: 1, Memory: 1000}}, nil)

	gate := make(chan struct{})
	running, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		<-gate
		return "done", nil
	}, 0, Resources{CPU: 1})
	require.NoError(t, err)
	waiting, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }, 0, Resources{CPU: 1})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(gate)
	}()
	q.Close()

	_, err = waiting.Wait(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	res, err := running.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", res)

	_, err = q.Enqueue(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }, 0, Resources{})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

// --- Properties ---

func TestQueue_BudgetNeverExceeded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		max := Resources{
			CPU:    rapid.IntRange(1, 4).Draw(rt, "cpu"),
			Memory: rapid.IntRange(100, 400).Draw(rt, "memory"),
			GPU:    rapid.IntRange(0, 2).Draw(rt, "gpu"),
		}
		q := New(Config{MaxResources: max, RetryLimit: 0}, nil)
		defer q.Close()

		var mu sync.Mutex
		var usage Resources
		violated := false

		n := rapid.IntRange(1, 12).Draw(rt, "tasks")
		handles := make([]*Handle, 0, n)
		for i := 0; i < n; i++ {
			cost := Resources{
				CPU:    rapid.IntRange(1, max.CPU).Draw(rt, "task_cpu"),
				Memory: rapid.IntRange(1, max.Memory).Draw(rt, "task_memory"),
				GPU:    rapid.IntRange(0, max.GPU).Draw(rt, "task_gpu"),
			}
			h, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
				mu.Lock()
				usage = usage.Add(cost)
				if !usage.Within(max) {
					violated = true
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				usage = usage.Sub(cost)
				mu.Unlock()
				return nil, nil
			}, rapid.IntRange(-3, 3).Draw(rt, "priority"), cost)
			if err != nil {
				rt.Fatalf("enqueue: %v", err)
			}
			handles = append(handles, h)
		}
		for _, h := range handles {
			if _, err := h.Wait(context.Background()); err != nil {
				rt.Fatalf("task failed: %v", err)
			}
		}
		if violated {
			rt.Fatalf("budget %s exceeded", max)
		}
	})
}
