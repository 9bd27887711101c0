package runs_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/internal/cache"
	"github.com/BaSui01/swarmflow/testutil"
	"github.com/BaSui01/swarmflow/testutil/fixtures"
	"github.com/BaSui01/swarmflow/testutil/mocks"
	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"
	"github.com/BaSui01/swarmflow/workflow/runs"
)

func newEngine(t *testing.T, reg *runs.Registry, inv workflow.AgentInvoker) *workflow.Engine {
	t.Helper()
	e := workflow.NewEngine(
		workflow.WithLogger(zaptest.NewLogger(t)),
		workflow.WithInvoker(inv),
		workflow.WithObserver(reg),
	)
	t.Cleanup(e.Close)
	return e
}

func TestRegistry_CancelErrors(t *testing.T) {
	t.Parallel()
	reg := runs.NewRegistry(runs.DefaultConfig(), zaptest.NewLogger(t))
	e := newEngine(t, reg, mocks.NewMockInvoker())

	err := reg.Cancel("nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err))

	rc, err := e.Prepare(fixtures.LinearWorkflow("wf", "a"), workflow.RunOptions{})
	require.NoError(t, err)
	require.NoError(t, reg.Cancel(rc.ID))
	assert.True(t, rc.CancelRequested())

	snap, err := reg.Get(context.Background(), rc.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCancelled, snap.Status)
	assert.NotNil(t, snap.FinishedAt)

	err = reg.Cancel(rc.ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrRunTerminal, types.GetErrorCode(err))
}

func TestRegistry_CancelledBeforeExecuteNeverRuns(t *testing.T) {
	t.Parallel()
	reg := runs.NewRegistry(runs.DefaultConfig(), nil)
	inv := mocks.NewMockInvoker()
	e := newEngine(t, reg, inv)

	rc, err := e.Prepare(fixtures.LinearWorkflow("wf", "a", "b"), workflow.RunOptions{})
	require.NoError(t, err)
	require.NoError(t, reg.Cancel(rc.ID))

	res, _ := e.Execute(context.Background(), rc)
	assert.Equal(t, workflow.RunCancelled, res.Status)
	assert.Zero(t, inv.CallCount())

	snap, err := reg.Get(context.Background(), rc.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCancelled, snap.Status)
	assert.Equal(t, workflow.NodeCancelled, snap.Nodes["a"].Status)
}

// cancelOnStatus calls Registry.Cancel when the engine reports status,
// before the registry itself sees that transition.
type cancelOnStatus struct {
	workflow.NopObserver
	reg    *runs.Registry
	status workflow.RunStatus
	runID  string
	err    error
}

func (o *cancelOnStatus) RunCreated(rc *workflow.RunContext) { o.runID = rc.ID }

func (o *cancelOnStatus) RunStatusChanged(_ string, s workflow.RunStatus, _ string) {
	if s == o.status {
		o.err = o.reg.Cancel(o.runID)
	}
}

func TestRegistry_CancelWhileRunFinishing(t *testing.T) {
	t.Parallel()
	reg := runs.NewRegistry(runs.DefaultConfig(), zaptest.NewLogger(t))
	hook := &cancelOnStatus{reg: reg, status: workflow.RunCompleted}
	e := workflow.NewEngine(
		workflow.WithLogger(zaptest.NewLogger(t)),
		workflow.WithInvoker(mocks.NewMockInvoker()),
		workflow.WithObserver(hook),
		workflow.WithObserver(reg),
	)
	t.Cleanup(e.Close)

	res, err := e.Run(context.Background(), fixtures.LinearWorkflow("wf", "a"), workflow.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, res.Status)

	require.Error(t, hook.err)
	assert.Equal(t, types.ErrRunTerminal, types.GetErrorCode(hook.err))
	snap, err := reg.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, snap.Status)
}

func TestRegistry_FeedsStatusEvents(t *testing.T) {
	t.Parallel()
	b := runs.NewBroadcaster(nil, nil)
	reg := runs.NewRegistry(runs.DefaultConfig(), nil, runs.WithBroadcaster(b))
	e := newEngine(t, reg, mocks.NewMockInvoker())

	sub := b.Subscribe(256, runs.OfType(runs.EventStatus))
	defer sub.Close()

	res, err := e.Run(context.Background(), fixtures.LinearWorkflow("wf", "a", "b"), workflow.RunOptions{})
	require.NoError(t, err)

	events := testutil.CollectEvents(sub, 3, time.Second)
	assert.Equal(t,
		[]workflow.RunStatus{workflow.RunPending, workflow.RunRunning, workflow.RunCompleted},
		testutil.StatusSequence(events))
	for _, ev := range events {
		assert.Equal(t, res.RunID, ev.RunID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, 100, events[2].Progress)

	snap, err := reg.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 100, snap.Progress)
	assert.NotEmpty(t, snap.Logs)
	assert.Equal(t, workflow.NodeCompleted, snap.Nodes["b"].Status)
}

func TestRegistry_FailedNodesOnContinue(t *testing.T) {
	t.Parallel()
	reg := runs.NewRegistry(runs.DefaultConfig(), nil)
	inv := mocks.NewMockInvoker().WithError("a", types.NewError(types.ErrInvalidRequest, "bad prompt"))
	e := newEngine(t, reg, inv)

	g := workflow.NewBuilder("split").
		Start("start").
		Agent("a", "x", "a").
		Agent("b", "x", "b").
		Edge("start", "a").
		Edge("start", "b").
		MustBuild()
	res, err := e.Run(context.Background(), g, workflow.RunOptions{ErrorHandling: workflow.ErrorHandlingContinue})
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, res.Status)

	snap, err := reg.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, snap.FailedNodes)
	assert.Equal(t, workflow.NodeCompleted, snap.Nodes["b"].Status)
}

func TestRegistry_TerminalStatusIsSticky(t *testing.T) {
	t.Parallel()
	reg := runs.NewRegistry(runs.DefaultConfig(), nil)
	e := newEngine(t, reg, mocks.NewMockInvoker())
	rc, err := e.Prepare(fixtures.LinearWorkflow("wf", "a"), workflow.RunOptions{})
	require.NoError(t, err)

	require.NoError(t, reg.SetStatus(rc.ID, workflow.RunFailed, "boom"))
	require.NoError(t, reg.SetStatus(rc.ID, workflow.RunCompleted, ""))

	snap, err := reg.Get(context.Background(), rc.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunFailed, snap.Status)
	assert.Equal(t, "boom", snap.Error)

	assert.Error(t, reg.SetStatus("ghost", workflow.RunRunning, ""))
}

func TestRegistry_LogsAndProgress(t *testing.T) {
	t.Parallel()
	reg := runs.NewRegistry(runs.Config{MaxLogs: 4}, nil)
	e := newEngine(t, reg, mocks.NewMockInvoker())
	rc, err := e.Prepare(fixtures.LinearWorkflow("wf", "a"), workflow.RunOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		level := workflow.LogInfo
		if i%2 == 1 {
			level = workflow.LogError
		}
		require.NoError(t, reg.AddLog(rc.ID, workflow.LogEntry{Level: level, Message: fmt.Sprintf("line %d", i)}))
	}

	all, err := reg.Logs(ctx, rc.ID, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	assert.Equal(t, "line 2", all.Items[0].Message)

	errs, err := reg.Logs(ctx, rc.ID, workflow.LogError, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, errs.Total)
	require.Len(t, errs.Items, 1)
	assert.Equal(t, "line 5", errs.Items[0].Message)

	beyond, err := reg.Logs(ctx, rc.ID, "", 9, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)

	require.NoError(t, reg.UpdateProgress(rc.ID, 140))
	snap, _ := reg.Get(ctx, rc.ID)
	assert.Equal(t, 100, snap.Progress)
	require.NoError(t, reg.UpdateProgress(rc.ID, -3))
	snap, _ = reg.Get(ctx, rc.ID)
	assert.Equal(t, 0, snap.Progress)

	_, err = reg.Logs(ctx, "ghost", "", 1, 10)
	assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err))
}

func TestRegistry_ListActiveStats(t *testing.T) {
	t.Parallel()
	reg := runs.NewRegistry(runs.DefaultConfig(), nil)
	e := newEngine(t, reg, mocks.NewMockInvoker())

	var ids []string
	for i := 0; i < 3; i++ {
		rc, err := e.Prepare(fixtures.LinearWorkflow("wf", "a"), workflow.RunOptions{RunID: fmt.Sprintf("run-%d", i)})
		require.NoError(t, err)
		ids = append(ids, rc.ID)
	}
	_, err := e.Run(context.Background(), fixtures.LinearWorkflow("other", "a"), workflow.RunOptions{RunID: "done"})
	require.NoError(t, err)
	require.NoError(t, reg.Cancel("run-0"))

	stats := reg.Stats()
	assert.Equal(t, runs.Stats{Total: 4, Pending: 2, Completed: 1, Cancelled: 1}, stats)
	assert.Equal(t, []string{"run-1", "run-2"}, reg.Active())

	page := reg.List(runs.ListFilter{Status: workflow.RunPending}, 1, 1)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)

	page = reg.List(runs.ListFilter{WorkflowID: "other"}, 1, 10)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "done", page.Items[0].ID)
}

func TestRegistry_CleanupMirrorsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	manager, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	reg := runs.NewRegistry(runs.DefaultConfig(), nil, runs.WithMirror(cache.NewRunCache(manager, time.Hour)))
	e := newEngine(t, reg, mocks.NewMockInvoker())
	ctx := context.Background()

	res, err := e.Run(ctx, fixtures.LinearWorkflow("wf", "a"), workflow.RunOptions{})
	require.NoError(t, err)
	live, err := e.Prepare(fixtures.LinearWorkflow("wf", "a"), workflow.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, reg.Cleanup(ctx, time.Hour))
	assert.Equal(t, 1, reg.Cleanup(ctx, 0))
	assert.Equal(t, []string{live.ID}, reg.Active())

	snap, err := reg.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, snap.Status)
	assert.Equal(t, "wf", snap.WorkflowID)

	err = reg.Cancel(res.RunID)
	assert.Equal(t, types.ErrRunNotFound, types.GetErrorCode(err), "evicted runs are no longer controllable")
}

func TestRegistry_StartCleanupStopsWithContext(t *testing.T) {
	t.Parallel()
	reg := runs.NewRegistry(runs.Config{Retention: time.Millisecond, CleanupInterval: 5 * time.Millisecond}, nil)
	e := newEngine(t, reg, mocks.NewMockInvoker())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := e.Run(ctx, fixtures.LinearWorkflow("wf", "a"), workflow.RunOptions{})
	require.NoError(t, err)
	reg.StartCleanup(ctx)

	testutil.AssertEventuallyTrue(t, func() bool { return reg.Stats().Total == 0 }, 2*time.Second)
}

type countingDrops struct{ n atomic.Int64 }

func (c *countingDrops) RecordEventDropped(string) { c.n.Add(1) }

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	t.Parallel()
	drops := &countingDrops{}
	b := runs.NewBroadcaster(drops, zaptest.NewLogger(t))
	slow := b.Subscribe(1, nil)
	fast := b.Subscribe(8, nil)

	for i := 0; i < 3; i++ {
		b.Publish(runs.Event{Type: runs.EventStatus, RunID: "r", Status: workflow.RunRunning})
	}
	assert.Equal(t, uint64(2), b.Dropped())
	assert.Equal(t, int64(2), drops.n.Load())
	assert.Len(t, fast.Events(), 3)
	assert.Len(t, slow.Events(), 1)
}

func TestBroadcaster_FilterAndNoReplay(t *testing.T) {
	t.Parallel()
	b := runs.NewBroadcaster(nil, nil)
	b.Publish(runs.Event{Type: runs.EventStatus, RunID: "early"})

	mine := b.Subscribe(4, runs.ForRun("r1"))
	n := b.Publish(runs.Event{Type: runs.EventStatus, RunID: "r2"})
	assert.Equal(t, 0, n)
	n = b.Publish(runs.Event{Type: runs.EventStatus, RunID: "r1", Status: workflow.RunCompleted})
	assert.Equal(t, 1, n)

	ev := <-mine.Events()
	assert.Equal(t, "r1", ev.RunID)
	assert.Len(t, mine.Events(), 0)
}

func TestBroadcaster_CloseAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := runs.NewBroadcaster(nil, nil)
	a := b.Subscribe(1, nil)
	c := b.Subscribe(1, nil)
	assert.Equal(t, 2, b.SubscriberCount())

	a.Close()
	a.Close()
	_, ok := <-a.Events()
	assert.False(t, ok)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Close()
	_, ok = <-c.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Publish(runs.Event{RunID: "x"}))

	late := b.Subscribe(1, nil)
	_, ok = <-late.Events()
	assert.False(t, ok)
}
