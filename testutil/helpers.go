// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 工作流运行、注册表事件与异步断言的共享辅助
//
// 使用方法:
//
//	testutil.AssertNodeStatus(t, res, "draft", workflow.NodeCompleted)
//	snap := testutil.WaitForRun(t, registry, runID, workflow.RunCompleted)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/BaSui01/swarmflow/workflow"
	"github.com/BaSui01/swarmflow/workflow/runs"
)

// DefaultWait 是异步断言的默认等待时间
const DefaultWait = 5 * time.Second

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回 30 秒超时的测试上下文，测试结束时自动取消
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// 🔍 运行结果断言
// =============================================================================

// AssertNodeStatus 断言运行结果中节点的状态
func AssertNodeStatus(t *testing.T, res *workflow.RunResult, nodeID string, expected workflow.NodeStatus) {
	t.Helper()

	st, ok := res.Nodes[nodeID]
	if !ok {
		t.Errorf("node %q not found in run %s", nodeID, res.RunID)
		return
	}
	if st.Status != expected {
		t.Errorf("node %q status mismatch: expected %q, got %q", nodeID, expected, st.Status)
	}
}

// NodesWithStatus 返回处于 status 的节点 id（已排序）
func NodesWithStatus(res *workflow.RunResult, status workflow.NodeStatus) []string {
	var out []string
	for id, st := range res.Nodes {
		if st.Status == status {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// ⏱️ 异步断言
// =============================================================================

// AssertEventuallyTrue 断言条件在 timeout 内变为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("condition did not become true within %v", timeout)
}

// WaitForRun 轮询注册表直到运行进入 status，返回最后一次快照。
// 运行进入其他终态时立即失败。
func WaitForRun(t *testing.T, reg *runs.Registry, runID string, status workflow.RunStatus) *runs.Snapshot {
	t.Helper()

	var last *runs.Snapshot
	deadline := time.Now().Add(DefaultWait)
	for time.Now().Before(deadline) {
		snap, err := reg.Get(context.Background(), runID)
		if err == nil {
			last = snap
			if snap.Status == status {
				return snap
			}
			if snap.Status.IsTerminal() {
				t.Fatalf("run %s finished as %s, want %s (error: %s)", runID, snap.Status, status, snap.Error)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last == nil {
		t.Fatalf("run %s never registered", runID)
	}
	t.Fatalf("run %s still %s after %v, want %s", runID, last.Status, DefaultWait, status)
	return nil
}

// =============================================================================
// 📡 事件辅助
// =============================================================================

// CollectEvents 从订阅中收集 n 个事件，超时返回已收到的部分
func CollectEvents(sub *runs.Subscription, n int, timeout time.Duration) []runs.Event {
	var events []runs.Event
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
	return events
}

// StatusSequence 提取状态事件的状态序列
func StatusSequence(events []runs.Event) []workflow.RunStatus {
	var out []workflow.RunStatus
	for _, ev := range events {
		if ev.Type == runs.EventStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// MustJSON 将值编码为 JSON，失败时 panic
func MustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
