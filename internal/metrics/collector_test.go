package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/workflow"
	"github.com/BaSui01/swarmflow/workflow/queue"
	"github.com/BaSui01/swarmflow/workflow/runs"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// 编译期检查：Collector 可直接注入各组件
var (
	_ queue.Metrics          = (*Collector)(nil)
	_ workflow.EngineMetrics = (*Collector)(nil)
	_ runs.DropRecorder      = (*Collector)(nil)
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordHTTPRequest("GET", "/api/runs/:id", 200, 100*time.Millisecond, 0, 512)
	c.RecordHTTPRequest("POST", "/api/workflows/execute", 201, 5*time.Millisecond, 1024, 64)
	c.RecordHTTPRequest("POST", "/api/workflows/execute", 422, time.Millisecond, 10, 64)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/api/runs/:id", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/workflows/execute", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/api/workflows/execute", "4xx")))
}

func TestCollector_RunsAndNodes(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordRun("completed", 2*time.Second)
	c.RecordRun("completed", time.Second)
	c.RecordRun("failed", time.Second)
	c.RecordNode("agent", "success", 300*time.Millisecond)
	c.RecordNode("condition", "success", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodesTotal.WithLabelValues("agent", "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.nodeDuration))
}

func TestCollector_AgentUsage(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordAgentUsage("planner", 1200, 0.006)
	c.RecordAgentUsage("planner", 800, 0.004)
	c.RecordAgentUsage("coder", 0, 0)

	assert.Equal(t, 2000.0, testutil.ToFloat64(c.agentTokens.WithLabelValues("planner")))
	assert.InDelta(t, 0.01, testutil.ToFloat64(c.agentCost.WithLabelValues("planner")), 1e-9)
	// 零用量不创建序列
	assert.Equal(t, 1, testutil.CollectAndCount(c.agentTokens))
}

func TestCollector_BreakerTransition(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordBreakerTransition("coder", "closed", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.breakerState.WithLabelValues("coder")))

	c.RecordBreakerTransition("coder", "open", "half_open")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState.WithLabelValues("coder")))

	c.RecordBreakerTransition("coder", "half_open", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState.WithLabelValues("coder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerTrans.WithLabelValues("coder", "closed", "open")))
}

func TestCollector_Queue(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordQueueTask(queue.OutcomeSucceeded)
	c.RecordQueueTask(queue.OutcomeFailed)
	c.RecordQueueRetry()
	c.RecordQueueRetry()
	c.SetQueueWaiting(3)
	c.SetQueueUsage(4, 2048, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueTasks.WithLabelValues(queue.OutcomeSucceeded)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.queueRetries))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueWaiting))
	assert.Equal(t, 2048.0, testutil.ToFloat64(c.queueUsage.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueUsage.WithLabelValues("gpu")))
}

func TestCollector_EventsDropped(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordEventDropped("node_progress")
	c.RecordEventDropped("node_progress")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsDropped.WithLabelValues("node_progress")))
}

func TestCollector_CacheAndDB(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	c.RecordCacheHit("run_mirror")
	c.RecordCacheMiss("run_mirror")
	c.RecordCacheMiss("run_mirror")
	c.RecordDBConnections("sqlite", 1, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("run_mirror")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("run_mirror")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("sqlite")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordNode("agent", "success", time.Millisecond)
				c.RecordQueueTask(queue.OutcomeSucceeded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(c.nodesTotal.WithLabelValues("agent", "success")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.queueTasks.WithLabelValues(queue.OutcomeSucceeded)))
}

func TestStatusCode(t *testing.T) {
	cases := map[int]string{200: "2xx", 204: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 0: "unknown"}
	for code, want := range cases {
		assert.Equal(t, want, statusCode(code), "code %d", code)
	}
}
