// MockInvoker 是 workflow.AgentInvoker 的测试模拟实现。
//
// 支持固定输出、按节点注入错误、延迟与阻塞闸门。
package mocks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/swarmflow/workflow"
)

// --- MockInvoker 结构 ---

// MockInvoker 是 AgentInvoker 的模拟实现
type MockInvoker struct {
	mu sync.RWMutex

	// 响应配置
	outputs map[string]string
	errs    map[string]error
	failN   map[string]int
	tokens  int
	cost    float64

	// 行为控制
	delay time.Duration
	gate  chan struct{}

	// 调用记录
	calls     []workflow.PromptContext
	callCount atomic.Int64
}

// NewMockInvoker 创建新的 MockInvoker，默认输出为 "out-<nodeId>"
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
		failN:   make(map[string]int),
		tokens:  10,
		cost:    0.001,
	}
}

// WithOutput 设置节点的固定输出
func (m *MockInvoker) WithOutput(nodeID, output string) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[nodeID] = output
	return m
}

// WithError 设置节点每次调用都返回的错误
func (m *MockInvoker) WithError(nodeID string, err error) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[nodeID] = err
	return m
}

// WithFailures 设置节点前 n 次调用返回 ProviderError
func (m *MockInvoker) WithFailures(nodeID string, n int) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN[nodeID] = n
	return m
}

// WithUsage 设置每次调用的 token 与费用
func (m *MockInvoker) WithUsage(tokens int, cost float64) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = tokens
	m.cost = cost
	return m
}

// WithDelay 设置模拟延迟
func (m *MockInvoker) WithDelay(d time.Duration) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithGate 让每次调用阻塞直到 gate 关闭或收到值
func (m *MockInvoker) WithGate(gate chan struct{}) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
	return m
}

// --- 接口实现 ---

// Execute 实现 workflow.AgentInvoker
func (m *MockInvoker) Execute(ctx context.Context, agentID string, prompt workflow.PromptContext) (workflow.AgentResult, error) {
	m.callCount.Add(1)

	m.mu.Lock()
	m.calls = append(m.calls, prompt)
	output, ok := m.outputs[prompt.NodeID]
	err := m.errs[prompt.NodeID]
	fail := m.failN[prompt.NodeID]
	if fail > 0 {
		m.failN[prompt.NodeID] = fail - 1
	}
	delay, gate := m.delay, m.gate
	tokens, cost := m.tokens, m.cost
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return workflow.AgentResult{}, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return workflow.AgentResult{}, ctx.Err()
		}
	}
	if err != nil {
		return workflow.AgentResult{}, err
	}
	if fail > 0 {
		return workflow.AgentResult{}, workflow.NewProviderError("mock",
			fmt.Sprintf("agent %s unavailable", agentID), nil)
	}
	if !ok {
		output = "out-" + prompt.NodeID
	}
	return workflow.AgentResult{Output: output, TokensUsed: tokens, Cost: cost}, nil
}

// --- 查询方法 ---

// CallCount 返回调用次数
func (m *MockInvoker) CallCount() int64 {
	return m.callCount.Load()
}

// Calls 返回所有调用的提示上下文
func (m *MockInvoker) Calls() []workflow.PromptContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]workflow.PromptContext, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor 返回指定节点的调用
func (m *MockInvoker) CallsFor(nodeID string) []workflow.PromptContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []workflow.PromptContext
	for _, c := range m.calls {
		if c.NodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// Reset 清空调用记录
func (m *MockInvoker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount.Store(0)
}
