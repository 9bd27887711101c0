// =============================================================================
// 📦 测试数据工厂 - 工作流图
// =============================================================================
// 提供预定义的工作流图与定义 JSON，用于测试
// =============================================================================
package fixtures

import (
	"fmt"

	"github.com/BaSui01/swarmflow/workflow"
	"github.com/BaSui01/swarmflow/workflow/history"
)

// =============================================================================
// 🔗 工作流图工厂
// =============================================================================

// LinearWorkflow 返回 start -> 各个 agent 节点 -> end 的线性工作流
func LinearWorkflow(id string, agents ...string) *workflow.Graph {
	b := workflow.NewBuilder(id).Start("start")
	prev := "start"
	for _, a := range agents {
		b.Agent(a, "agent-"+a, "Run "+a).Edge(prev, a)
		prev = a
	}
	return b.End("end").Edge(prev, "end").MustBuild()
}

// BranchingWorkflow 返回带条件分支的工作流，check 节点读取变量 approved
func BranchingWorkflow() *workflow.Graph {
	return workflow.NewBuilder("branching").
		Start("start").
		ConditionPath("check", "approved", nil).
		Agent("publish", "publisher", "Publish the draft").
		Agent("revise", "editor", "Revise the draft").
		End("end").
		Edge("start", "check").
		Edge("check", "publish", workflow.LabelTrue).
		Edge("check", "revise", workflow.LabelFalse).
		Edge("publish", "end").
		Edge("revise", "end").
		MustBuild()
}

// ParallelWorkflow 返回带 n 个并行分支的工作流
func ParallelWorkflow(n int) *workflow.Graph {
	b := workflow.NewBuilder("parallel").Start("start").Parallel("fan").End("end").Edge("start", "fan")
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("b%d", i)
		b.Agent(id, "worker", "Branch "+id).Edge("fan", id).Edge(id, "end")
	}
	return b.MustBuild()
}

// DefinitionJSON 是一个合法的线性工作流定义
const DefinitionJSON = `{
  "id": "fixture",
  "name": "Fixture workflow",
  "nodes": [
    {"id": "start", "kind": "start"},
    {"id": "draft", "kind": "agent", "config": {"agentId": "writer", "prompt": "Draft"}},
    {"id": "review", "kind": "agent", "config": {"agentId": "reviewer", "prompt": "Review"}},
    {"id": "end", "kind": "end"}
  ],
  "edges": [
    {"from": "start", "to": "draft"},
    {"from": "draft", "to": "review"},
    {"from": "review", "to": "end"}
  ]
}`

// CyclicDefinitionJSON 是一个带环的非法定义
const CyclicDefinitionJSON = `{
  "id": "cyclic",
  "nodes": [
    {"id": "a", "kind": "agent", "config": {"agentId": "x"}},
    {"id": "b", "kind": "agent", "config": {"agentId": "x"}}
  ],
  "edges": [
    {"from": "a", "to": "b"},
    {"from": "b", "to": "a"}
  ]
}`

// =============================================================================
// 📜 历史记录工厂
// =============================================================================

// StepRecord 返回一条步骤记录
func StepRecord(step string, durationMs int64, ok bool) history.ExecutionRecord {
	rec := history.ExecutionRecord{
		Kind:       history.KindStep,
		DurationMs: durationMs,
		Status:     history.StatusSuccess,
		Metadata:   map[string]string{history.MetaStep: step},
	}
	if !ok {
		rec.Status = history.StatusFailure
		rec.ErrorType = "PROVIDER_ERROR"
	}
	return rec
}
