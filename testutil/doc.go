/*
Package testutil 提供 SwarmFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为工作流引擎、运行注册表与 HTTP 层的测试提供统一的
辅助能力，避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup 防止泄漏
  - 运行结果断言: AssertNodeStatus / NodesWithStatus
  - 异步断言: AssertEventuallyTrue / WaitForRun（轮询注册表直到目标状态）
  - 事件辅助: CollectEvents / StatusSequence，用于运行事件流测试
  - 数据辅助: MustJSON

# 子包

  - testutil/mocks: MockInvoker（AgentInvoker）与 MockRepository
    （RepositoryWriter），支持 Builder 模式与错误注入
  - testutil/fixtures: 预置工作流图、定义 JSON 与历史记录样例

# 使用示例

	inv := mocks.NewMockInvoker().WithOutput("draft", "hello")
	engine := workflow.NewEngine(workflow.WithInvoker(inv))
	res, err := engine.Run(testutil.TestContext(t), fixtures.LinearWorkflow("demo", "draft"), workflow.RunOptions{})
*/
package testutil
