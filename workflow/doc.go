// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供工作流图模型与执行引擎。

# 概述

workflow 包实现 swarmflow 的核心：由 Agent、Condition、Parallel、Loop、
Start、End 六类节点组成的有向无环图，在校验通过后由 Engine 按拓扑顺序
调度执行。Agent 调用统一托管在资源感知任务队列（workflow/queue）上，
执行结果写入运行变量，并同步到运行注册表与执行历史。

# 核心接口与类型

  - Graph / Node / Edge   — 图模型，节点配置为封闭的强类型变体
  - Validate              — 结构、配置、环路与区域校验，一次返回全部错误
  - TopologicalOrder      — Kahn 算法，同入度按插入顺序稳定输出
  - Engine                — 工作队列 + 依赖倒计时调度器
  - RunContext            — 单次运行状态：变量、日志、节点状态、取消标记
  - Scope                 — 分支局部变量作用域，汇合时按分支序号合并
  - AgentInvoker          — 外部 Agent 调用能力
  - RepositoryWriter      — 外部代码仓库提交能力
  - RunObserver           — 运行事件观察者（注册表与事件广播实现）
  - Definition            — JSON / YAML 线上格式
  - Builder               — Fluent API 构建图

# 主要能力

  - Condition 只激活匹配 "true"/"false" 标签的后继，未选中分支被跳过
  - Parallel 各分支并发执行，全部完成才算成功，任一分支失败则丢弃全部分支输出
  - Loop 按迭代次数顺序重复执行循环体，每次迭代可见上次的写入
  - 取消为协作式：在节点派发前检查，运行中的 Agent 调用完成后丢弃结果
  - errorHandling=continue 时失败节点的下游被跳过，独立分支继续执行
  - 熔断器：CircuitBreakerRegistry 按 agent id 隔离下游故障
*/
package workflow
