// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 SwarmFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 SwarmFlow 所有 HTTP 端点的请求处理逻辑，
包括工作流校验、运行管理、运行日志、制品、执行分析、
运行事件 websocket 推送、健康检查以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口，路由使用 Go 1.22 的
"METHOD /path/{id}" 模式注册。

# 核心类型

  - WorkflowHandler  — 工作流定义校验、拓扑序与耗时估算
  - RunHandler       — 启动（202 + runId）、列表、统计、查询、取消、日志
  - ArtifactHandler  — 制品元数据、内容下载、删除与用量
  - AnalyticsHandler — 执行历史分析报告与 json/csv 导出
  - FeedHandler      — /api/v1/runs/ws 订阅式事件推送（?token= JWT）
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - API              — 汇总 handler 并注册全部路由
  - TokenVerifier    — HS256 JWT 校验，Bearer 中间件与 websocket 共用

# 主要能力

  - 统一响应格式：WriteSuccess / WriteAccepted / WriteError / WriteErr
  - ErrorCode → HTTP 状态码映射：VALIDATION_ERROR 400、RUN_NOT_FOUND 404、
    RUN_TERMINAL 409、PROVIDER_ERROR 502、RESOURCE_EXHAUSTED 503、
    QUOTA_EXCEEDED 507
  - 校验失败时 error.messages 携带逐条校验信息
  - websocket 每 30s ping 一次，60s 内未收到 pong 即断开
*/
package handlers
