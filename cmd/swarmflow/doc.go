// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 SwarmFlow 服务端程序入口。

# 概述

cmd/swarmflow 是工作流执行引擎的可执行入口，提供 HTTP API 服务、
本地执行与校验工作流、数据库迁移、健康检查和版本查询等子命令。
程序支持 YAML 配置文件加载、结构化日志（zap）、Prometheus 指标
采集、OpenTelemetry 追踪以及日志级别热重载。

# 核心类型

  - Server    — 主服务器，管理 API、Metrics 双端口及优雅关闭
  - runtime   — serve 与 run 共用的组件装配（队列、引擎、历史、注册表、产物）
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、run（--workflow、--continue、--vars）、validate、
    migrate、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、CORS、RateLimiter（基于 IP）、Authenticate
    （X-API-Key 或 Bearer JWT）、MetricsMiddleware
  - 可选依赖：history.persist 启用 gorm 历史存储，registry.mirror
    启用 Redis 快照镜像，github.token 启用仓库写入
  - 优雅关闭：信号 → 停止 API → 断开 websocket → 等待运行结束 →
    释放组件 → 关闭 Metrics → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
