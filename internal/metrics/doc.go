// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、
工作流运行、资源队列、运行镜像缓存与数据库连接。

# 概述

Collector 使用 promauto 自动注册到默认 Registry，所有指标按
namespace 隔离。它同时实现 queue.Metrics、workflow.EngineMetrics
与 runs.DropRecorder，由 serve 命令直接注入队列、引擎与事件广播器。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 工作流指标：运行与节点的次数、耗时，agent 的 token 与成本，
    熔断器状态与转换次数，事件丢弃计数。
  - 队列指标：任务结果、重试次数、等待数与 cpu/memory/gpu 占用。
  - 缓存与数据库指标：运行镜像命中率，连接池活跃/空闲连接数。
*/
package metrics
