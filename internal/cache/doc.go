// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，为运行注册表提供快照镜像。

# 概述

注册表按保留期清理已结束的运行后，快照仍可通过 RunCache 从 Redis
读回，使 GET /api/runs/{id} 在清理后继续可用。Manager 负责连接
生命周期管理，包括初始化、健康检查与优雅关闭。

# 核心类型

  - Manager：缓存管理器，提供 Get/Set/TTL/Delete/Ping 以及
    GetJSON/SetJSON 便捷序列化方法，所有键自动加上 KeyPrefix。
  - Config：地址、密码、键前缀、连接池大小、默认 TTL、TLS 开关与探活间隔。
  - RunCache：以 <KeyPrefix>run:<id> 为键存取运行快照，实现注册表的
    Mirror 接口。

# 主要能力

  - 探活：后台定时 Ping，状态变化时通过 zap 日志告警，
    Healthy 返回最近一次结果。
  - TLS：开启后使用 tlsutil 的加固配置。
  - 错误语义：ErrCacheMiss 与 IsCacheMiss；关闭后操作返回 ErrClosed。
*/
package cache
