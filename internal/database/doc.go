// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为执行历史的持久化存储打开 GORM 数据库并管理连接池。

# 概述

Open 按驱动名（postgres / mysql / sqlite）选择 GORM 方言并返回
PoolManager。sqlite 通过 modernc.org/sqlite 纯 Go 驱动打开，与
internal/migration 使用同一驱动，且连接数固定为 1。后台定时探活，
失败时通过 zap 日志告警，成功时把连接池状态交给 PoolConfig.OnStats
（serve 命令用它上报 Prometheus 连接数指标）。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Driver()、
    Ping()、Stats()、Close()。
  - PoolConfig：最大空闲连接数、最大打开连接数、连接生命周期、
    空闲超时、探活间隔与 OnStats 回调；Validate 校验参数。
*/
package database
