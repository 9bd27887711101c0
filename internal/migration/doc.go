// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理执行历史表（execution_records）的 Schema 迁移，
支持 PostgreSQL、MySQL 与 SQLite 三种方言，基于 golang-migrate 实现。

# 概述

迁移 SQL 通过 embed.FS 内嵌在二进制中，每种方言一个目录，
版本号在各方言之间保持一致。SQLite 使用 golang-migrate 的
database/sqlite 驱动（底层为纯 Go 的 modernc.org/sqlite），
因此迁移与测试均不依赖 CGO。

# 核心接口与类型

  - Migrator：Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info/Close。
  - DefaultMigrator：封装 golang-migrate 实例与 *sql.DB。
  - Config：方言、连接串、版本表名、锁超时与 zap logger。
  - CLI：swarmflow migrate 子命令的终端输出层。

# 主要能力

  - NewMigratorFromConfig / NewMigratorFromDatabaseConfig 直接读取
    config.DatabaseConfig；NewMigratorFromURL 接受原始连接串。
  - ParseDatabaseType 解析方言别名，BuildDatabaseURL 按方言拼接连接串。
*/
package migration
