// Package config 提供 SwarmFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → SWARMFLOW_ 环境变量 的顺序加载，
// Validate 一次性返回全部错误。Reloader 轮询配置文件，
// 在运行时应用日志级别等可热重载字段。
package config
