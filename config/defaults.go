// =============================================================================
// 📦 SwarmFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值；组件相关的默认值取自各组件自身的
// DefaultConfig，保证直接使用组件与通过配置文件使用时行为一致
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/swarmflow/integrations/agenthttp"
	"github.com/BaSui01/swarmflow/integrations/github"
	"github.com/BaSui01/swarmflow/workflow"
	"github.com/BaSui01/swarmflow/workflow/artifacts"
	"github.com/BaSui01/swarmflow/workflow/history"
	"github.com/BaSui01/swarmflow/workflow/queue"
	"github.com/BaSui01/swarmflow/workflow/runs"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Engine:    DefaultEngineConfig(),
		Queue:     DefaultQueueConfig(),
		History:   DefaultHistoryConfig(),
		Registry:  DefaultRegistryConfig(),
		Artifacts: artifacts.DefaultConfig(),
		Agent:     agenthttp.DefaultConfig(),
		GitHub:    github.DefaultConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	cb := workflow.DefaultCircuitBreakerConfig()
	return EngineConfig{
		ErrorHandling: string(workflow.ErrorHandlingHalt),
		Breaker: BreakerConfig{
			FailureThreshold:  cb.FailureThreshold,
			RecoveryTimeout:   cb.RecoveryTimeout,
			HalfOpenMaxProbes: cb.HalfOpenMaxProbes,
			SuccessThreshold:  cb.SuccessThresholdInHalfOpen,
		},
	}
}

// DefaultQueueConfig 返回默认队列配置
func DefaultQueueConfig() QueueConfig {
	qc := queue.DefaultConfig()
	return QueueConfig{
		MaxCPU:           qc.MaxResources.CPU,
		MaxMemory:        qc.MaxResources.Memory,
		MaxGPU:           qc.MaxResources.GPU,
		RetryLimit:       qc.RetryLimit,
		BaseBackoff:      qc.BaseBackoff,
		MaxBackoff:       qc.MaxBackoff,
		AdmissionTimeout: qc.AdmissionTimeout,
		PriorityDecay:    qc.PriorityDecay,
		Workers:          qc.Workers,
	}
}

// DefaultHistoryConfig 返回默认历史配置
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{MaxRecords: history.DefaultConfig().MaxRecords}
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() RegistryConfig {
	rc := runs.DefaultConfig()
	return RegistryConfig{
		Retention:       rc.Retention,
		CleanupInterval: rc.CleanupInterval,
		MaxLogs:         rc.MaxLogs,
		MirrorTTL:       7 * 24 * time.Hour,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置；Driver 为空表示不持久化
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "swarmflow",
		Name:            "swarmflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "swarmflow",
		SampleRate:   0.1,
	}
}
