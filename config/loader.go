// =============================================================================
// 📦 SwarmFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("swarmflow.yaml").
//	    WithEnvPrefix("SWARMFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/swarmflow/integrations/agenthttp"
	"github.com/BaSui01/swarmflow/integrations/github"
	"github.com/BaSui01/swarmflow/internal/cache"
	"github.com/BaSui01/swarmflow/workflow"
	"github.com/BaSui01/swarmflow/workflow/artifacts"
	"github.com/BaSui01/swarmflow/workflow/history"
	"github.com/BaSui01/swarmflow/workflow/queue"
	"github.com/BaSui01/swarmflow/workflow/runs"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 SwarmFlow 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Engine 工作流引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Queue 资源感知任务队列配置
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`

	// History 执行历史配置
	History HistoryConfig `yaml:"history" env:"HISTORY"`

	// Registry 运行注册表配置
	Registry RegistryConfig `yaml:"registry" env:"REGISTRY"`

	// Artifacts 制品存储配置
	Artifacts artifacts.Config `yaml:"artifacts" env:"ARTIFACTS"`

	// Agent HTTP Agent 调用配置
	Agent agenthttp.Config `yaml:"agent" env:"AGENT"`

	// GitHub 仓库写入配置
	GitHub github.Config `yaml:"github" env:"GITHUB"`

	// Redis 运行快照镜像配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 历史持久化数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// CORS 允许的来源，空表示不允许跨域
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// WebSocket 允许的 Origin 模式
	WSOriginPatterns []string `yaml:"ws_origin_patterns" env:"WS_ORIGIN_PATTERNS"`
	// API Key 列表，非空时启用 X-API-Key 认证
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 是否允许通过 ?api_key= 传递 API Key
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// 每 IP 每秒请求数
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// JWT 认证
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
	// TLS 证书与私钥，两者都设置时以 HTTPS 提供 API
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// JWTConfig HS256 JWT 配置；Secret 为空时不启用
type JWTConfig struct {
	Secret   string `yaml:"secret" env:"SECRET"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// EngineConfig 引擎配置
type EngineConfig struct {
	// 默认错误处理策略: halt, continue
	ErrorHandling string `yaml:"error_handling" env:"ERROR_HANDLING"`
	// 单次运行超时，0 表示不限制；超时的运行以 cancelled 结束
	RunTimeout time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	// Agent 节点未设置 priority 时使用的优先级
	DefaultPriority int `yaml:"default_priority" env:"DEFAULT_PRIORITY"`
	// 每个 agent 的熔断器
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes" env:"HALF_OPEN_MAX_PROBES"`
	SuccessThreshold  int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	// 全局资源预算
	MaxCPU    int `yaml:"max_cpu" env:"MAX_CPU"`
	MaxMemory int `yaml:"max_memory" env:"MAX_MEMORY"`
	MaxGPU    int `yaml:"max_gpu" env:"MAX_GPU"`
	// 首次尝试之后的重试次数
	RetryLimit int `yaml:"retry_limit" env:"RETRY_LIMIT"`
	// 退避: min(base * 2^attempt, max)
	BaseBackoff time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`
	MaxBackoff  time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// 等待准入超时，0 表示一直等待
	AdmissionTimeout time.Duration `yaml:"admission_timeout" env:"ADMISSION_TIMEOUT"`
	// 每次重试降低的优先级
	PriorityDecay int `yaml:"priority_decay" env:"PRIORITY_DECAY"`
	// 执行任务的 worker 数
	Workers int `yaml:"workers" env:"WORKERS"`
}

// HistoryConfig 执行历史配置
type HistoryConfig struct {
	// 内存中保留的最大记录数
	MaxRecords int `yaml:"max_records" env:"MAX_RECORDS"`
	// 是否写入数据库（需要 database 配置）
	Persist bool `yaml:"persist" env:"PERSIST"`
}

// RegistryConfig 运行注册表配置
type RegistryConfig struct {
	// 结束的运行在内存中保留多久
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// 清理间隔
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// 每个运行保留的日志行数
	MaxLogs int `yaml:"max_logs" env:"MAX_LOGS"`
	// 是否把清理掉的运行快照镜像到 Redis
	Mirror bool `yaml:"mirror" env:"MIRROR"`
	// Redis 镜像过期时间
	MirrorTTL time.Duration `yaml:"mirror_ttl" env:"MIRROR_TTL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SWARMFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置，一次返回全部错误
func (c *Config) Validate() error {
	var errs []error

	// 服务器
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("server.http_port must be between 1 and 65535"))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, errors.New("server.metrics_port must be between 0 and 65535"))
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, errors.New("server.metrics_port must differ from server.http_port"))
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, errors.New("server rate limit must not be negative"))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file must be set together"))
	}

	// 引擎
	if _, err := workflow.ParseErrorHandling(c.Engine.ErrorHandling); err != nil {
		errs = append(errs, fmt.Errorf("engine.error_handling: %w", err))
	}
	if c.Engine.RunTimeout < 0 {
		errs = append(errs, errors.New("engine.run_timeout must not be negative"))
	}

	// 队列
	if c.Queue.MaxCPU <= 0 || c.Queue.MaxMemory <= 0 || c.Queue.MaxGPU < 0 {
		errs = append(errs, errors.New("queue budget must be positive (max_gpu may be 0)"))
	}
	if c.Queue.RetryLimit < 0 {
		errs = append(errs, errors.New("queue.retry_limit must not be negative"))
	}
	if c.Queue.BaseBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		errs = append(errs, errors.New("queue backoff requires 0 < base_backoff <= max_backoff"))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("queue.workers must be positive"))
	}

	// 历史与注册表
	if c.History.MaxRecords <= 0 {
		errs = append(errs, errors.New("history.max_records must be positive"))
	}
	if c.History.Persist && c.Database.Driver == "" {
		errs = append(errs, errors.New("history.persist requires database.driver"))
	}
	if c.Registry.Retention <= 0 {
		errs = append(errs, errors.New("registry.retention must be positive"))
	}
	if c.Registry.Mirror && c.Redis.Addr == "" {
		errs = append(errs, errors.New("registry.mirror requires redis.addr"))
	}

	// 制品与 Agent
	if c.Artifacts.BucketURL == "" {
		errs = append(errs, errors.New("artifacts.bucket_url is required"))
	}
	if c.Artifacts.MaxTotalBytes <= 0 {
		errs = append(errs, errors.New("artifacts.max_total_bytes must be positive"))
	}
	if c.Agent.Timeout <= 0 {
		errs = append(errs, errors.New("agent.timeout must be positive"))
	}
	if c.Agent.CostPerMillionTokens < 0 {
		errs = append(errs, errors.New("agent.cost_per_million_tokens must not be negative"))
	}

	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported (postgres, mysql, sqlite)", c.Database.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

// =============================================================================
// 🔁 转换为组件配置
// =============================================================================

// QueueOptions 转换为 queue.Config
func (c QueueConfig) QueueOptions() queue.Config {
	qc := queue.DefaultConfig()
	qc.MaxResources = queue.Resources{CPU: c.MaxCPU, Memory: c.MaxMemory, GPU: c.MaxGPU}
	qc.RetryLimit = c.RetryLimit
	qc.BaseBackoff = c.BaseBackoff
	qc.MaxBackoff = c.MaxBackoff
	qc.AdmissionTimeout = c.AdmissionTimeout
	qc.PriorityDecay = c.PriorityDecay
	qc.Workers = c.Workers
	return qc
}

// HistoryOptions 转换为 history.Config
func (c HistoryConfig) HistoryOptions() history.Config {
	return history.Config{MaxRecords: c.MaxRecords}
}

// RegistryOptions 转换为 runs.Config
func (c RegistryConfig) RegistryOptions() runs.Config {
	return runs.Config{
		Retention:       c.Retention,
		CleanupInterval: c.CleanupInterval,
		MaxLogs:         c.MaxLogs,
	}
}

// BreakerOptions 转换为 workflow.CircuitBreakerConfig
func (c BreakerConfig) BreakerOptions() workflow.CircuitBreakerConfig {
	return workflow.CircuitBreakerConfig{
		FailureThreshold:           c.FailureThreshold,
		RecoveryTimeout:            c.RecoveryTimeout,
		HalfOpenMaxProbes:          c.HalfOpenMaxProbes,
		SuccessThresholdInHalfOpen: c.SuccessThreshold,
	}
}

// CacheOptions 转换为 cache.Config，ttl 为镜像快照的默认过期时间
func (c RedisConfig) CacheOptions(ttl time.Duration) cache.Config {
	cc := cache.DefaultConfig()
	cc.Addr = c.Addr
	cc.Password = c.Password
	cc.DB = c.DB
	cc.PoolSize = c.PoolSize
	cc.MinIdleConns = c.MinIdleConns
	cc.TLS = c.TLS
	if c.KeyPrefix != "" {
		cc.KeyPrefix = c.KeyPrefix
	}
	cc.DefaultTTL = ttl
	return cc
}

// DSN 返回 gorm 使用的数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
