// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/tlsutil"
)

// =============================================================================
// 💾 缓存管理器
// =============================================================================

var (
	// ErrCacheMiss 缓存未命中
	ErrCacheMiss = errors.New("cache miss")
	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("cache manager is closed")
)

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Config 缓存配置
type Config struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`

	// 所有键的公共前缀，多个部署共用一个 Redis 时用于隔离
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// 写入时 ttl 为 0 所使用的过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	MaxRetries   int `yaml:"max_retries" json:"max_retries"`
	PoolSize     int `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 是否启用 TLS（使用 tlsutil 的加固配置）
	TLS bool `yaml:"tls" json:"tls"`

	// 后台探活间隔，0 表示不探活
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		KeyPrefix:           "swarmflow:",
		DefaultTTL:          5 * time.Minute,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

func (c Config) redisOptions() *redis.Options {
	opts := &redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		MaxRetries:   c.MaxRetries,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
	if c.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	return opts
}

// Manager 缓存管理器。所有键都会加上 Config.KeyPrefix。
type Manager struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	healthy atomic.Bool

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// NewManager 创建缓存管理器，连接失败时返回错误
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(config.redisOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", config.Addr, err)
	}

	m := &Manager{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.healthy.Store(true)

	if config.HealthCheckInterval > 0 {
		go m.probe(config.HealthCheckInterval)
	} else {
		close(m.done)
	}

	m.logger.Info("cache manager initialized",
		zap.String("addr", config.Addr),
		zap.String("key_prefix", config.KeyPrefix),
		zap.Bool("tls", config.TLS),
	)
	return m, nil
}

// Key 返回带前缀的完整键
func (m *Manager) Key(key string) string {
	return m.config.KeyPrefix + key
}

// do 在管理器未关闭时执行 fn
func (m *Manager) do(fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn()
}

// =============================================================================
// 🎯 读写
// =============================================================================

// Get 读取原始值；不存在时返回 ErrCacheMiss
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := m.do(func() error {
		b, err := m.client.Get(ctx, m.Key(key)).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			return ErrCacheMiss
		case err != nil:
			m.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("cache get %s: %w", key, err)
		}
		val = b
		return nil
	})
	return val, err
}

// Set 写入原始值，ttl 为 0 时使用 DefaultTTL
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	return m.do(func() error {
		if err := m.client.Set(ctx, m.Key(key), value, ttl).Err(); err != nil {
			m.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("cache set %s: %w", key, err)
		}
		return nil
	})
}

// GetJSON 读取并解码 JSON 值
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

// SetJSON 编码为 JSON 后写入
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s for cache: %w", key, err)
	}
	return m.Set(ctx, key, data, ttl)
}

// TTL 返回键的剩余存活时间；不存在时返回 ErrCacheMiss
func (m *Manager) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := m.do(func() error {
		d, err := m.client.TTL(ctx, m.Key(key)).Result()
		if err != nil {
			return fmt.Errorf("cache ttl %s: %w", key, err)
		}
		// Redis 对不存在的键返回 -2
		if d == -2 {
			return ErrCacheMiss
		}
		ttl = d
		return nil
	})
	return ttl, err
}

// Delete 删除若干键
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = m.Key(k)
	}
	return m.do(func() error {
		if err := m.client.Del(ctx, full...).Err(); err != nil {
			m.logger.Warn("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
			return fmt.Errorf("cache delete: %w", err)
		}
		return nil
	})
}

// =============================================================================
// 🏥 健康状态与生命周期
// =============================================================================

// Ping 检查 Redis 连接，供 /ready 使用
func (m *Manager) Ping(ctx context.Context) error {
	return m.do(func() error {
		return m.client.Ping(ctx).Err()
	})
}

// Healthy 返回最近一次探活结果
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed && m.healthy.Load()
}

// Close 停止探活并关闭连接，可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	<-m.done
	m.logger.Info("cache manager closed")
	return m.client.Close()
}

func (m *Manager) probe(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := m.client.Ping(ctx).Err()
		cancel()

		was := m.healthy.Swap(err == nil)
		switch {
		case err != nil && was:
			m.logger.Error("redis became unreachable", zap.Error(err))
		case err == nil && !was:
			m.logger.Info("redis connection recovered")
		}
	}
}
