package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/integrations/agenthttp"
	"github.com/BaSui01/swarmflow/integrations/github"
	"github.com/BaSui01/swarmflow/internal/cache"
	"github.com/BaSui01/swarmflow/internal/database"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/internal/tlsutil"
	"github.com/BaSui01/swarmflow/workflow"
	"github.com/BaSui01/swarmflow/workflow/artifacts"
	"github.com/BaSui01/swarmflow/workflow/history"
	"github.com/BaSui01/swarmflow/workflow/queue"
	"github.com/BaSui01/swarmflow/workflow/runs"
)

// =============================================================================
// 🧩 运行时组件装配
// =============================================================================

// runtime 持有 serve 与 run 命令共用的组件
type runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector

	queue     *queue.Queue
	engine    *workflow.Engine
	history   *history.History
	registry  *runs.Registry
	artifacts *artifacts.Manager

	// 可选组件，未配置时为 nil
	db    *database.PoolManager
	cache *cache.Manager
}

// newRuntime 按配置装配队列、历史、注册表、产物存储与引擎。
// 可选依赖（数据库、Redis）连接失败时返回错误，不静默降级。
func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, collector *metrics.Collector) (_ *runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &runtime{cfg: cfg, logger: logger, collector: collector}
	defer func() {
		if err != nil {
			rt.close(context.Background())
		}
	}()

	rt.queue = queue.New(cfg.Queue.QueueOptions(), logger, queue.WithMetrics(collector))

	if err := rt.openHistory(ctx); err != nil {
		return nil, err
	}
	if err := rt.openRegistry(ctx); err != nil {
		return nil, err
	}

	rt.artifacts, err = artifacts.Open(ctx, cfg.Artifacts, logger)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	errorHandling, err := workflow.ParseErrorHandling(cfg.Engine.ErrorHandling)
	if err != nil {
		return nil, err
	}

	breakers := workflow.NewCircuitBreakerRegistry(cfg.Engine.Breaker.BreakerOptions(), func(ev workflow.CircuitBreakerEvent) {
		collector.RecordBreakerTransition(ev.AgentID, ev.OldState.String(), ev.NewState.String())
	}, logger)

	opts := []workflow.EngineOption{
		workflow.WithLogger(logger),
		workflow.WithQueue(rt.queue),
		workflow.WithInvoker(agenthttp.New(cfg.Agent, logger)),
		workflow.WithHistory(rt.history),
		workflow.WithArtifacts(rt.artifacts),
		workflow.WithObserver(rt.registry),
		workflow.WithMetrics(collector),
		workflow.WithBreakers(breakers),
		workflow.WithDefaultErrorHandling(errorHandling),
		workflow.WithDefaultPriority(cfg.Engine.DefaultPriority),
	}
	if cfg.GitHub.Enabled() {
		client := tlsutil.SecureHTTPClient(cfg.GitHub.Timeout)
		opts = append(opts, workflow.WithRepositoryWriter(github.New(cfg.GitHub, client, logger)))
		logger.Info("github repository writer enabled", zap.String("repo", cfg.GitHub.Owner+"/"+cfg.GitHub.Repo))
	}
	rt.engine = workflow.NewEngine(opts...)
	return rt, nil
}

// openHistory 创建历史记录；history.persist 开启时挂载 gorm 存储并回放已有记录
func (rt *runtime) openHistory(ctx context.Context) error {
	cfg := rt.cfg
	var opts []history.Option
	if cfg.History.Persist {
		if cfg.Database.Driver == "" {
			return errors.New("history.persist requires database.driver")
		}
		poolCfg := database.DefaultPoolConfig()
		poolCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		poolCfg.MaxIdleConns = cfg.Database.MaxIdleConns
		poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		poolCfg.HealthCheckInterval = 15 * time.Second
		poolCfg.OnStats = func(driver string, s sql.DBStats) {
			rt.collector.RecordDBConnections(driver, s.OpenConnections, s.Idle)
		}

		pm, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), poolCfg, rt.logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		rt.db = pm

		store := history.NewGormStore(pm.DB(), rt.logger)
		if err := store.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("migrate history store: %w", err)
		}
		opts = append(opts, history.WithStore(store))
	}

	rt.history = history.New(cfg.History.HistoryOptions(), rt.logger, opts...)
	if cfg.History.Persist {
		if err := rt.history.Load(ctx); err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		rt.logger.Info("history restored", zap.Int("records", rt.history.Len()))
	}
	return nil
}

// openRegistry 创建运行注册表与事件广播；registry.mirror 开启时连接 Redis
func (rt *runtime) openRegistry(ctx context.Context) error {
	cfg := rt.cfg
	opts := []runs.Option{runs.WithBroadcaster(runs.NewBroadcaster(rt.collector, rt.logger))}

	if cfg.Registry.Mirror {
		cm, err := cache.NewManager(cfg.Redis.CacheOptions(cfg.Registry.MirrorTTL), rt.logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		rt.cache = cm
		opts = append(opts, runs.WithMirror(&meteredMirror{
			next:    cache.NewRunCache(cm, cfg.Registry.MirrorTTL),
			metrics: rt.collector,
		}))
	}

	rt.registry = runs.NewRegistry(cfg.Registry.RegistryOptions(), rt.logger, opts...)
	return nil
}

// close 按依赖倒序释放组件
func (rt *runtime) close(ctx context.Context) {
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.queue != nil {
		rt.queue.Close()
	}
	if rt.registry != nil {
		if b := rt.registry.Broadcaster(); b != nil {
			b.Close()
		}
	}
	if rt.artifacts != nil {
		if err := rt.artifacts.Close(); err != nil {
			rt.logger.Warn("artifact store close failed", zap.Error(err))
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn("database close failed", zap.Error(err))
		}
	}
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			rt.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

// =============================================================================
// 📊 带指标的注册表镜像
// =============================================================================

// meteredMirror 记录镜像读取的命中与未命中
type meteredMirror struct {
	next    runs.Mirror
	metrics *metrics.Collector
}

func (m *meteredMirror) Put(ctx context.Context, runID string, v any) error {
	return m.next.Put(ctx, runID, v)
}

func (m *meteredMirror) Fetch(ctx context.Context, runID string, dest any) (bool, error) {
	ok, err := m.next.Fetch(ctx, runID, dest)
	if err != nil {
		return false, err
	}
	if ok {
		m.metrics.RecordCacheHit("run_mirror")
	} else {
		m.metrics.RecordCacheMiss("run_mirror")
	}
	return ok, nil
}
