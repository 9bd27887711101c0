package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/swarmflow/api/handlers"
	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/internal/server"
	"github.com/BaSui01/swarmflow/internal/telemetry"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 SwarmFlow 的主服务器：API 端口、/metrics 端口与后台任务
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	collector *metrics.Collector
	telemetry *telemetry.Providers
	rt        *runtime

	runHandler *handlers.RunHandler
	feed       *handlers.FeedHandler

	httpManager    *server.Manager
	metricsManager *server.Manager
	reloader       *config.Reloader

	// baseCtx 是运行与后台任务的父 context，Shutdown 最后取消
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer 创建服务器；level 为 initLogger 返回的动态日志级别
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 装配组件并启动两个 HTTP 服务器（非阻塞）
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	providers, err := telemetry.Init(s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	if s.collector == nil {
		s.collector = metrics.NewCollector("swarmflow", s.logger)
	}

	s.rt, err = newRuntime(ctx, s.cfg, s.logger, s.collector)
	if err != nil {
		return fmt.Errorf("failed to init runtime: %w", err)
	}
	s.rt.registry.StartCleanup(s.baseCtx)

	if err := s.startReloader(); err != nil {
		return fmt.Errorf("failed to init config reloader: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.Bool("hot_reload_enabled", s.reloader != nil),
	)
	return nil
}

// Handler 构建带中间件链的 API 路由
func (s *Server) Handler() http.Handler {
	cfg := s.cfg
	verifier := handlers.NewTokenVerifier(cfg.Server.JWT.Secret, cfg.Server.JWT.Issuer, cfg.Server.JWT.Audience)

	health := handlers.NewHealthHandler(s.logger)
	health.SetVersion(Version)
	health.RegisterCheck(handlers.NewQueueHealthCheck(func() bool { return s.rt.queue.Status().Closed }))
	if s.rt.db != nil {
		health.RegisterCheck(handlers.NewDatabaseHealthCheck(s.rt.db.Ping))
	}
	if s.rt.cache != nil {
		health.RegisterCheck(handlers.NewRedisHealthCheck(s.rt.cache.Ping))
	}

	s.runHandler = handlers.NewRunHandler(s.baseCtx, s.rt.engine, s.rt.registry, s.rt.artifacts, s.logger)
	s.runHandler.SetRunTimeout(cfg.Engine.RunTimeout)

	var feedOpts []handlers.FeedOption
	if len(cfg.Server.WSOriginPatterns) > 0 {
		feedOpts = append(feedOpts, handlers.WithOriginPatterns(cfg.Server.WSOriginPatterns...))
	}
	s.feed = handlers.NewFeedHandler(s.rt.registry, verifier, s.logger, feedOpts...)

	api := &handlers.API{
		Health:    health,
		Workflows: handlers.NewWorkflowHandler(s.logger),
		Runs:      s.runHandler,
		Artifacts: handlers.NewArtifactHandler(s.rt.artifacts, s.logger),
		Analytics: handlers.NewAnalyticsHandler(s.rt.history, s.logger),
		Feed:      s.feed,
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}
	mux := http.NewServeMux()
	api.Register(mux)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		CORS(cfg.Server.CORSAllowedOrigins),
		RateLimiter(s.baseCtx, float64(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst, s.logger),
		Authenticate(cfg.Server.APIKeys, verifier, handlers.PublicPaths, cfg.Server.AllowQueryAPIKey, s.logger),
		MetricsMiddleware(s.collector),
	)
}

// startHTTPServer 启动 API 服务器；配置了证书时使用 HTTPS
func (s *Server) startHTTPServer() error {
	sc := s.cfg.Server
	s.httpManager = server.NewManager(s.Handler(), server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
		TLSCertFile:     sc.TLSCertFile,
		TLSKeyFile:      sc.TLSKeyFile,
	}, s.logger)
	return s.httpManager.Start()
}

// startMetricsServer 在独立端口暴露 /metrics
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	sc := s.cfg.Server
	s.metricsManager = server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", sc.MetricsPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		ShutdownTimeout: sc.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// startReloader 监听配置文件；仅 log.level 在运行时生效
func (s *Server) startReloader() error {
	if s.configPath == "" {
		return nil
	}
	s.reloader = config.NewReloader(s.configPath, s.cfg, config.WithReloadLogger(s.logger))
	s.reloader.OnReload(func(oldCfg, newCfg *config.Config, _ []config.Change) error {
		if oldCfg.Log.Level == newCfg.Log.Level {
			return nil
		}
		level, err := zapcore.ParseLevel(newCfg.Log.Level)
		if err != nil {
			return err
		}
		s.level.SetLevel(level)
		s.logger.Info("log level changed", zap.String("level", level.String()))
		return nil
	})
	go s.reloader.Run(s.baseCtx)
	return nil
}

// =============================================================================
// 🛑 运行与关闭
// =============================================================================

// Run 阻塞直到 ctx 结束（收到信号）或任一服务器异常退出
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.httpManager.Errors():
		return err
	case err := <-s.metricsManager.Errors():
		return err
	}
}

// Shutdown 优雅关闭：停止接收请求 → 断开 websocket → 等待运行结束 →
// 释放组件 → 关闭 metrics 端口 → 刷新遥测
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("Starting graceful shutdown...")
	timeout := s.cfg.Server.ShutdownTimeout

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.feed != nil {
		s.feed.Close()
	}

	if s.runHandler != nil && !s.waitRuns(timeout) {
		s.logger.Warn("runs still active after shutdown timeout, cancelling", zap.Duration("timeout", timeout))
	}
	if s.cancelBase != nil {
		s.cancelBase()
	}
	if s.runHandler != nil {
		s.runHandler.Wait()
	}

	if s.rt != nil {
		s.rt.close(ctx)
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.telemetry != nil {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.telemetry.Shutdown(tctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// waitRuns 等待进行中的运行结束，超时返回 false
func (s *Server) waitRuns(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	done := make(chan struct{})
	go func() {
		s.runHandler.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
