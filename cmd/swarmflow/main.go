// =============================================================================
// SwarmFlow 主入口
// =============================================================================
// 工作流执行服务入口点，包含 HTTP API、websocket 事件推送、Prometheus 指标
//
// 使用方法:
//
//	swarmflow serve                                 # 启动服务
//	swarmflow serve --config config.yaml            # 指定配置文件
//	swarmflow run --workflow flow.yaml --continue   # 本地执行一次工作流
//	swarmflow validate --workflow flow.json         # 校验工作流定义
//	swarmflow migrate up                            # 运行数据库迁移
//	swarmflow version                               # 显示版本信息
//	swarmflow health                                # 健康检查
// =============================================================================

// @title SwarmFlow API
// @version 1.0.0
// @description SwarmFlow executes agent workflows described as directed acyclic graphs.
// @description
// @description ## Features
// @description - Agent, Condition, Parallel and Loop nodes
// @description - Resource-aware task queue with retries and backoff
// @description - Run registry with websocket event feed
// @description - Execution history, analytics and CSV export

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/internal/tlsutil"
	"github.com/BaSui01/swarmflow/workflow"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// exitError 携带退出码；run 命令用它区分失败与取消
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "run":
		err = runWorkflow(os.Args[2:], os.Stdout)
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "migrate":
		err = runMigrate(os.Args[2:], os.Stdout)
	case "version":
		printVersion(os.Stdout)
	case "health":
		err = runHealthCheck(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger, level := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting SwarmFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(cfg, *configPath, logger, level)
	if err := srv.Start(ctx); err != nil {
		srv.Shutdown(context.Background())
		return err
	}

	runErr := srv.Run(ctx)
	if runErr != nil {
		logger.Error("server exited unexpectedly", zap.Error(runErr))
	} else {
		logger.Info("received shutdown signal")
	}
	srv.Shutdown(context.Background())

	logger.Info("SwarmFlow stopped")
	return runErr
}

// =============================================================================
// ▶️ run 命令
// =============================================================================

// runWorkflow 用配置好的 invoker 在本地执行一次工作流，打印最终结果（JSON）。
// 运行失败退出码为 1，被取消（Ctrl-C）为 130。
func runWorkflow(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	workflowPath := fs.String("workflow", "", "Path to workflow definition (.json, .yaml)")
	continueOnError := fs.Bool("continue", false, "Keep running independent branches after a node fails")
	vars := fs.String("vars", "", "Initial run variables as a JSON object")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflowPath == "" {
		return errors.New("--workflow is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, _ := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	g, err := workflow.LoadFile(*workflowPath)
	if err != nil {
		return err
	}

	opts := workflow.RunOptions{}
	if *continueOnError {
		opts.ErrorHandling = workflow.ErrorHandlingContinue
	}
	if *vars != "" {
		if err := json.Unmarshal([]byte(*vars), &opts.Variables); err != nil {
			return fmt.Errorf("invalid --vars: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Engine.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Engine.RunTimeout)
		defer cancel()
	}

	rt, err := newRuntime(ctx, cfg, logger, metrics.NewCollector("swarmflow", logger))
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	result, err := rt.engine.Run(ctx, g, opts)
	if err != nil {
		return err
	}
	return printResult(out, result)
}

// printResult 输出运行结果并把终态映射为退出码
func printResult(out io.Writer, result *workflow.RunResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	switch result.Status {
	case workflow.RunFailed:
		return &exitError{code: 1, err: fmt.Errorf("run %s failed: %s", result.RunID, result.Error)}
	case workflow.RunCancelled:
		return &exitError{code: 130, err: fmt.Errorf("run %s cancelled", result.RunID)}
	}
	return nil
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	workflowPath := fs.String("workflow", "", "Path to workflow definition (.json, .yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflowPath == "" {
		return errors.New("--workflow is required")
	}

	g, err := workflow.LoadFile(*workflowPath)
	if err != nil {
		var ve *workflow.ValidationError
		if errors.As(err, &ve) {
			fmt.Fprintln(out, "INVALID")
			for _, msg := range ve.Messages {
				fmt.Fprintf(out, "  - %s\n", msg)
			}
		}
		return err
	}

	order, err := workflow.TopologicalOrder(g)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "VALID")
	fmt.Fprintf(out, "  nodes:     %d\n", g.Len())
	fmt.Fprintf(out, "  edges:     %d\n", len(g.Edges()))
	fmt.Fprintf(out, "  order:     %s\n", strings.Join(order, " -> "))
	fmt.Fprintf(out, "  estimated: %s\n", workflow.EstimateExecutionTime(g))
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := tlsutil.SecureHTTPClient(5 * time.Second)
	resp, err := client.Get(strings.TrimRight(*addr, "/") + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "SwarmFlow %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `SwarmFlow - Workflow Execution Engine

Usage:
  swarmflow <command> [options]

Commands:
  serve     Start the SwarmFlow server
  run       Execute a workflow definition locally
  validate  Validate a workflow definition
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>     Path to configuration file (YAML)

Options for 'run':
  --config <path>     Path to configuration file (YAML)
  --workflow <path>   Workflow definition (.json, .yaml, .yml)
  --continue          Continue independent branches after a node fails
  --vars <json>       Initial run variables, e.g. '{"repo":"demo"}'

Examples:
  swarmflow serve --config /etc/swarmflow/config.yaml
  swarmflow run --workflow build.yaml --continue
  swarmflow validate --workflow build.json
  swarmflow migrate up
  swarmflow health --addr http://localhost:8080
  swarmflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 按配置构建 logger，返回的 AtomicLevel 供配置热重载调整级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atom := zap.NewAtomicLevelAt(level)

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             atom,
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger.With(zap.String("service", "swarmflow")), atom
}
