// =============================================================================
// agentmem 主入口
// =============================================================================
// 记忆核心的运维入口：常驻服务、健康检查、过期清理与数据库迁移
//
// 使用方法:
//
//	agentmem serve                       # 启动服务（运维端口 + 后台清理）
//	agentmem serve --config config.yaml  # 指定配置文件
//	agentmem health                      # 按配置直连各后端做一次健康检查
//	agentmem health --addr http://localhost:9091
//	agentmem cleanup                     # 删除所有层级的过期条目
//	agentmem migrate up                  # 运行数据库迁移
//	agentmem version                     # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentmem/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// exitError 携带退出码，消息已输出时 msg 为空
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 分派子命令并返回退出码
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(args[1:], stderr)
	case "health":
		err = runHealth(args[1:], stdout)
	case "cleanup":
		err = runCleanup(args[1:], stdout)
	case "migrate":
		err = runMigrate(args[1:], stdout)
	case "version":
		printVersion(stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}

	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(stderr, ee.msg)
		}
		return ee.code
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "agentmem %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `agentmem - tiered memory core for AI assistants

Usage:
  agentmem <command> [options]

Commands:
  serve     Run the memory service with health and metrics endpoints
  health    Check component health and print the JSON report
  cleanup   Delete expired items from every tier
  migrate   Database migration commands
  version   Show version information
  help      Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)

Options for 'health':
  --addr <url>      Query a running server instead of connecting directly

Examples:
  agentmem serve --config /etc/agentmem/config.yaml
  agentmem health
  agentmem health --addr http://localhost:9091
  agentmem cleanup
  agentmem migrate up
  agentmem migrate status
  agentmem version`)
}

// =============================================================================
// 🔧 配置与日志
// =============================================================================

// loadConfig 默认值 → YAML → AGENTMEM_* 环境变量，加载后校验
// 第二个返回值是实际生效的环境变量名
func loadConfig(path string) (*config.Config, []string, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, loader.AppliedEnv(), nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

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
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
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
		logger, _ = zap.NewProduction()
	}
	return logger
}

// commandContext 子命令共用的 context，收到中断信号时取消
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
