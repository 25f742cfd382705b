package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/internal/metrics"
	"github.com/BaSui01/agentmem/internal/server"
	"github.com/BaSui01/agentmem/internal/telemetry"
	"github.com/BaSui01/agentmem/service"
	"github.com/BaSui01/agentmem/types"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, envKeys, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agentmem",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Strings("env_overrides", envKeys),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, telemetry.Options{
		Version:        Version,
		StorageBackend: cfg.Storage.Backend,
	}, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry, tracing disabled", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	var (
		collector *metrics.Collector
		gatherer  prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(cfg.Metrics.Namespace, reg, logger)
		gatherer = reg
	}

	svc := service.New(
		service.WithLogger(logger),
		service.WithMetrics(collector),
		service.WithTracerProvider(otelProviders.TracerProvider()),
		service.WithMeterProvider(otelProviders.MeterProvider()),
	)

	ctx, cancel := commandContext()
	defer cancel()

	if err := svc.Initialize(ctx, cfg); err != nil {
		return fmt.Errorf("initialize memory service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("memory service close failed", zap.Error(err))
		}
	}()

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Metrics.ListenAddr
	if cfg.Service.HealthTimeout > 0 {
		srvCfg.WriteTimeout = cfg.Service.HealthTimeout + 5*time.Second
	}
	ops := server.New(server.NewOpsHandler(svc, gatherer, logger), srvCfg, logger)
	if err := ops.Run(ctx); err != nil {
		return err
	}
	logger.Info("agentmem stopped")
	return nil
}

// =============================================================================
// 🏥 health 命令
// =============================================================================

func runHealth(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	addr := fs.String("addr", "", "Query a running server (e.g. http://localhost:9091)")
	timeout := fs.Duration("timeout", 10*time.Second, "Overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	var status types.HealthStatus
	if *addr != "" {
		s, err := remoteHealth(ctx, *addr)
		if err != nil {
			return err
		}
		status = s
	} else {
		svc, logger, err := openService(ctx, *configPath)
		if err != nil {
			return err
		}
		defer func() {
			_ = svc.Close()
			_ = logger.Sync()
		}()
		status = svc.CheckHealth(ctx)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return err
	}
	if status.Overall == types.HealthUnhealthy {
		return &exitError{code: 2}
	}
	return nil
}

// remoteHealth 读取运行中服务的 /healthz，503 时仍解析报告
func remoteHealth(ctx context.Context, addr string) (types.HealthStatus, error) {
	var status types.HealthStatus

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/healthz", nil)
	if err != nil {
		return status, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return status, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return status, fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode health report: %w", err)
	}
	return status, nil
}

// =============================================================================
// 🧹 cleanup 命令
// =============================================================================

func runCleanup(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	svc, logger, err := openService(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close()
		_ = logger.Sync()
	}()

	n, err := svc.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Fprintf(stdout, "Removed %d expired item(s)\n", n)
	return nil
}

// openService 为一次性命令创建服务：关闭后台清理，日志写到 stderr
func openService(ctx context.Context, configPath string) (*service.MemoryService, *zap.Logger, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Service.CleanupInterval = 0

	logCfg := cfg.Log
	logCfg.OutputPaths = []string{"stderr"}
	logger := initLogger(logCfg)

	svc := service.New(service.WithLogger(logger))
	if err := svc.Initialize(ctx, cfg); err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("initialize memory service: %w", err)
	}
	return svc, logger, nil
}
