// =============================================================================
// agentmem OpenTelemetry SDK 初始化
// =============================================================================
// trace 与 metric 经 OTLP gRPC 导出。禁用时不创建任何导出器，
// TracerProvider() 与 MeterProvider() 返回 noop 实现，调用方无需判空。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc/credentials"

	"github.com/BaSui01/agentmem/config"
	"github.com/BaSui01/agentmem/internal/tlsutil"
)

// Providers SDK 的 TracerProvider 与 MeterProvider，禁用时均为 nil
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Options 写入资源属性的运行信息
type Options struct {
	// 空时取构建信息
	Version        string
	StorageBackend string
}

// Init 创建导出器并注册为全局 provider，cfg.Enabled 为 false 时返回 noop Providers
func Init(cfg config.TelemetryConfig, opts Options, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))

	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}
	if cfg.OTLPEndpoint == "" {
		return nil, errors.New("telemetry enabled but otlp_endpoint is empty")
	}
	if opts.Version == "" {
		opts.Version = buildVersion()
	}

	ctx := context.Background()
	res, err := newResource(ctx, cfg.ServiceName, opts)
	if err != nil {
		return nil, err
	}
	traceOpts, metricOpts, err := exporterOptions(cfg)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p := &Providers{
		// 父 span 已有采样决定时跟随父，根 span 按比例采样
		tp: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
			sdkmetric.WithResource(res),
		),
	}
	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.String("version", opts.Version),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Bool("tls", cfg.TLS.Enabled),
	)
	return p, nil
}

func newResource(ctx context.Context, serviceName string, opts Options) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(opts.Version),
	}
	if opts.StorageBackend != "" {
		attrs = append(attrs, attribute.String("agentmem.storage_backend", opts.StorageBackend))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

// exporterOptions trace 与 metric 导出器共用端点和传输安全设置
func exporterOptions(cfg config.TelemetryConfig) ([]otlptracegrpc.Option, []otlpmetricgrpc.Option, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}

	tlsCfg, err := tlsutil.Build(tlsutil.Options{
		Enabled:            cfg.TLS.Enabled,
		CAFile:             cfg.TLS.CAFile,
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("otlp tls: %w", err)
	}
	if tlsCfg == nil {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	} else {
		creds := credentials.NewTLS(tlsCfg)
		traceOpts = append(traceOpts, otlptracegrpc.WithTLSCredentials(creds))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTLSCredentials(creds))
	}
	return traceOpts, metricOpts, nil
}

// Enabled 是否创建了真实的导出器
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// TracerProvider 注入 service 的 TracerProvider，禁用时为 noop
func (p *Providers) TracerProvider() trace.TracerProvider {
	if !p.Enabled() {
		return noop.NewTracerProvider()
	}
	return p.tp
}

// MeterProvider 注入 service 的 MeterProvider，禁用时为 noop
func (p *Providers) MeterProvider() metric.MeterProvider {
	if !p.Enabled() {
		return metricnoop.NewMeterProvider()
	}
	return p.mp
}

// Shutdown 刷新未导出的数据并关闭导出器，对 nil 与 noop Providers 安全
func (p *Providers) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	var errs []error
	if err := p.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
	}
	return errors.Join(errs...)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
