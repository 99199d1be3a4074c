package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/oms/internal/platform/config"
)

const instrumentationScope = "github.com/hanko-field/oms"

// Telemetry owns the OTLP trace and log pipelines. With no endpoint configured only the
// propagators are installed and every provider stays the global no-op.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
	shutdown       []func(context.Context) error
}

// SetupTelemetry installs W3C propagation and, when an endpoint is set, OTLP/HTTP exporters
// for spans and logs.
func SetupTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Telemetry{}
	if cfg.OTLPEndpoint == "" {
		return t, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	logOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(t.tracerProvider)
	t.shutdown = append(t.shutdown, t.tracerProvider.Shutdown)

	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("observability: log exporter: %w", err), t.Shutdown(ctx))
	}
	t.loggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	global.SetLoggerProvider(t.loggerProvider)
	t.shutdown = append(t.shutdown, t.loggerProvider.Shutdown)

	return t, nil
}

// LogCore returns a zap core exporting entries over OTLP, or nil when export is disabled.
func (t *Telemetry) LogCore() zapcore.Core {
	if t == nil || t.loggerProvider == nil {
		return nil
	}
	return otelzap.NewCore(instrumentationScope, otelzap.WithLoggerProvider(t.loggerProvider))
}

// Shutdown flushes and stops every pipeline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		err = errors.Join(err, t.shutdown[i](ctx))
	}
	t.shutdown = nil
	return err
}
