// Package telemetry wires OpenTelemetry into the pipeline commands.
//
// Everything is off unless WL_OTEL=true; the disabled path installs
// no-op providers and costs nothing at the call sites. With telemetry
// on, exporters are picked from the environment:
//
//	WL_OTEL_STDOUT=true                      pretty-print to stderr (dev runs)
//	OTEL_EXPORTER_OTLP_ENDPOINT=host:4317    OTLP over gRPC (collector, Tempo, ...)
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT=...  metrics-only endpoint override
//
// Enabled with neither configured falls back to stdout so a one-off
// WL_OTEL=true run always produces something to look at.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/waitline/waitline"

// Metric reader cadence. Stdout reads faster so dev runs see output
// before the process exits; the collector path batches more.
const (
	stdoutReadInterval = 15 * time.Second
	otlpReadInterval   = 30 * time.Second
)

// exportConfig is the environment's answer to "where do spans and
// metrics go", resolved once per Init.
type exportConfig struct {
	stdout         bool
	endpoint       string // traces and, absent an override, metrics
	metricEndpoint string
}

func readExportConfig() exportConfig {
	cfg := exportConfig{
		stdout:         os.Getenv("WL_OTEL_STDOUT") == "true",
		endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		metricEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
	}
	if cfg.metricEndpoint == "" {
		cfg.metricEndpoint = cfg.endpoint
	}
	if !cfg.stdout && cfg.endpoint == "" {
		cfg.stdout = true
	}
	return cfg
}

var shutdown struct {
	mu  sync.Mutex
	fns []func(context.Context) error
}

// Enabled reports whether telemetry is active (WL_OTEL=true).
func Enabled() bool {
	return os.Getenv("WL_OTEL") == "true"
}

// Init installs the global tracer and meter providers. Disabled runs get
// no-op providers and return immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	cfg := readExportConfig()

	tp, err := newTraceProvider(ctx, cfg, res)
	if err != nil {
		return fmt.Errorf("telemetry: traces: %w", err)
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return fmt.Errorf("telemetry: metrics: %w", err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	shutdown.mu.Lock()
	shutdown.fns = append(shutdown.fns, tp.Shutdown, mp.Shutdown)
	shutdown.mu.Unlock()
	return nil
}

func newTraceProvider(ctx context.Context, cfg exportConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if cfg.stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	if cfg.endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, cfg exportConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(stdoutReadInterval)),
		))
	}
	if cfg.metricEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.metricEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(otlpReadInterval)),
		))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns a tracer for the named scope, or the module scope.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter for the named scope, or the module scope.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops the installed providers. Deferred by the
// root command with a short-lived context.
func Shutdown(ctx context.Context) {
	shutdown.mu.Lock()
	fns := shutdown.fns
	shutdown.fns = nil
	shutdown.mu.Unlock()
	for _, fn := range fns {
		_ = fn(ctx)
	}
}
