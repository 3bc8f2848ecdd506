// Package otel instruments esimflow with OpenTelemetry: provider setup, an
// instrumented database handle and tracing decorators for the ports.
package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Exporter selects where telemetry goes.
type Exporter string

const (
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
	ExporterNone   Exporter = "none"
)

// Config holds OpenTelemetry provider configuration.
type Config struct {
	ServiceName    string   `env:"OTEL_SERVICE_NAME" envDefault:"esimflow"`
	ServiceVersion string   `env:"OTEL_SERVICE_VERSION" envDefault:"0.1.0"`
	Environment    string   `env:"OTEL_ENVIRONMENT" envDefault:"development"`
	Exporter       Exporter `env:"OTEL_EXPORTER" envDefault:"stdout"`
	// Insecure uses HTTP instead of HTTPS for OTLP. Always on in development.
	Insecure bool `env:"OTEL_INSECURE"`
	// SampleRatio is the fraction of new traces recorded; child spans follow
	// their parent's decision.
	SampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// ConfigFromEnv builds Config from OTEL_* environment variables.
func ConfigFromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parsing otel config: %w", err)
	}
	if cfg.Environment == "development" {
		cfg.Insecure = true
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return Config{}, fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1], got %v", cfg.SampleRatio)
	}
	return cfg, nil
}

// Providers holds the installed providers. Shutdown flushes pending
// telemetry and must be called on exit.
type Providers struct {
	Shutdown func(ctx context.Context) error
}

// Setup installs global tracer and meter providers for cfg. ExporterNone
// leaves the no-op globals in place.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.Exporter == ExporterNone {
		return &Providers{Shutdown: func(context.Context) error { return nil }}, nil
	}

	spans, readings, err := newExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otel resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(spans),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(readings)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Providers{Shutdown: func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}}, nil
}

func newExporters(ctx context.Context, cfg Config) (trace.SpanExporter, metric.Exporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("creating span exporter: %w", err)
		}
		readings, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		return spans, readings, nil

	case ExporterOTLP:
		var (
			traceOpts  []otlptracehttp.Option
			metricOpts []otlpmetrichttp.Option
		)
		if cfg.Insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		spans, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("creating span exporter: %w", err)
		}
		readings, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		return spans, readings, nil
	}

	return nil, nil, fmt.Errorf("unsupported exporter %q (use %q, %q or %q)",
		cfg.Exporter, ExporterStdout, ExporterOTLP, ExporterNone)
}
