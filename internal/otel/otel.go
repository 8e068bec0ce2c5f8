// Package otel installs the OpenTelemetry trace and meter providers used
// by the coordinator, the engines and the webhook handler.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/selfrunner/internal/buildinfo"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled controls whether OTLP push (traces + metrics) is active.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool

	// Prometheus enables a Prometheus metric reader registered with the
	// default registry; startserver serves it on /metrics.
	Prometheus bool

	// MetricsInterval is the push interval of the OTLP and stdout metric
	// readers.  Default: 10s.
	MetricsInterval time.Duration
}

// SetupOTelSDK installs the global providers for serviceName and returns a
// shutdown function that flushes and stops them.
//
// Traces are exported only when cfg.Enabled is set.  A meter provider is
// installed when cfg.Enabled or cfg.Prometheus is set; otherwise the
// global no-op providers stay in place and instrumentation costs nothing.
func SetupOTelSDK(ctx context.Context, serviceName string, cfg Config) (func(context.Context) error, error) {
	var closers []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range closers {
			err = errors.Join(err, fn(ctx))
		}
		closers = nil
		return err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		return shutdown, fmt.Errorf("building otel resource: %w", err)
	}

	if cfg.Enabled {
		tp, err := newTraceProvider(ctx, res, cfg)
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		closers = append(closers, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.Enabled || cfg.Prometheus {
		mp, err := newMeterProvider(ctx, res, cfg)
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		closers = append(closers, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return shutdown, nil
}

// newTraceProvider batches spans to the OTLP endpoint and, with StdOut,
// to stdout as well.
func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	exporters, err := spanExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []trace.TracerProviderOption{trace.WithResource(res)}
	for _, exp := range exporters {
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}
	return trace.NewTracerProvider(opts...), nil
}

func spanExporters(ctx context.Context, cfg Config) ([]trace.SpanExporter, error) {
	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	otlp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
	}
	exporters := []trace.SpanExporter{otlp}

	if cfg.StdOut {
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		exporters = append(exporters, stdout)
	}
	return exporters, nil
}

// newMeterProvider creates a MeterProvider with the readers cfg enables.
func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	readers, err := metricReaders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []metric.Option{metric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, metric.WithReader(r))
	}
	return metric.NewMeterProvider(opts...), nil
}

// metricReaders returns the push readers (OTLP when Enabled, stdout when
// StdOut) followed by the Prometheus pull reader when requested.
func metricReaders(ctx context.Context, cfg Config) ([]metric.Reader, error) {
	interval := cfg.MetricsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	periodic := func(exp metric.Exporter) metric.Reader {
		return metric.NewPeriodicReader(exp, metric.WithInterval(interval))
	}

	var readers []metric.Reader
	if cfg.Enabled {
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		otlp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		readers = append(readers, periodic(otlp))
	}

	if cfg.StdOut {
		stdout, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		readers = append(readers, periodic(stdout))
	}

	if cfg.Prometheus {
		prom, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		readers = append(readers, prom)
	}
	return readers, nil
}
