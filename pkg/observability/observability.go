// Package observability provides OpenTelemetry tracing and RED metrics for
// wallet operations.
//
// Every engine and registry operation runs inside TrackOperation, which opens
// a span, counts the request, records its duration and counts failures by
// error kind.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Mindburn-Labs/quorum"

// Config configures export to an OTLP collector.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of the collector's gRPC receiver
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool // plaintext gRPC, for local collectors
}

// DefaultConfig exports everything to a local collector over TLS.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "quorum",
		ServiceVersion: "0.3.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        true,
	}
}

// ErrorClassifier maps an operation error to a low-cardinality kind label.
type ErrorClassifier func(err error) string

// instruments are the RED metrics recorded per operation.
type instruments struct {
	ops      metric.Int64Counter
	failed   metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

func newInstruments(m metric.Meter) (instruments, error) {
	var in instruments
	var e1, e2, e3, e4 error
	in.ops, e1 = m.Int64Counter("quorum.operations.total",
		metric.WithDescription("Wallet operations attempted"),
		metric.WithUnit("{operation}"))
	in.failed, e2 = m.Int64Counter("quorum.operations.failed",
		metric.WithDescription("Wallet operations rejected or failed, by error kind"),
		metric.WithUnit("{operation}"))
	in.duration, e3 = m.Float64Histogram("quorum.operation.duration",
		metric.WithDescription("Wallet operation duration"),
		metric.WithUnit("s"),
		// Approvals take microseconds; executions wait on the effect.
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30))
	in.active, e4 = m.Int64UpDownCounter("quorum.operations.active",
		metric.WithDescription("Wallet operations in progress"),
		metric.WithUnit("{operation}"))
	return in, errors.Join(e1, e2, e3, e4)
}

// Provider owns the trace and metric pipelines. A Provider built from a
// disabled Config records through the global (usually no-op) providers, so
// callers never need a nil check.
type Provider struct {
	cfg      *Config
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	tracer   trace.Tracer
	meter    metric.Meter
	inst     instruments
	classify ErrorClassifier
	logger   *slog.Logger
}

// New starts the exporters described by cfg.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		cfg:      cfg,
		classify: defaultClassifier,
		logger:   slog.Default().With("component", "observability"),
	}

	if cfg.Enabled {
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		))
		if err != nil {
			return nil, fmt.Errorf("telemetry resource: %w", err)
		}
		if err := p.startTracing(ctx, res); err != nil {
			return nil, err
		}
		if err := p.startMetrics(ctx, res); err != nil {
			_ = p.tp.Shutdown(ctx)
			return nil, err
		}
		p.tracer = p.tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
		p.meter = p.mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	}

	inst, err := newInstruments(p.Meter())
	if err != nil {
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}
	p.inst = inst

	p.logger.InfoContext(ctx, "telemetry ready",
		"enabled", cfg.Enabled,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) startTracing(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(p.cfg.SampleRate))),
	)
	otel.SetTracerProvider(p.tp)
	// The webhook effect injects with the global propagator.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (p *Provider) startMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}

	interval := p.cfg.MetricInterval
	if interval <= 0 {
		interval = DefaultConfig().MetricInterval
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.mp)
	return nil
}

// WithErrorClassifier replaces the error-kind labelling used on failures.
// A nil classifier is ignored.
func (p *Provider) WithErrorClassifier(c ErrorClassifier) *Provider {
	if c != nil {
		p.classify = c
	}
	return p
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.ErrorContext(ctx, "telemetry shutdown", "error", err)
	}
	return err
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// metricLabels drops wallet ids, indices and callers: they belong on spans,
// never on metric series.
func metricLabels(attrs []attribute.KeyValue) []attribute.KeyValue {
	kept := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch a.Key {
		case AttrCaller, AttrTxIndex, AttrWalletID:
		default:
			kept = append(kept, a)
		}
	}
	return kept
}

// TrackOperation opens a span for name and returns the function that closes
// it with the operation's result.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	labels := metric.WithAttributes(metricLabels(attrs)...)
	p.inst.active.Add(ctx, 1, labels)
	p.inst.ops.Add(ctx, 1, labels)

	return ctx, func(err error) {
		p.inst.active.Add(ctx, -1, labels)
		p.inst.duration.Record(ctx, time.Since(start).Seconds(), labels)
		if err != nil {
			kind := p.classify(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("error.kind", kind))
			p.inst.failed.Add(ctx, 1, labels, metric.WithAttributes(attribute.String("error.kind", kind)))
		}
		span.End()
	}
}

func defaultClassifier(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
