// Package tracing sets up OpenTelemetry for the worker. Every job is one
// trace: a "videogen.job" root span with a child span per pipeline stage,
// and the engine and image hosts see the context through otelhttp.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the worker's tracer.
const InstrumentationName = "github.com/flexinfer/mentatlab/services/videogen-worker"

// Span attribute keys.
const (
	JobIDKey    = attribute.Key("videogen.job_id")
	PromptIDKey = attribute.Key("videogen.prompt_id")
	KindKey     = attribute.Key("videogen.failure_kind")
)

// Config holds tracing configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is a gRPC collector address, e.g. "otel-collector:4317".
	OTLPEndpoint string

	Enabled bool

	// SampleRate is the share of jobs traced, 0.0 to 1.0.
	SampleRate float64
}

// DefaultConfig returns the worker defaults. Tracing is off until enabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mentatlab-videogen-worker",
		ServiceVersion: "dev",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
	}
}

// Provider owns the SDK tracer provider, if tracing is enabled.
type Provider struct {
	provider *sdktrace.TracerProvider
	logger   *slog.Logger
}

// Init installs the global tracer provider and propagator. With tracing
// disabled it returns a Provider whose Shutdown is a no-op, and Tracer keeps
// returning the global no-op tracer.
func Init(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return &Provider{logger: logger}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(strings.TrimPrefix(strings.TrimPrefix(cfg.OTLPEndpoint, "http://"), "https://")),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sample_rate", cfg.SampleRate),
	)
	return &Provider{provider: tp, logger: logger}, nil
}

// Sampler samples whole jobs: the root decision follows rate and stage
// spans inherit it from their parent.
func Sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	p.logger.Info("flushing traces")
	return p.provider.Shutdown(ctx)
}

// TracerProvider returns the SDK provider, nil when tracing is disabled.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.provider
}

// Tracer returns the worker tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartJob opens the root span of a job.
func StartJob(ctx context.Context, jobID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "videogen.job",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(JobIDKey.String(jobID)),
	)
}

// StartStage opens a child span for one pipeline stage, named
// "videogen.<stage>" in lower case.
func StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "videogen."+strings.ToLower(stage))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
