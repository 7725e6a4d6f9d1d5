// Package tracing provides OpenTelemetry spans for governed completions and
// provider attempts.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/creovision/governor/pkg/config"
)

// TracerName names the tracer used for governor spans.
const TracerName = "governor"

// Span attribute keys. The gen_ai ones follow the OpenTelemetry GenAI
// semantic conventions.
const (
	AttrGenAISystem        = "gen_ai.system"
	AttrGenAIOperationName = "gen_ai.operation.name"
	AttrGenAIRequestModel  = "gen_ai.request.model"
	AttrGenAIResponseLen   = "gen_ai.response.length"

	AttrIdentity    = "governor.identity"
	AttrRoute       = "governor.route"
	AttrStatus      = "governor.status"
	AttrFromCache   = "governor.cache.hit"
	AttrFingerprint = "governor.cache.fingerprint"
	AttrErrorKind   = "governor.error.kind"
	AttrPosition    = "governor.fallback.position"
)

// Provider owns the tracer provider. A nil *Provider hands out the global
// tracer, which is a no-op until something installs a real one.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds an OTLP/gRPC exporting provider and installs it
// globally. A disabled config returns a provider backed by the global tracer.
func NewProvider(ctx context.Context, cfg config.TracingConfig, version string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(TracerName)}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(TracerName),
		semconv.ServiceVersion(version),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer(TracerName)}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// NewTestProvider wraps a preconfigured TracerProvider, typically one with an
// in-memory exporter.
func NewTestProvider(tp *sdktrace.TracerProvider) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(TracerName)}
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(TracerName)
	}
	return p.tracer
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartCompletionSpan starts the span covering one governed completion.
func (p *Provider) StartCompletionSpan(ctx context.Context, identity, route string) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, "governor.complete",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrIdentity, identity),
			attribute.String(AttrRoute, route),
		),
	)
}

// StartAttemptSpan starts the span for one provider call in a fallback chain.
func (p *Provider) StartAttemptSpan(ctx context.Context, providerName, model string, position int) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, "chat "+model,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrGenAISystem, providerName),
			attribute.String(AttrGenAIOperationName, "chat"),
			attribute.String(AttrGenAIRequestModel, model),
			attribute.Int(AttrPosition, position),
		),
	)
}

// RecordError marks the span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span ok.
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
