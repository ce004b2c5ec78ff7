package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope name for every span the engine
// emits.
const TracerName = "github.com/relayforge/llmgateway"

// NewTracerProvider builds a TracerProvider exporting spans via exporter. A
// nil exporter yields a valid provider with nothing attached, useful for
// tests and for deployments that disable tracing.
func NewTracerProvider(exporter sdktrace.SpanExporter, serviceName string) *sdktrace.TracerProvider {
	res, _ := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// StartAttemptSpan opens the span covering one C7 attempt chain. The caller
// must End() the returned span.
func StartAttemptSpan(ctx context.Context, tp trace.TracerProvider, requestID, provider, model string) (context.Context, trace.Span) {
	tracer := tp.Tracer(TracerName)
	return tracer.Start(ctx, "dispatch.attempt_chain",
		trace.WithAttributes(
			attribute.String("request_id", requestID),
			attribute.String("provider", provider),
			attribute.String("model", model),
		),
	)
}

// StartSingleAttemptSpan opens a child span for one credential attempt
// within the chain.
func StartSingleAttemptSpan(ctx context.Context, tp trace.TracerProvider, credential string, attemptNum int) (context.Context, trace.Span) {
	tracer := tp.Tracer(TracerName)
	return tracer.Start(ctx, "dispatch.attempt",
		trace.WithAttributes(
			attribute.String("credential", credential),
			attribute.Int("attempt", attemptNum),
		),
	)
}

// NoopTracerProvider returns the OTEL global no-op provider, used as the
// engine's default when tracing is not configured.
func NoopTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}
