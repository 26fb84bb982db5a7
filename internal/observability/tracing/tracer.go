package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the instrumentation scope of the worker.
const TracerName = "feed-relay"

// GetTracer returns the worker tracer from the current global provider.
// It is looked up on every call so a provider installed later by Init or
// a test is picked up.
//
//	ctx, span := tracing.GetTracer().Start(ctx, "check.feed")
//	defer span.End()
func GetTracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Init installs an SDK tracer provider sampling sampleRatio of root
// spans, plus the W3C trace-context propagator. Exporters are attached
// through opts. The returned function flushes and stops the provider.
func Init(serviceName string, sampleRatio float64, opts ...sdktrace.TracerProviderOption) func(context.Context) error {
	if sampleRatio <= 0 {
		sampleRatio = 0
	}
	if sampleRatio > 1 {
		sampleRatio = 1
	}
	base := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	}
	tp := sdktrace.NewTracerProvider(append(base, opts...)...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown
}
