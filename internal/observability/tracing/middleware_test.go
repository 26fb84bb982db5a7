package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installRecorder routes spans to an in-memory exporter for one test.
func installRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	shutdown := Init("feed-relay-test", 1, sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = shutdown(context.Background())
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	})
	return exporter
}

func serve(handler http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	Middleware(handler).ServeHTTP(rr, req)
	return rr
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

func TestMiddleware_CreatesSpan(t *testing.T) {
	exporter := installRecorder(t)

	rr := serve(statusHandler(http.StatusOK), "/health/resilience", nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "GET /health/resilience" {
		t.Errorf("expected span name 'GET /health/resilience', got '%s'", span.Name)
	}
	attrs := map[string]string{}
	for _, attr := range span.Attributes {
		attrs[string(attr.Key)] = attr.Value.Emit()
	}
	if attrs["http.method"] != "GET" || attrs["http.status_code"] != "200" {
		t.Errorf("unexpected span attributes: %v", attrs)
	}
	if got := rr.Header().Get("X-Trace-Id"); got != span.SpanContext.TraceID().String() {
		t.Errorf("expected X-Trace-Id %s, got %s", span.SpanContext.TraceID(), got)
	}
}

func TestMiddleware_PropagatesTraceContext(t *testing.T) {
	exporter := installRecorder(t)
	header := http.Header{}
	header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	serve(statusHandler(http.StatusOK), "/metrics", header)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected propagated trace id, got %s", got)
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		code int
		want codes.Code
	}{
		{name: "5xx marks error", code: http.StatusServiceUnavailable, want: codes.Error},
		{name: "4xx does not", code: http.StatusNotFound, want: codes.Unset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := installRecorder(t)

			serve(statusHandler(tt.code), "/x", nil)

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Status.Code != tt.want {
				t.Errorf("expected status %v, got %v", tt.want, spans[0].Status.Code)
			}
		})
	}
}

func TestInit_ZeroRatioDropsRootSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	shutdown := Init("feed-relay-test", 0, sdktrace.WithSyncer(exporter))
	defer func() { _ = shutdown(context.Background()) }()

	_, span := GetTracer().Start(context.Background(), "check.feed")
	span.End()

	if n := len(exporter.GetSpans()); n != 0 {
		t.Errorf("expected no sampled spans, got %d", n)
	}
}
