package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Tracing creates HTTP middleware that instruments requests with OpenTelemetry
// spans, propagating W3C trace context. Spans are named after the normalized
// route (e.g. "GET /attendance/{course_id}/{date}") to keep span names bounded.
// Health, readiness and metrics probes are not traced.
//
// Place it after RequestID so request IDs are available inside spans.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !isProbePath(r.URL.Path)
			}),
		)
	}
}

// GetTraceID extracts the trace ID from ctx.
// Returns empty string if no trace is active.
func GetTraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// GetSpanID extracts the span ID from ctx.
// Returns empty string if no span is active.
func GetSpanID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		return spanCtx.SpanID().String()
	}
	return ""
}

func isProbePath(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}
