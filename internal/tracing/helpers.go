package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope names.
const (
	TracerName   = "attendsync"
	DBTracerName = "attendsync/db"
)

// DBOperation represents the type of database operation being traced.
type DBOperation string

const (
	// DBOperationQuery represents a SELECT query.
	DBOperationQuery DBOperation = "query"
	// DBOperationExec represents a statement that returns no rows.
	DBOperationExec DBOperation = "exec"
)

// StartDBSpan creates a client span for a database operation.
// Returns the new context and a function that records err and ends the span.
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, "attendance", tracing.DBOperationQuery)
//	defer func() { endSpan(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	spanName := string(operation)
	if table != "" {
		spanName = spanName + " " + table
	}

	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}

	ctx, span := otel.Tracer(DBTracerName).Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, endFunc(span)
}

// StartSpan creates an internal span named name.
// Returns the new context and a function that records err and ends the span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, endFunc(span)
}

func endFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
