// Package tracing provides OpenTelemetry span helpers for manager operations.
// The plugin only uses the otel API; the embedding host installs the tracer
// provider, so spans are no-ops unless the host configures exporting.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bgtasks-manager"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// TraceLaunch creates a span for a task launch.
func TraceLaunch(ctx context.Context, taskID, agent, parentSessionID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "task.launch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("agent", agent),
		attribute.String("parent_session_id", parentSessionID),
	)
	return ctx, span
}

// TraceStart creates a span for the two-phase task start.
func TraceStart(ctx context.Context, taskID, model string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "task.start",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("model", model),
	)
	return ctx, span
}

// TraceFinalize creates a span for task finalization.
func TraceFinalize(ctx context.Context, taskID, outcome string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "task.finalize",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("outcome", outcome),
	)
	return ctx, span
}

// TraceCancel creates a span for a cancel request.
func TraceCancel(ctx context.Context, taskID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "task.cancel",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("task_id", taskID))
	return ctx, span
}

// RecordResult records the outcome of an operation on its span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
