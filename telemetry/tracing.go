package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this library's spans.
const tracerName = "github.com/vinayprograms/watchkit"

// Span attribute keys.
const (
	AttrTaskID   = "watchkit.task.id"
	AttrTaskKind = "watchkit.task.kind"
	AttrFrom     = "watchkit.bucket.from"
	AttrTo       = "watchkit.bucket.to"
	AttrActor    = "watchkit.actor"
	AttrEndpoint = "watchkit.endpoint"
	AttrWatcher  = "watchkit.watcher"
	AttrZone     = "watchkit.zone"
)

// StartTransition starts a span for one task transition.
func StartTransition(ctx context.Context, taskID, from, to, actor string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.transition",
		trace.WithAttributes(
			attribute.String(AttrTaskID, taskID),
			attribute.String(AttrFrom, from),
			attribute.String(AttrTo, to),
			attribute.String(AttrActor, actor),
		))
}

// StartCheck starts a span for one watcher poll.
func StartCheck(ctx context.Context, watcher, endpoint string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "watcher.check",
		trace.WithAttributes(
			attribute.String(AttrWatcher, watcher),
			attribute.String(AttrEndpoint, endpoint),
		))
}

// StartExecution starts a span for one approved-task execution.
func StartExecution(ctx context.Context, taskID, kind, endpoint string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String(AttrTaskID, taskID),
			attribute.String(AttrTaskKind, kind),
			attribute.String(AttrEndpoint, endpoint),
		))
}

// StartSyncCycle starts a span for one sync bridge cycle.
func StartSyncCycle(ctx context.Context, zone string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sync.cycle",
		trace.WithAttributes(
			attribute.String(AttrZone, zone),
		))
}

// EndSpan records the outcome and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
