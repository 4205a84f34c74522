package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "fleetd"

// StartRunSpan starts a span covering one intent execution on a sprite.
func StartRunSpan(ctx context.Context, runID, intentID, spriteID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("intent.id", intentID),
			attribute.String("sprite.id", spriteID),
		),
	)
}

// StartSweepSpan starts a span covering one governance approval sweep.
func StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "governance.sweep")
}
