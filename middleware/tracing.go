package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cascadehq/cascade/executor"
)

// tracerName is the instrumentation scope name for cascade tracing.
const tracerName = "github.com/cascadehq/cascade"

// Tracing returns middleware that wraps step execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop tracer
// is used and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: cascade.instance.id, cascade.workflow.type,
// cascade.step.id, cascade.step.handler, cascade.step.attempt.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, ex *executor.Execution, next Handler) error {
		ctx, span := tracer.Start(ctx, "cascade.step.execute",
			trace.WithAttributes(
				attribute.String("cascade.instance.id", ex.InstanceID.String()),
				attribute.String("cascade.workflow.type", ex.WorkflowType),
				attribute.String("cascade.step.id", ex.StepID),
				attribute.String("cascade.step.handler", ex.Handler),
				attribute.Int("cascade.step.attempt", ex.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
