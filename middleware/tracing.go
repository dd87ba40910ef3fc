package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for conveyor tracing.
const tracerName = "github.com/carverd/conveyor"

// Tracing returns middleware that wraps each attempt in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, info *Info, next Handler) error {
		ctx, span := tracer.Start(ctx, "conveyor.process",
			trace.WithAttributes(
				attribute.String("conveyor.queue", info.Queue),
				attribute.String("conveyor.job_id", info.JobID),
				attribute.String("conveyor.processor", info.Processor),
				attribute.Int("conveyor.attempt", info.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
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
