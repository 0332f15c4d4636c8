package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hamed0406/canarywatch"

func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs an OTLP gRPC exporter. An empty endpoint leaves
// the global noop provider in place. The returned func flushes on exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("canarywatch"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartProbeSpan opens the span around one probe run.
func StartProbeSpan(ctx context.Context, probe, correlationID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "probe.run",
		trace.WithAttributes(
			attribute.String("canarywatch.probe", probe),
			attribute.String("canarywatch.correlation_id", correlationID),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndProbeSpan records the run's verdict and ends the span.
func EndProbeSpan(span trace.Span, success bool, status int, errMsg string) {
	span.SetAttributes(
		attribute.Bool("canarywatch.success", success),
		attribute.Int("http.response.status_code", status),
	)
	if !success {
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
}

// StartPublishSpan opens the span around one topic publish.
func StartPublishSpan(ctx context.Context, topic, alarm string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "notify.publish",
		trace.WithAttributes(
			attribute.String("canarywatch.topic", topic),
			attribute.String("canarywatch.alarm", alarm),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}
