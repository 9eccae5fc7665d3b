// Package tracing configures OpenTelemetry span export for the command
// engine: the queue processor opens one span per dequeued head command,
// covering batch planning through execution and result classification.
// Other members of a batch share the head's span; recovery attempts are not
// traced.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/config"
)

// ShutdownFunc flushes and closes the configured exporter.
type ShutdownFunc func(ctx context.Context) error

// Init installs a global TracerProvider per cfg. When cfg.Enabled is false
// it installs a no-op provider and returns a nil ShutdownFunc. When
// cfg.OTLPAddr is set, spans are exported over OTLP/gRPC; otherwise they are
// written to stdout, which is useful for local debugging sessions.
func Init(ctx context.Context, cfg config.TracingConfig) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: building resource: %w", err)
	}

	exporter, err := buildExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func buildExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.OTLPAddr != "" {
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPAddr), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("tracing: building otlp exporter: %w", err)
		}
		return exp, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: building stdout exporter: %w", err)
	}
	return exp, nil
}

// Tracer returns the command engine's tracer, a thin wrapper over the
// globally installed TracerProvider so callers never need to thread one
// through by hand.
func Tracer() trace.Tracer {
	return otel.Tracer("mcp-nexus/engine")
}

// StartCommandSpan starts a "command.execute" span for commandID; the caller
// ends it.
func StartCommandSpan(ctx context.Context, commandID, text string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "command.execute", trace.WithAttributes(
		attributeString("command.id", commandID),
		attributeString("command.text", text),
	))
}

func attributeString(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
