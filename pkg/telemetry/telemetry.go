// Package telemetry configures OpenTelemetry tracing and provides the spans agentd
// emits around tasks and backend calls.
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
	"go.opentelemetry.io/otel/trace"

	"agentd/pkg/config"
	"agentd/pkg/llm"
	"agentd/pkg/logx"
)

const tracerName = "agentd"

// ShutdownFunc flushes and stops the trace provider.
type ShutdownFunc func(ctx context.Context) error

// Setup installs a global tracer provider exporting over OTLP/gRPC. With no endpoint
// configured the global no-op provider stays in place.
func Setup(ctx context.Context, cfg *config.TelemetryConfig) (ShutdownFunc, error) {
	logger := logx.NewLogger("telemetry")
	if cfg.OTLPEndpoint == "" {
		logger.Info("tracing disabled (no telemetry.otlp_endpoint)")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = tracerName
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("📈 tracing to %s as %s", cfg.OTLPEndpoint, name)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}
		return nil
	}, nil
}

// StartTaskSpan starts the span covering one task execution.
func StartTaskSpan(ctx context.Context, agentID, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("task.id", taskID),
		),
	)
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Middleware wraps every backend call in an "llm.complete" or "llm.stream" span.
func Middleware() llm.Middleware {
	tracer := otel.Tracer(tracerName)
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				ctx, span := tracer.Start(ctx, "llm.complete", trace.WithAttributes(
					attribute.String("llm.model", next.GetModelName()),
					attribute.Int("llm.messages", len(req.Messages)),
					attribute.Int("llm.tools", len(req.Tools)),
				))
				resp, err := next.Complete(ctx, req)
				if err == nil {
					span.SetAttributes(
						attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
						attribute.String("llm.stop_reason", resp.StopReason),
					)
				}
				EndSpan(span, err)
				return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				ctx, span := tracer.Start(ctx, "llm.stream", trace.WithAttributes(
					attribute.String("llm.model", next.GetModelName()),
				))
				ch, err := next.Stream(ctx, req)
				EndSpan(span, err)
				return ch, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			next.GetModelName,
		)
	}
}
