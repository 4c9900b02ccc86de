package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/strandlabs/strand/agent")

// startModelSpan opens a span around one model turn. With no tracer provider
// installed these are noops.
func (a *Agent) startModelSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.model_turn",
		trace.WithAttributes(
			attribute.String("agent.id", a.id),
			attribute.Int("agent.step", a.StepCount()),
		))
}

// startToolSpan opens a span around one tool execution.
func (a *Agent) startToolSpan(ctx context.Context, name, callID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.tool_call",
		trace.WithAttributes(
			attribute.String("agent.id", a.id),
			attribute.String("tool.name", name),
			attribute.String("tool.call_id", callID),
		))
}

func recordTokenUsage(span trace.Span, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.Int("llm.input_tokens", inputTokens),
		attribute.Int("llm.output_tokens", outputTokens),
	)
}
