package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Cis spans.
var (
	AttrAgentID      = attribute.Key("cis.agent.id")
	AttrTaskID       = attribute.Key("cis.task.id")
	AttrToolName     = attribute.Key("cis.tool.name")
	AttrModel        = attribute.Key("cis.llm.model")
	AttrTokensInput  = attribute.Key("cis.llm.tokens.input")
	AttrTokensOutput = attribute.Key("cis.llm.tokens.output")
	AttrLoopID       = attribute.Key("cis.loop.id")
	AttrLoopStep     = attribute.Key("cis.loop.step")
	AttrMCPServer    = attribute.Key("cis.mcp.server")
	AttrSessionID    = attribute.Key("cis.session.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, MCP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
