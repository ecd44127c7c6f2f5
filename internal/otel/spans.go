package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Cortex and Router spans.
var (
	AttrAgentID      = attribute.Key("cortexd.agent.id")
	AttrEnvelopeID   = attribute.Key("cortexd.envelope.id")
	AttrJobID        = attribute.Key("cortexd.job.id")
	AttrToolName     = attribute.Key("cortexd.tool.name")
	AttrModel        = attribute.Key("cortexd.llm.model")
	AttrTokensInput  = attribute.Key("cortexd.llm.tokens.input")
	AttrTokensOutput = attribute.Key("cortexd.llm.tokens.output")
	AttrTier         = attribute.Key("cortexd.router.tier")
	AttrChannel      = attribute.Key("cortexd.channel")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (channel adapters).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, channel send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
