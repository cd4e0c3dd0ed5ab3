package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for gateway spans.
var (
	AttrAgentID      = attribute.Key("lemongate.agent.id")
	AttrRunID        = attribute.Key("lemongate.run.id")
	AttrSessionKey   = attribute.Key("lemongate.session.key")
	AttrThreadKey    = attribute.Key("lemongate.thread.key")
	AttrEngineID     = attribute.Key("lemongate.engine.id")
	AttrChannelID    = attribute.Key("lemongate.channel.id")
	AttrQueueMode    = attribute.Key("lemongate.queue.mode")
	AttrTokensInput  = attribute.Key("lemongate.tokens.input")
	AttrTokensOutput = attribute.Key("lemongate.tokens.output")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (channel or control plane).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
