package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// EnvCarrier adapts an environment variable map to a TextMapCarrier.
// Keys are stored upper-cased with dashes replaced, so the W3C
// "traceparent" header travels as TRACEPARENT.
type EnvCarrier map[string]string

var _ propagation.TextMapCarrier = EnvCarrier(nil)

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Get returns the value for key.
func (c EnvCarrier) Get(key string) string {
	return c[envKey(key)]
}

// Set stores value under key.
func (c EnvCarrier) Set(key, value string) {
	c[envKey(key)] = value
}

// Keys lists the stored keys.
func (c EnvCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Inject writes the context of span into env.
func (p *Provider) Inject(span trace.Span, env map[string]string) {
	if span == nil || env == nil {
		return
	}
	ctx := trace.ContextWithSpan(context.Background(), span)
	p.propagator.Inject(ctx, EnvCarrier(env))
}

// Extract returns ctx carrying the remote span context found in env.
func (p *Provider) Extract(ctx context.Context, env map[string]string) context.Context {
	return p.propagator.Extract(ctx, EnvCarrier(env))
}
