package correlate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/spancache"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

const baseMillis int64 = 1_700_000_000_000

func at(sec int64) int64 {
	return baseMillis + sec*1000
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingProvider counts End calls per span name before they reach the SDK,
// which silently ignores repeated ends.
type countingProvider struct {
	embedded.TracerProvider

	inner trace.TracerProvider
	mu    sync.Mutex
	ends  map[string]int
}

func (p *countingProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return &countingTracer{inner: p.inner.Tracer(name, opts...), provider: p}
}

func (p *countingProvider) endsOf(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ends[name]
}

type countingTracer struct {
	embedded.Tracer

	inner    trace.Tracer
	provider *countingProvider
}

func (t *countingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := t.inner.Start(ctx, name, opts...)
	cs := &countingSpan{Span: span, name: name, provider: t.provider}
	return trace.ContextWithSpan(ctx, cs), cs
}

type countingSpan struct {
	trace.Span

	name     string
	provider *countingProvider
}

func (s *countingSpan) End(opts ...trace.SpanEndOption) {
	s.provider.mu.Lock()
	s.provider.ends[s.name]++
	s.provider.mu.Unlock()
	s.Span.End(opts...)
}

type harness struct {
	rec      *tracetest.SpanRecorder
	counts   *countingProvider
	storage  *spancache.Storage
	provider *tracing.Provider
	reg      *Registry
}

func newHarness(t testing.TB, opts ...QueueOption) *harness {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	counts := &countingProvider{
		inner: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
		ends:  make(map[string]int),
	}
	storage := spancache.New()

	cfg := tracing.DefaultConfig()
	cfg.RootURL = "https://ci.example.com/"
	cfg.UIURL = "http://jaeger:16686"
	provider, err := tracing.NewProvider(context.Background(), cfg, storage, quietLogger(), tracing.WithFactory(tracing.Static(counts)))
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	return &harness{
		rec:      rec,
		counts:   counts,
		storage:  storage,
		provider: provider,
		reg:      NewRegistry(provider, storage, quietLogger(), opts...),
	}
}

// startRun starts a run bound to executionID and returns its correlator.
func (h *harness) startRun(t testing.TB, runID, executionID string) *GraphCorrelator {
	t.Helper()
	h.reg.RunStarted(&types.Run{ID: runID, DisplayName: "build #7", Number: 7, ExecutionID: executionID})
	g := h.reg.ListenerFor(executionID)
	if g == nil {
		t.Fatalf("no correlator for execution %s", executionID)
	}
	return g
}

func (h *harness) ended(t testing.TB, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	var found sdktrace.ReadOnlySpan
	for _, s := range h.rec.Ended() {
		if s.Name() == name {
			if found != nil {
				t.Fatalf("more than one ended span named %q", name)
			}
			found = s
		}
	}
	if found == nil {
		t.Fatalf("no ended span named %q", name)
	}
	return found
}

func attrs(s sdktrace.ReadOnlySpan) map[string]attribute.Value {
	m := make(map[string]attribute.Value)
	for _, kv := range s.Attributes() {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func blockStart(id, display, fn string, startSec int64, enclosing ...string) *types.ExecutionNode {
	return &types.ExecutionNode{
		ID:           id,
		ExecutionID:  "exec-1",
		Kind:         types.NodeKindBlockStart,
		DisplayName:  display,
		FunctionName: fn,
		Enclosing:    enclosing,
		StartMillis:  at(startSec),
		URL:          "execution/node/" + id + "/",
	}
}

func atom(id, fn string, startSec int64, enclosing ...string) *types.ExecutionNode {
	return &types.ExecutionNode{
		ID:           id,
		ExecutionID:  "exec-1",
		Kind:         types.NodeKindAtom,
		DisplayName:  fn,
		FunctionName: fn,
		Enclosing:    enclosing,
		StartMillis:  at(startSec),
	}
}

func blockEnd(id, startID string, startSec int64, enclosing ...string) *types.ExecutionNode {
	return &types.ExecutionNode{
		ID:          id,
		ExecutionID: "exec-1",
		Kind:        types.NodeKindBlockEnd,
		StartNodeID: startID,
		Enclosing:   enclosing,
		StartMillis: at(startSec),
	}
}

func millis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
