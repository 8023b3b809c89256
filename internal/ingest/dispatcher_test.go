package ingest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/correlate"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/spancache"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *correlate.Registry, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	storage := spancache.New()

	provider, err := tracing.NewProvider(context.Background(), tracing.DefaultConfig(), storage, quietLogger(),
		tracing.WithFactory(tracing.Static(tp)))
	require.NoError(t, err)

	v, err := validator.New()
	require.NoError(t, err)

	reg := correlate.NewRegistry(provider, storage, quietLogger())
	return NewDispatcher(reg, v, quietLogger()), reg, rec
}

func endedNames(rec *tracetest.SpanRecorder) []string {
	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	return names
}

const pipelineBatch = `[
	{"source":"queue","type":"enter_buildable","item":{"id":1,"task":{"name":"build","url":"job/build/"},"causes":["user:alice"]}},
	{"source":"queue","type":"left","item":{"id":1,"task":{"name":"build","url":"job/build/"}}},
	{"source":"run","type":"started","run":{"id":"r1","display_name":"build #1","number":1,"queue_id":1,"execution_id":"e1"}},
	{"source":"graph","type":"node_observed","execution_id":"e1","node":{"id":"2","kind":"block_start","display_name":"Build","function_name":"stage","start_ms":1000}},
	{"source":"graph","type":"node_observed","execution_id":"e1","node":{"id":"3","kind":"atom","function_name":"sh","enclosing":["2"],"start_ms":1100}},
	{"source":"graph","type":"node_observed","execution_id":"e1","node":{"id":"4","kind":"block_end","start_node_id":"2","start_ms":2000}},
	{"source":"graph","type":"node_observed","execution_id":"e1","node":{"id":"4","kind":"block_end","start_node_id":"2","start_ms":2000}},
	{"source":"run","type":"completed","run":{"id":"r1","display_name":"build #1","number":1},"result":"SUCCESS"}
]`

func TestDispatchJSONPipeline(t *testing.T) {
	d, reg, rec := newTestDispatcher(t)

	n, err := d.DispatchJSON(context.Background(), []byte(pipelineBatch))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	assert.ElementsMatch(t, []string{"Queue build", "Buildable", "sh", "Build stage", "Job build #1"}, endedNames(rec))
	assert.Equal(t, 0, reg.Active(), "run completion should dispose the execution")
}

func TestDispatchRejectsMalformedInput(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"source":`},
		{"unknown source", `{"source":"scm","type":"push"}`},
		{"queue without item", `{"source":"queue","type":"left"}`},
		{"graph without execution", `{"source":"graph","type":"node_observed","node":{"id":"1","kind":"atom"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.DispatchJSON(ctx, []byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestDispatchWithoutValidator(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	d.validator = nil
	ctx := context.Background()

	err := d.Dispatch(ctx, &types.Envelope{Source: "scm", Type: "push"})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	err = d.Dispatch(ctx, &types.Envelope{Source: types.SourceRun, Type: "paused", Run: &types.Run{ID: "r"}})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	err = d.Dispatch(ctx, &types.Envelope{
		Source:      types.SourceGraph,
		Type:        types.EventTypeNodeObserved,
		ExecutionID: "e1",
		Node:        &types.ExecutionNode{ID: "9", Kind: types.NodeKindBlockEnd},
	})
	assert.ErrorIs(t, err, ErrInvalidEnvelope, "block end without start node")

	assert.ErrorIs(t, d.Dispatch(ctx, nil), ErrInvalidEnvelope)
	assert.Equal(t, 0, reg.Active())
}

func TestDispatchLookupFailuresAreSilent(t *testing.T) {
	d, reg, rec := newTestDispatcher(t)

	// No run started for this execution: the correlator cannot be built,
	// but the producer must not see an error.
	err := d.Dispatch(context.Background(), &types.Envelope{
		Source:      types.SourceGraph,
		Type:        types.EventTypeNodeObserved,
		ExecutionID: "orphan",
		Node:        &types.ExecutionNode{ID: "1", Kind: types.NodeKindAtom, FunctionName: "sh"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Active())
	assert.Empty(t, rec.Started())
}

func TestDispatchTraceStep(t *testing.T) {
	d, _, rec := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.DispatchJSON(ctx, []byte(`[
		{"source":"run","type":"started","run":{"id":"r1","display_name":"deploy","execution_id":"e1"}},
		{"source":"graph","type":"node_observed","execution_id":"e1","node":{"id":"2","kind":"block_start","function_name":"trace","start_ms":1000}},
		{"source":"graph","type":"trace_step","execution_id":"e1","node":{"id":"2","kind":"block_start","function_name":"trace"},"trace":{"operation_name":"smoke-tests","tags":{"suite":"e2e"}}},
		{"source":"graph","type":"node_observed","execution_id":"e1","node":{"id":"3","kind":"block_end","start_node_id":"2","start_ms":2000}}
	]`))
	require.NoError(t, err)
	assert.Contains(t, endedNames(rec), "smoke-tests")

	_, err = d.DispatchJSON(ctx, []byte(`{"source":"graph","type":"trace_step","execution_id":"e1","node":{"id":"2","kind":"block_start"}}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope, "trace step without trace payload")
}

func TestDispatchCancelledContext(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Dispatch(ctx, &types.Envelope{Source: types.SourceRun, Type: types.EventTypeRunStarted, Run: &types.Run{ID: "r"}})
	assert.ErrorIs(t, err, context.Canceled)
}

type fakePublisher struct {
	channel  string
	messages [][]byte
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.channel = channel
	p.messages = append(p.messages, message.([]byte))
	cmd := redis.NewIntCmd(ctx)
	if p.err != nil {
		cmd.SetErr(p.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	fake := &fakePublisher{}
	pub := &RedisPublisher{client: fake, channel: "stream:events"}
	ctx := context.Background()

	run := &types.Run{ID: "r1", DisplayName: "build", Number: 1}
	require.NoError(t, pub.Dispatch(ctx, &types.Envelope{Source: types.SourceRun, Type: types.EventTypeRunStarted, Run: run}))
	require.Len(t, fake.messages, 1)
	assert.Equal(t, "stream:events", fake.channel)

	// What a RedisSource would do with the message.
	src := NewRedisSource(nil, "stream:events", d, quietLogger())
	src.handle(ctx, fake.messages[0])

	_, ok := reg.SpanForRun("r1")
	assert.True(t, ok, "published run event not dispatched")
}

func TestRedisSourceDropsBadMessages(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	src := NewRedisSource(nil, "stream:events", d, quietLogger())

	src.handle(context.Background(), []byte(`not json`))
	assert.Equal(t, 0, reg.Active())
}
