package tracing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/spancache"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func newRecordingProvider(t *testing.T, cfg Config, storage *spancache.Storage) (*Provider, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	p, err := NewProvider(context.Background(), cfg, storage, quietLogger(), WithFactory(Static(tp)))
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	return p, rec
}

func TestDelegatingTracer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootURL = "https://ci.example.com/"
	p, rec := newRecordingProvider(t, cfg, spancache.New())

	_, span := p.Tracer("Pipeline").Start(context.Background(), "step")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	attrs := attrMap(ended[0].Attributes())
	if got := attrs[AttrRootURL].AsString(); got != "https://ci.example.com/" {
		t.Errorf("root url = %q", got)
	}
	if ended[0].InstrumentationScope().Name != "Pipeline" {
		t.Errorf("scope = %q, want Pipeline", ended[0].InstrumentationScope().Name)
	}
}

func TestSwap(t *testing.T) {
	storage := spancache.New()
	cache := spancache.CacheFor[string, int](storage, "run", "spans")
	cache.Store("1", 1)

	first := tracetest.NewSpanRecorder()
	second := tracetest.NewSpanRecorder()
	builds := 0
	factory := func(ctx context.Context, cfg Config) (trace.TracerProvider, ShutdownFunc, error) {
		builds++
		if cfg.Backend == BackendOTLP && cfg.OTLPEndpoint == "broken:1" {
			return nil, nil, errors.New("dial failed")
		}
		rec := first
		if builds > 1 {
			rec = second
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
		return tp, tp.Shutdown, nil
	}

	p, err := NewProvider(context.Background(), DefaultConfig(), storage, quietLogger(), WithFactory(factory))
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	tracer := p.Tracer("Jobs")

	t.Run("failed build keeps the current backend", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendOTLP
		cfg.OTLPEndpoint = "broken:1"
		if err := p.Swap(context.Background(), cfg); err == nil {
			t.Fatal("expected error")
		}
		if storage.Size() != 1 {
			t.Error("cache flushed on failed swap")
		}
	})

	t.Run("successful swap flushes and redirects", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendOTLP
		cfg.UIURL = "http://jaeger:16686"
		if err := p.Swap(context.Background(), cfg); err != nil {
			t.Fatalf("Swap failed: %v", err)
		}
		if storage.Size() != 0 {
			t.Errorf("Size() = %d after swap, want 0", storage.Size())
		}

		_, span := tracer.Start(context.Background(), "after")
		span.End()
		if len(second.Ended()) != 1 {
			t.Errorf("expected span on new backend, got %d", len(second.Ended()))
		}
		if p.Config().UIURL != "http://jaeger:16686" {
			t.Error("config not replaced")
		}
	})

	t.Run("invalid config is rejected", func(t *testing.T) {
		if err := p.Swap(context.Background(), Config{Backend: "zipkin"}); !errors.Is(err, ErrUnknownBackend) {
			t.Errorf("expected ErrUnknownBackend, got %v", err)
		}
	})
}

func TestLink(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UIURL = "http://jaeger:16686/"
	p, _ := newRecordingProvider(t, cfg, nil)

	_, span := p.Tracer("Jobs").Start(context.Background(), "Job build")
	defer span.End()

	link := p.Link(span)
	want := "http://jaeger:16686/trace/" + span.SpanContext().TraceID().String()
	if link != want {
		t.Errorf("Link() = %q, want %q", link, want)
	}

	noUI, _ := newRecordingProvider(t, DefaultConfig(), nil)
	if got := noUI.Link(span); got != "" {
		t.Errorf("Link() without ui = %q, want empty", got)
	}
}

func TestAbsoluteURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootURL = "https://ci.example.com/"
	p, _ := newRecordingProvider(t, cfg, nil)

	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"job/build/1/", "https://ci.example.com/job/build/1/"},
		{"/job/x", "https://ci.example.com/job/x"},
		{"http://other/x", "http://other/x"},
	}
	for _, tt := range tests {
		if got := p.AbsoluteURL(tt.in); got != tt.want {
			t.Errorf("AbsoluteURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInjectExtract(t *testing.T) {
	p, _ := newRecordingProvider(t, DefaultConfig(), nil)
	_, span := p.Tracer("Pipeline").Start(context.Background(), "sh")
	defer span.End()

	env := map[string]string{"PATH": "/bin"}
	p.Inject(span, env)

	tp, ok := env["TRACEPARENT"]
	if !ok {
		t.Fatalf("TRACEPARENT not injected: %v", env)
	}
	if !strings.Contains(tp, span.SpanContext().TraceID().String()) {
		t.Errorf("TRACEPARENT %q does not carry trace id", tp)
	}

	ctx := p.Extract(context.Background(), env)
	remote := trace.SpanContextFromContext(ctx)
	if remote.SpanID() != span.SpanContext().SpanID() {
		t.Error("extracted span id mismatch")
	}
}

type stringer struct{}

func (stringer) String() string { return "stringer" }

func TestAttribute(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  attribute.Value
	}{
		{"string", "x", attribute.StringValue("x")},
		{"bool", true, attribute.BoolValue(true)},
		{"int", 3, attribute.IntValue(3)},
		{"float", 1.5, attribute.Float64Value(1.5)},
		{"stringer", stringer{}, attribute.StringValue("stringer")},
		{"slice is coerced", []int{1, 2}, attribute.StringValue("[1 2]")},
		{"map is coerced", map[string]int{"a": 1}, attribute.StringValue("map[a:1]")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Attribute("k", tt.value)
			if got.Value != tt.want {
				t.Errorf("Attribute() = %v, want %v", got.Value.Emit(), tt.want.Emit())
			}
		})
	}
}

func TestSetError(t *testing.T) {
	p, rec := newRecordingProvider(t, DefaultConfig(), nil)
	_, span := p.Tracer("Pipeline").Start(context.Background(), "failing")
	SetError(span, "exit code 1")
	span.End()

	got := rec.Ended()[0]
	attrs := attrMap(got.Attributes())
	if !attrs[AttrError].AsBool() {
		t.Error("error tag missing")
	}
	if attrs[AttrErrorMessage].AsString() != "exit code 1" {
		t.Errorf("error.message = %q", attrs[AttrErrorMessage].AsString())
	}
	if got.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", got.Status().Code)
	}
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies []string
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func TestS3Exporter(t *testing.T) {
	putter := &fakePutter{}
	exp := newS3Exporter(putter, S3Config{Bucket: "spans", PathPrefix: "archive"})

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	ctx, parent := tp.Tracer("Queue").Start(context.Background(), "Queue build")
	_, child := tp.Tracer("Queue").Start(ctx, "Waiting", trace.WithAttributes(attribute.String(AttrReason, "busy")))
	child.End()
	parent.End()

	if err := exp.ExportSpans(context.Background(), rec.Ended()); err != nil {
		t.Fatalf("ExportSpans failed: %v", err)
	}
	if len(putter.inputs) != 1 {
		t.Fatalf("expected 1 object, got %d", len(putter.inputs))
	}
	if *putter.inputs[0].Bucket != "spans" || !strings.HasPrefix(*putter.inputs[0].Key, "archive/") {
		t.Errorf("unexpected location %s/%s", *putter.inputs[0].Bucket, *putter.inputs[0].Key)
	}
	lines := strings.Split(strings.TrimSpace(putter.bodies[0]), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"reason":"busy"`) || !strings.Contains(lines[0], `"parent_span_id"`) {
		t.Errorf("child record incomplete: %s", lines[0])
	}

	if err := exp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := exp.ExportSpans(context.Background(), rec.Ended()); err != nil {
		t.Fatalf("ExportSpans after shutdown failed: %v", err)
	}
	if len(putter.inputs) != 1 {
		t.Error("exported after shutdown")
	}
}
