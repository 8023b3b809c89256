package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/spancache"
)

// ShutdownFunc flushes and stops a backend.
type ShutdownFunc func(context.Context) error

// Factory builds the tracer provider for a configuration.
type Factory func(ctx context.Context, cfg Config) (trace.TracerProvider, ShutdownFunc, error)

// Option configures a Provider.
type Option func(*Provider)

// WithFactory overrides how backends are built.
func WithFactory(f Factory) Option {
	return func(p *Provider) {
		p.factory = f
	}
}

// Static returns a Factory that always installs tp.
func Static(tp trace.TracerProvider) Factory {
	return func(context.Context, Config) (trace.TracerProvider, ShutdownFunc, error) {
		return tp, nil, nil
	}
}

// Provider is a trace.TracerProvider whose backend can be replaced at
// runtime. Tracers obtained from it always start spans on the current
// backend.
type Provider struct {
	embedded.TracerProvider

	mu       sync.RWMutex
	current  trace.TracerProvider
	shutdown ShutdownFunc
	cfg      Config

	factory    Factory
	storage    *spancache.Storage
	propagator propagation.TextMapPropagator
	logger     *slog.Logger
}

// NewProvider builds the initial backend described by cfg.
func NewProvider(ctx context.Context, cfg Config, storage *spancache.Storage, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		factory: build,
		storage: storage,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tp, shutdown, err := p.factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s backend: %w", cfg.Backend, err)
	}
	p.current, p.shutdown, p.cfg = tp, shutdown, cfg

	logger.Info("tracer backend initialized",
		slog.String("backend", string(backendOf(cfg))),
		slog.Float64("sample_rate", cfg.SampleRate),
	)
	return p, nil
}

// Tracer returns a tracer that follows backend swaps.
func (p *Provider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return &delegatingTracer{provider: p, name: name, opts: opts}
}

// Config returns the active configuration.
func (p *Provider) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Propagator returns the propagator used by Inject and Extract.
func (p *Provider) Propagator() propagation.TextMapPropagator {
	return p.propagator
}

// Swap replaces the backend. The span cache is flushed before and after the
// switch so that no span created by the old backend is parented, tagged or
// finished through the new one. In-flight spans are abandoned, not finished.
func (p *Provider) Swap(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		metrics.BackendSwaps.WithLabelValues(string(backendOf(cfg)), "invalid").Inc()
		return err
	}
	tp, shutdown, err := p.factory(ctx, cfg)
	if err != nil {
		metrics.BackendSwaps.WithLabelValues(string(backendOf(cfg)), "error").Inc()
		return fmt.Errorf("build %s backend: %w", cfg.Backend, err)
	}

	dropped := p.flush()

	p.mu.Lock()
	oldShutdown := p.shutdown
	p.current, p.shutdown, p.cfg = tp, shutdown, cfg
	p.mu.Unlock()

	dropped += p.flush()

	if oldShutdown != nil {
		if err := oldShutdown(ctx); err != nil {
			p.logger.Warn("previous tracer backend shutdown failed", slog.String("error", err.Error()))
		}
	}

	metrics.BackendSwaps.WithLabelValues(string(backendOf(cfg)), "success").Inc()
	p.logger.Info("tracer backend reconfigured",
		slog.String("backend", string(backendOf(cfg))),
		slog.Int("abandoned_entries", dropped),
	)
	return nil
}

func (p *Provider) flush() int {
	if p.storage == nil {
		return 0
	}
	metrics.CacheFlushes.Inc()
	n := p.storage.Flush()
	metrics.CacheSize.Set(float64(p.storage.Size()))
	return n
}

// Shutdown stops the active backend, exporting buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	shutdown := p.shutdown
	p.shutdown = nil
	p.mu.Unlock()

	if shutdown == nil {
		return nil
	}
	p.logger.Info("shutting down tracer backend...")
	return shutdown(ctx)
}

// Link returns the trace viewer URL for span, or "" when no viewer is
// configured or the span carries no trace.
func (p *Provider) Link(span trace.Span) string {
	ui := strings.TrimSuffix(p.Config().UIURL, "/")
	if ui == "" || span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return ui + "/trace/" + sc.TraceID().String()
}

// AbsoluteURL resolves a path relative to the configured root URL.
func (p *Provider) AbsoluteURL(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	root := strings.TrimSuffix(p.Config().RootURL, "/")
	if root == "" {
		return path
	}
	return root + "/" + strings.TrimPrefix(path, "/")
}

func (p *Provider) snapshot() (trace.TracerProvider, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, p.cfg.RootURL
}

type delegatingTracer struct {
	embedded.Tracer

	provider *Provider
	name     string
	opts     []trace.TracerOption
}

// Start starts the span on the current backend and tags it with the root URL.
func (t *delegatingTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	tp, root := t.provider.snapshot()
	if root != "" {
		opts = append(opts[:len(opts):len(opts)], trace.WithAttributes(attribute.String(AttrRootURL, root)))
	}
	ctx, span := tp.Tracer(t.name, t.opts...).Start(ctx, spanName, opts...)
	metrics.SpansStarted.WithLabelValues(t.name).Inc()

	metered := &meteredSpan{Span: span, tracer: t.name}
	return trace.ContextWithSpan(ctx, metered), metered
}

// meteredSpan counts the first End of a span.
type meteredSpan struct {
	trace.Span

	tracer string
	ended  atomic.Bool
}

func (s *meteredSpan) End(opts ...trace.SpanEndOption) {
	if s.ended.CompareAndSwap(false, true) {
		metrics.SpansFinished.WithLabelValues(s.tracer).Inc()
	}
	s.Span.End(opts...)
}

func backendOf(cfg Config) Backend {
	if cfg.Backend == "" {
		return BackendNone
	}
	return cfg.Backend
}

// build creates the OpenTelemetry provider for cfg.
func build(ctx context.Context, cfg Config) (trace.TracerProvider, ShutdownFunc, error) {
	var exporter sdktrace.SpanExporter
	switch backendOf(cfg) {
	case BackendNone:
		return noop.NewTracerProvider(), nil, nil
	case BackendOTLP:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithTimeout(5 * time.Second),
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		exporter = exp
	case BackendS3:
		exp, err := NewS3Exporter(ctx, cfg.S3)
		if err != nil {
			return nil, nil, err
		}
		exporter = exp
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	return tp, tp.Shutdown, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}
