package correlate

import (
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/spancache"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

// Registry owns the queue and run correlators and one graph correlator per
// live execution.
type Registry struct {
	provider *tracing.Provider
	storage  *spancache.Storage
	logger   *slog.Logger

	queue *QueueCorrelator
	runs  *RunCorrelator

	// createMu serializes correlator creation, which registers caches
	// and must not run under a cache lock.
	createMu   sync.Mutex
	listeners  *spancache.Cache[string, *GraphCorrelator]
	executions *spancache.Cache[string, string] // execution id -> run id
	runs2exec  *spancache.Cache[string, string] // run id -> execution id
}

// NewRegistry wires the correlators around one span cache.
func NewRegistry(provider *tracing.Provider, storage *spancache.Storage, logger *slog.Logger, opts ...QueueOption) *Registry {
	logger = loggerOrDefault(logger)
	storage.Pin(ownerRegistry)
	r := &Registry{
		provider:   provider,
		storage:    storage,
		logger:     logger,
		listeners:  spancache.CacheFor[string, *GraphCorrelator](storage, ownerRegistry, "listeners"),
		executions: spancache.CacheFor[string, string](storage, ownerRegistry, "executions"),
		runs2exec:  spancache.CacheFor[string, string](storage, ownerRegistry, "runs"),
	}
	r.queue = NewQueueCorrelator(provider, storage, r, logger, opts...)
	r.runs = NewRunCorrelator(provider, storage, r.queue, logger)
	return r
}

// Queue returns the queue correlator.
func (r *Registry) Queue() *QueueCorrelator {
	return r.queue
}

// Runs returns the run correlator.
func (r *Registry) Runs() *RunCorrelator {
	return r.runs
}

// RunStarted starts the run's span and binds its execution, if reported.
func (r *Registry) RunStarted(run *types.Run) string {
	if run == nil {
		return ""
	}
	link := r.runs.OnStart(run)
	if run.ExecutionID != "" {
		r.bind(run.ExecutionID, run.ID)
	}
	return link
}

// BindExecution records that an execution belongs to a run.
func (r *Registry) BindExecution(executionID, runID string) {
	r.bind(executionID, runID)
}

func (r *Registry) bind(executionID, runID string) {
	r.executions.Store(executionID, runID)
	r.runs2exec.Store(runID, executionID)
}

// RunCompleted finishes the run's span and disposes its execution.
func (r *Registry) RunCompleted(run *types.Run, result types.Result) {
	if run == nil {
		return
	}
	r.runs.OnComplete(run, result)

	executionID := run.ExecutionID
	if executionID == "" {
		executionID, _ = r.runs2exec.Load(run.ID)
	}
	r.runs2exec.Delete(run.ID)
	if executionID != "" {
		r.ExecutionCompleted(executionID)
	}
}

// ListenerFor returns the graph correlator of an execution, creating it on
// first use. It returns nil when the execution's run has no span.
func (r *Registry) ListenerFor(executionID string) *GraphCorrelator {
	defer recoverInstrumentation(r.logger, "listener_for")
	if g, ok := r.listeners.Load(executionID); ok {
		return g
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if g, ok := r.listeners.Load(executionID); ok {
		return g
	}
	runID, ok := r.executions.Load(executionID)
	if !ok {
		lookupFailure(r.logger, "registry", "execution", slog.String("execution_id", executionID))
		return nil
	}
	root, ok := r.runs.SpanFor(runID)
	if !ok {
		lookupFailure(r.logger, "registry", "run",
			slog.String("execution_id", executionID),
			slog.String("run_id", runID),
		)
		return nil
	}

	g := NewGraphCorrelator(executionID, root, r.provider, r.storage, r.queue, r.logger)
	r.listeners.Store(executionID, g)
	metrics.ExecutionsActive.Set(float64(r.listeners.Len()))
	r.logger.Debug("execution correlator created",
		slog.String("execution_id", executionID),
		slog.String("run_id", runID),
	)
	return g
}

// Listener returns the graph correlator of an execution without creating it.
func (r *Registry) Listener(executionID string) (*GraphCorrelator, bool) {
	return r.listeners.Load(executionID)
}

// ExecutionCompleted disposes the correlator of an execution and releases
// everything it cached.
func (r *Registry) ExecutionCompleted(executionID string) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	_, existed := r.listeners.LoadAndDelete(executionID)
	r.executions.Delete(executionID)
	released := r.storage.Release(ExecutionOwner(executionID))

	metrics.ExecutionsActive.Set(float64(r.listeners.Len()))
	metrics.CacheSize.Set(float64(r.storage.Size()))
	if existed {
		r.logger.Debug("execution correlator disposed",
			slog.String("execution_id", executionID),
			slog.Int("released_entries", released),
		)
	}
}

// SpanForRun returns the span of a run.
func (r *Registry) SpanForRun(runID string) (trace.Span, bool) {
	return r.runs.SpanFor(runID)
}

// SpanForNode returns the span of a node of a live execution.
func (r *Registry) SpanForNode(executionID, nodeID string) (trace.Span, bool) {
	g, ok := r.listeners.Load(executionID)
	if !ok {
		return nil, false
	}
	return g.SpanFor(nodeID)
}

// Inject writes span's trace context into env.
func (r *Registry) Inject(span trace.Span, env map[string]string) {
	r.provider.Inject(span, env)
}

// RunTrace describes the span of a run.
func (r *Registry) RunTrace(runID string) (*types.RunTrace, error) {
	span, ok := r.runs.SpanFor(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	sc := span.SpanContext()
	return &types.RunTrace{
		RunID:   runID,
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Link:    r.provider.Link(span),
	}, nil
}

// EnvFor returns the environment a step process needs to continue the
// trace of a node. The node is observed first, so an atom that has not been
// reported through the graph stream yet still gets its span.
func (r *Registry) EnvFor(executionID, nodeID string) (map[string]string, error) {
	g := r.ListenerFor(executionID)
	if g == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	span, err := g.ObserveByID(nodeID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string)
	r.provider.Inject(span, env)
	return env, nil
}

// TraceStep applies tracing DSL information to a node of an execution.
func (r *Registry) TraceStep(executionID, nodeID string, info types.TraceInfo) (trace.Span, error) {
	g := r.ListenerFor(executionID)
	if g == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	return g.ApplyTraceStep(nodeID, info)
}

// Active returns the number of live execution correlators.
func (r *Registry) Active() int {
	return r.listeners.Len()
}
