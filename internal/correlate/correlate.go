// Package correlate turns the execution graph, queue and run event streams
// into one consistent tree of spans.
//
// Three correlators share a single span cache. The queue correlator owns
// the envelope spans of queue items, the run correlator owns one span per
// run, and one graph correlator per execution owns the spans of that
// execution's steps and blocks. The Registry wires them together and is the
// only entry point the rest of the service uses.
//
// Every failure inside this package is logged and swallowed: missing spans
// degrade tracing, never the observed pipeline.
package correlate

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/metrics"
)

// Tracer names used for the three components.
const (
	TracerPipeline = "Pipeline"
	TracerQueue    = "Queue"
	TracerJobs     = "Jobs"
)

// TraceStepFunction is the function name of the tracing DSL step.
const TraceStepFunction = "trace"

// Cache owners of the shared components.
const (
	ownerQueue    = "queue"
	ownerRun      = "run"
	ownerRegistry = "registry"
)

var (
	// ErrUnknownNode is returned when a node was never observed.
	ErrUnknownNode = errors.New("node not observed")

	// ErrUnknownExecution is returned when no correlator exists for an execution.
	ErrUnknownExecution = errors.New("execution not traced")

	// ErrUnknownRun is returned when a run has no span.
	ErrUnknownRun = errors.New("run not traced")

	// ErrNoEnclosingBlock is returned for a tracing step outside any block.
	ErrNoEnclosingBlock = errors.New("trace step has no enclosing block")
)

// ExecutionOwner is the span cache owner of an execution's state.
func ExecutionOwner(executionID string) string {
	return "execution/" + executionID
}

// NodeSpanResolver finds the span of a traced execution node.
type NodeSpanResolver interface {
	SpanForNode(executionID, nodeID string) (trace.Span, bool)
}

// LeftItemResolver finds the closed envelope span of a queue item that has
// left the queue.
type LeftItemResolver interface {
	SpanForLeftItem(itemID int64) (trace.Span, bool)
}

// lookupFailure records that an owning run, node or queue item could not be
// resolved. The caller turns the operation into a no-op.
func lookupFailure(logger *slog.Logger, component, kind string, attrs ...any) {
	metrics.LookupFailures.WithLabelValues(component, kind).Inc()
	logger.Warn("span lookup failed",
		append([]any{slog.String("component", component), slog.String("kind", kind)}, attrs...)...,
	)
}

// recoverInstrumentation must be deferred directly by correlator entry points.
func recoverInstrumentation(logger *slog.Logger, op string) {
	if r := recover(); r != nil {
		metrics.InstrumentationPanics.WithLabelValues(op).Inc()
		logger.Error("instrumentation panic recovered",
			slog.String("operation", op),
			slog.String("panic", fmt.Sprint(r)),
			slog.String("stack", string(debug.Stack())),
		)
	}
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
