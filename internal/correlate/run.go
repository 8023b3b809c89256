package correlate

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/spancache"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

// QueueSpanSource hands out the envelope span a run was scheduled by.
type QueueSpanSource interface {
	PopQueueSpan(itemID int64) (trace.Span, bool)
}

// RunCorrelator maps runs onto one "Job" span each.
type RunCorrelator struct {
	tracer   trace.Tracer
	provider *tracing.Provider
	queue    QueueSpanSource
	logger   *slog.Logger

	spans *spancache.Cache[string, trace.Span]
}

// NewRunCorrelator creates a run correlator.
func NewRunCorrelator(provider *tracing.Provider, storage *spancache.Storage, queue QueueSpanSource, logger *slog.Logger) *RunCorrelator {
	storage.Pin(ownerRun)
	return &RunCorrelator{
		tracer:   provider.Tracer(TracerJobs),
		provider: provider,
		queue:    queue,
		logger:   loggerOrDefault(logger).With(slog.String("component", "run")),
		spans:    spancache.CacheFor[string, trace.Span](storage, ownerRun, "spans"),
	}
}

// OnStart starts the span of run below the envelope of the queue item it
// came from, and returns the trace viewer link, if the backend offers one.
// A run that was already started keeps its span.
func (r *RunCorrelator) OnStart(run *types.Run) (link string) {
	defer recoverInstrumentation(r.logger, "run_start")
	if run == nil {
		return ""
	}

	span, loaded := r.spans.LoadOrCompute(run.ID, func() trace.Span {
		return r.start(run)
	})
	if loaded {
		r.logger.Debug("run already started", slog.String("run_id", run.ID))
	}
	return r.provider.Link(span)
}

func (r *RunCorrelator) start(run *types.Run) trace.Span {
	ctx := context.Background()
	opts := []trace.SpanStartOption{
		trace.WithAttributes(
			attribute.String(tracing.AttrJob, run.DisplayName),
			attribute.Int(tracing.AttrBuildNumber, run.Number),
		),
	}

	parent, ok := r.popParent(run)
	if ok {
		ctx = trace.ContextWithSpan(ctx, parent)
	} else {
		opts = append(opts, trace.WithNewRoot())
	}

	_, span := r.tracer.Start(ctx, fmt.Sprintf("Job %s", run.DisplayName), opts...)
	if url := r.provider.AbsoluteURL(run.URL); url != "" {
		span.SetAttributes(attribute.String(tracing.AttrURL, url))
	}
	return span
}

func (r *RunCorrelator) popParent(run *types.Run) (trace.Span, bool) {
	if run.QueueID == 0 || r.queue == nil {
		return nil, false
	}
	span, ok := r.queue.PopQueueSpan(run.QueueID)
	if !ok {
		lookupFailure(r.logger, "run", "queue_item",
			slog.String("run_id", run.ID),
			slog.Int64("queue_item_id", run.QueueID),
		)
	}
	return span, ok
}

// OnComplete records the result of run and finishes its span. Any result
// other than SUCCESS marks the span as failed.
func (r *RunCorrelator) OnComplete(run *types.Run, result types.Result) {
	defer recoverInstrumentation(r.logger, "run_complete")
	if run == nil {
		return
	}
	span, ok := r.spans.Load(run.ID)
	if !ok {
		lookupFailure(r.logger, "run", "run", slog.String("run_id", run.ID))
		return
	}
	if result != "" {
		span.SetAttributes(attribute.String(tracing.AttrResult, string(result)))
		if !result.IsSuccess() {
			tracing.SetError(span, "")
		}
	}
	span.End()
}

// SpanFor returns the span of a run.
func (r *RunCorrelator) SpanFor(runID string) (trace.Span, bool) {
	return r.spans.Load(runID)
}
