package correlate

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/spancache"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

// QueueCorrelator maps queue items onto an envelope span with one child per
// Waiting, Blocked and Buildable phase.
type QueueCorrelator struct {
	tracer   trace.Tracer
	provider *tracing.Provider
	nodes    NodeSpanResolver
	logger   *slog.Logger
	now      func() time.Time

	inQueue   *spancache.Cache[int64, trace.Span]
	waiting   *spancache.Cache[int64, trace.Span]
	blocked   *spancache.Cache[int64, trace.Span]
	buildable *spancache.Cache[int64, trace.Span]
	left      *spancache.Cache[int64, trace.Span]
}

// QueueOption configures a QueueCorrelator.
type QueueOption func(*QueueCorrelator)

// WithQueueClock overrides the clock used to time queue transitions.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *QueueCorrelator) {
		q.now = now
	}
}

// NewQueueCorrelator creates a queue correlator. nodes resolves the spans
// of execution nodes that scheduled an item; it may be nil.
func NewQueueCorrelator(provider *tracing.Provider, storage *spancache.Storage, nodes NodeSpanResolver, logger *slog.Logger, opts ...QueueOption) *QueueCorrelator {
	storage.Pin(ownerQueue)
	q := &QueueCorrelator{
		tracer:    provider.Tracer(TracerQueue),
		provider:  provider,
		nodes:     nodes,
		logger:    loggerOrDefault(logger).With(slog.String("component", "queue")),
		now:       time.Now,
		inQueue:   spancache.CacheFor[int64, trace.Span](storage, ownerQueue, "inQueue"),
		waiting:   spancache.CacheFor[int64, trace.Span](storage, ownerQueue, "waiting"),
		blocked:   spancache.CacheFor[int64, trace.Span](storage, ownerQueue, "blocked"),
		buildable: spancache.CacheFor[int64, trace.Span](storage, ownerQueue, "buildable"),
		left:      spancache.CacheFor[int64, trace.Span](storage, ownerQueue, "left"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enter returns the envelope span of item, creating it on first use.
func (q *QueueCorrelator) Enter(item *types.QueueItem) trace.Span {
	defer recoverInstrumentation(q.logger, "queue_enter")
	if item == nil {
		return nil
	}
	span, _ := q.inQueue.LoadOrCompute(item.ID, func() trace.Span {
		return q.startEnvelope(item)
	})
	return span
}

func (q *QueueCorrelator) startEnvelope(item *types.QueueItem) trace.Span {
	ctx, hasParent := q.parentContext(item)

	attrs := []attribute.KeyValue{attribute.Int64(tracing.AttrQueueItemID, item.ID)}
	if name, ok := item.Username(); ok {
		attrs = append(attrs, attribute.String(tracing.AttrUsername, name))
	}
	if url := q.itemURL(item); url != "" {
		attrs = append(attrs, attribute.String(tracing.AttrURL, url))
	}

	opts := []trace.SpanStartOption{
		trace.WithTimestamp(q.now()),
		trace.WithAttributes(attrs...),
	}
	if !hasParent {
		opts = append(opts, trace.WithNewRoot())
	}
	_, span := q.tracer.Start(ctx, "Queue "+item.TaskName(), opts...)
	return span
}

// parentContext returns the span of the execution node that scheduled
// item, when its task exposes one and that node is traced.
func (q *QueueCorrelator) parentContext(item *types.QueueItem) (context.Context, bool) {
	ctx := context.Background()
	task, ok := item.Task.(types.TaskWithNode)
	if !ok || q.nodes == nil {
		return ctx, false
	}
	ref := task.Node()
	span, ok := q.nodes.SpanForNode(ref.ExecutionID, ref.NodeID)
	if !ok {
		lookupFailure(q.logger, "queue", "node",
			slog.Int64("queue_item_id", item.ID),
			slog.String("execution_id", ref.ExecutionID),
			slog.String("node_id", ref.NodeID),
		)
		return ctx, false
	}
	return trace.ContextWithSpan(ctx, span), true
}

func (q *QueueCorrelator) itemURL(item *types.QueueItem) string {
	if item.Link != "" {
		return q.provider.AbsoluteURL(item.Link)
	}
	if item.Task != nil {
		return q.provider.AbsoluteURL(item.Task.URL())
	}
	return ""
}

// EnterWaiting opens the Waiting phase of item.
func (q *QueueCorrelator) EnterWaiting(item *types.QueueItem) {
	defer recoverInstrumentation(q.logger, "enter_waiting")
	var attrs []attribute.KeyValue
	if item != nil && item.Blockage != "" {
		attrs = append(attrs, attribute.String(tracing.AttrReason, item.Blockage))
	}
	q.enterPhase(q.waiting, "Waiting", item, attrs...)
}

// LeaveWaiting closes the Waiting phase of item.
func (q *QueueCorrelator) LeaveWaiting(item *types.QueueItem) {
	q.leavePhase(q.waiting, item, q.now())
}

// EnterBlocked opens the Blocked phase of item.
func (q *QueueCorrelator) EnterBlocked(item *types.QueueItem) {
	defer recoverInstrumentation(q.logger, "enter_blocked")
	q.enterPhase(q.blocked, "Blocked", item)
}

// LeaveBlocked closes the Blocked phase of item.
func (q *QueueCorrelator) LeaveBlocked(item *types.QueueItem) {
	q.leavePhase(q.blocked, item, q.now())
}

// EnterBuildable opens the Buildable phase of item.
func (q *QueueCorrelator) EnterBuildable(item *types.QueueItem) {
	defer recoverInstrumentation(q.logger, "enter_buildable")
	q.enterPhase(q.buildable, "Buildable", item)
}

// LeaveBuildable closes the Buildable phase of item.
func (q *QueueCorrelator) LeaveBuildable(item *types.QueueItem) {
	q.leavePhase(q.buildable, item, q.now())
}

func (q *QueueCorrelator) enterPhase(phase *spancache.Cache[int64, trace.Span], name string, item *types.QueueItem, attrs ...attribute.KeyValue) {
	if item == nil {
		return
	}
	envelope := q.Enter(item)
	if envelope == nil {
		return
	}
	if url := q.itemURL(item); url != "" {
		attrs = append(attrs, attribute.String(tracing.AttrURL, url))
	}
	phase.LoadOrCompute(item.ID, func() trace.Span {
		ctx := trace.ContextWithSpan(context.Background(), envelope)
		_, span := q.tracer.Start(ctx, name,
			trace.WithTimestamp(q.now()),
			trace.WithAttributes(attrs...),
		)
		return span
	})
}

func (q *QueueCorrelator) leavePhase(phase *spancache.Cache[int64, trace.Span], item *types.QueueItem, at time.Time) {
	defer recoverInstrumentation(q.logger, "leave_phase")
	if item == nil {
		return
	}
	if span, ok := phase.LoadAndDelete(item.ID); ok {
		span.End(trace.WithTimestamp(at))
	}
}

// Left finishes the envelope of item and keeps it for SpanForLeftItem.
// Phases still open are closed at the same instant.
func (q *QueueCorrelator) Left(item *types.QueueItem) {
	defer recoverInstrumentation(q.logger, "left")
	if item == nil {
		return
	}
	at := q.now()
	q.leavePhase(q.waiting, item, at)
	q.leavePhase(q.blocked, item, at)
	q.leavePhase(q.buildable, item, at)

	span, ok := q.inQueue.Load(item.ID)
	if !ok {
		lookupFailure(q.logger, "queue", "queue_item", slog.Int64("queue_item_id", item.ID))
		return
	}
	span.SetAttributes(attribute.Bool(tracing.AttrCancelled, item.Cancelled))
	span.End(trace.WithTimestamp(at))
	q.left.Store(item.ID, span)
}

// SpanForLeftItem returns the finished envelope of an item that left the
// queue.
func (q *QueueCorrelator) SpanForLeftItem(itemID int64) (trace.Span, bool) {
	return q.left.Load(itemID)
}

// PopQueueSpan removes and returns the envelope of a queue item. A run
// consumes the envelope of the item it was started from exactly once.
func (q *QueueCorrelator) PopQueueSpan(itemID int64) (trace.Span, bool) {
	span, ok := q.inQueue.LoadAndDelete(itemID)
	q.logger.Debug("looking for queue span",
		slog.Int64("queue_item_id", itemID),
		slog.Bool("found", ok),
	)
	return span, ok
}
