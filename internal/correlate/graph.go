package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/spancache"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/timing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

// nodeState is the span of one atom or block. A state is open until finish
// is called; finished is sticky.
type nodeState struct {
	nodeID      string
	kind        types.NodeKind
	span        trace.Span
	activeChild string
	finished    bool
}

// finish ends the span at marker's timing and reports whether this call
// did it. errPayload, when set, tags the span as failed first.
func (s *nodeState) finish(marker *types.ExecutionNode, errPayload *types.NodeError, logger *slog.Logger) bool {
	if s.finished {
		return false
	}
	s.finished = true
	if errPayload != nil {
		tracing.SetError(s.span, errPayload.Message)
	}
	timing.Finish(s.span, marker, logger)
	return true
}

// GraphCorrelator maps the nodes of one execution onto spans.
//
// Node events of one execution are expected in order. The mutex only
// serializes them when a transport delivers concurrently.
type GraphCorrelator struct {
	mu sync.Mutex

	executionID string
	tracer      trace.Tracer
	provider    *tracing.Provider
	queue       LeftItemResolver
	logger      *slog.Logger

	states *spancache.Cache[string, *nodeState]
	nodes  *spancache.Cache[string, *types.ExecutionNode]
	root   *spancache.Ref[trace.Span]
}

// NewGraphCorrelator creates the correlator of an execution whose spans
// hang below root.
func NewGraphCorrelator(executionID string, root trace.Span, provider *tracing.Provider, storage *spancache.Storage, queue LeftItemResolver, logger *slog.Logger) *GraphCorrelator {
	owner := ExecutionOwner(executionID)
	return &GraphCorrelator{
		executionID: executionID,
		tracer:      provider.Tracer(TracerPipeline),
		provider:    provider,
		queue:       queue,
		logger:      loggerOrDefault(logger).With(slog.String("execution_id", executionID)),
		states:      spancache.CacheFor[string, *nodeState](storage, owner, "states"),
		nodes:       spancache.CacheFor[string, *types.ExecutionNode](storage, owner, "nodes"),
		root:        spancache.RefFor(storage, owner, "root", root),
	}
}

// ExecutionID returns the execution this correlator follows.
func (g *GraphCorrelator) ExecutionID() string {
	return g.executionID
}

// Observe processes a newly created node and returns the span it maps to.
// Observing the same node again returns the same span without side effects.
// Block ends and tracing steps map to no span.
func (g *GraphCorrelator) Observe(node *types.ExecutionNode) trace.Span {
	defer recoverInstrumentation(g.logger, "observe")
	if node == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.observe(g.remember(node))
}

// ObserveByID observes a node already known from the graph stream and
// returns its span. Block ends and tracing steps have no span of their own
// and report ErrUnknownNode; a block end is not processed.
func (g *GraphCorrelator) ObserveByID(nodeID string) (span trace.Span, err error) {
	defer recoverInstrumentation(g.logger, "observe")

	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes.Load(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if node.Kind != types.NodeKindBlockEnd {
		span = g.observe(node)
	}
	if span == nil {
		return nil, fmt.Errorf("%w: %s has no span", ErrUnknownNode, nodeID)
	}
	return span, nil
}

// observe maps a stored node onto its span. The caller holds g.mu.
func (g *GraphCorrelator) observe(node *types.ExecutionNode) trace.Span {
	switch node.Kind {
	case types.NodeKindBlockEnd:
		g.onBlockEnd(node)
		return nil
	case types.NodeKindAtom, types.NodeKindBlockStart:
		return g.onStartOrAtom(node)
	default:
		g.logger.Warn("ignoring node of unknown kind",
			slog.String("node_id", node.ID),
			slog.String("kind", string(node.Kind)),
		)
		return nil
	}
}

// Update merges information reported after a node was created, such as
// post-execution metadata, the error payload or the queue item a block
// allocated. Spans are not touched until the node's block ends.
func (g *GraphCorrelator) Update(node *types.ExecutionNode) {
	defer recoverInstrumentation(g.logger, "update")
	if node == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.remember(node)
}

// SpanFor returns the span of a traced node.
func (g *GraphCorrelator) SpanFor(nodeID string) (trace.Span, bool) {
	st, ok := g.states.Load(nodeID)
	if !ok {
		return nil, false
	}
	return st.span, true
}

// Node returns a copy of the latest known view of a node.
func (g *GraphCorrelator) Node(nodeID string) (*types.ExecutionNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes.Load(nodeID)
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Inject writes span's trace context into env.
func (g *GraphCorrelator) Inject(span trace.Span, env map[string]string) {
	g.provider.Inject(span, env)
}

// ApplyTraceStep applies tracing DSL information. For a tracing step
// without body (an atom), the span of the enclosing block receives the
// tags. For a tracing step with body, its own block span receives the tags
// and is renamed when an operation name is given.
func (g *GraphCorrelator) ApplyTraceStep(nodeID string, info types.TraceInfo) (span trace.Span, err error) {
	defer recoverInstrumentation(g.logger, "trace_step")

	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes.Load(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	rename := false
	switch node.Kind {
	case types.NodeKindAtom:
		blockID, ok := node.EnclosingBlock()
		if !ok {
			return nil, ErrNoEnclosingBlock
		}
		block, ok := g.nodes.Load(blockID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, blockID)
		}
		span = g.onStartOrAtom(block)
	case types.NodeKindBlockStart:
		span = g.onStartOrAtom(node)
		rename = true
	default:
		return nil, fmt.Errorf("cannot trace node %s of kind %s", nodeID, node.Kind)
	}
	if span == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	if rename && info.OperationName != "" {
		span.SetName(info.OperationName)
	}
	span.SetAttributes(tracing.Attributes("", info.Tags)...)
	for _, ev := range info.Events {
		opts := []trace.EventOption{trace.WithAttributes(tracing.Attributes("", ev.Fields)...)}
		if ev.TimestampMs > 0 {
			opts = append(opts, trace.WithTimestamp(time.UnixMilli(ev.TimestampMs)))
		}
		span.AddEvent(ev.Name, opts...)
	}
	return span, nil
}

// remember stores or merges node into the node table and returns the
// stored view.
func (g *GraphCorrelator) remember(node *types.ExecutionNode) *types.ExecutionNode {
	stored, loaded := g.nodes.LoadOrCompute(node.ID, node.Clone)
	if loaded {
		stored.Merge(node)
	}
	return stored
}

func (g *GraphCorrelator) errorOf(nodeID string) *types.NodeError {
	if n, ok := g.nodes.Load(nodeID); ok {
		return n.Error
	}
	return nil
}

func (g *GraphCorrelator) onBlockEnd(end *types.ExecutionNode) {
	start, ok := g.states.Load(end.StartNodeID)
	if !ok {
		lookupFailure(g.logger, "graph", "block_start",
			slog.String("node_id", end.ID),
			slog.String("start_node_id", end.StartNodeID),
		)
		return
	}
	if start.finished {
		// Block ends are delivered twice.
		return
	}

	g.finishPreviousNodes(end)

	if start.activeChild != "" {
		if child, ok := g.states.Load(start.activeChild); ok {
			child.finish(end, g.errorOf(child.nodeID), g.logger)
		}
	}

	startNode, _ := g.nodes.Load(start.nodeID)
	applyBlockMetadata(start.span, startNode)

	errPayload := g.errorOf(start.nodeID)
	if errPayload == nil {
		errPayload = end.Error
	}
	start.finish(end, errPayload, g.logger)
}

func (g *GraphCorrelator) onStartOrAtom(node *types.ExecutionNode) trace.Span {
	if node.Kind == types.NodeKindAtom && node.FunctionName == TraceStepFunction {
		return nil
	}
	if st, ok := g.states.Load(node.ID); ok {
		return st.span
	}

	g.finishPreviousNodes(node)

	ctx, hasParent := g.parentContext(node)
	attrs := []attribute.KeyValue{attribute.String(tracing.AttrExecutionID, g.executionID)}
	if node.FunctionName != "" {
		attrs = append(attrs, attribute.String(tracing.AttrFunctionName, node.FunctionName))
	}
	opts := []trace.SpanStartOption{trace.WithAttributes(attrs...)}
	if !hasParent {
		opts = append(opts, trace.WithNewRoot())
	}

	_, span := g.tracer.Start(ctx, operationName(node), timing.StartOptions(node, g.logger, opts...)...)
	if url := g.provider.AbsoluteURL(node.URL); url != "" {
		span.SetAttributes(attribute.String(tracing.AttrURL, url))
	}

	g.states.Store(node.ID, &nodeState{nodeID: node.ID, kind: node.Kind, span: span})
	return span
}

// finishPreviousNodes makes node the active child of its enclosing block.
// A previous active atom ends where node starts; previous blocks end at
// their own block end.
func (g *GraphCorrelator) finishPreviousNodes(node *types.ExecutionNode) {
	blockID, ok := node.EnclosingBlock()
	if !ok {
		return
	}
	parent, ok := g.states.Load(blockID)
	if !ok {
		return
	}
	previous := parent.activeChild
	parent.activeChild = node.ID
	if previous == "" || previous == node.ID {
		return
	}
	if prev, ok := g.states.Load(previous); ok && prev.kind == types.NodeKindAtom {
		prev.finish(node, g.errorOf(prev.nodeID), g.logger)
	}
}

// parentContext resolves the parent of a new span: the envelope of the
// queue item the enclosing block allocated, then the enclosing block, then
// the run. It reports false when there is none.
func (g *GraphCorrelator) parentContext(node *types.ExecutionNode) (context.Context, bool) {
	ctx := context.Background()

	if blockID, ok := node.EnclosingBlock(); ok {
		if block, ok := g.nodes.Load(blockID); ok && block.QueueItemID != 0 && g.queue != nil {
			if span, ok := g.queue.SpanForLeftItem(block.QueueItemID); ok {
				return trace.ContextWithSpan(ctx, span), true
			}
			lookupFailure(g.logger, "graph", "queue_item",
				slog.String("node_id", node.ID),
				slog.Int64("queue_item_id", block.QueueItemID),
			)
		}
		if st, ok := g.states.Load(blockID); ok {
			return trace.ContextWithSpan(ctx, st.span), true
		}
	}

	if root, ok := g.root.Get(); ok && root != nil {
		return trace.ContextWithSpan(ctx, root), true
	}
	return ctx, false
}

func operationName(node *types.ExecutionNode) string {
	if node.Kind == types.NodeKindAtom {
		if node.FunctionName != "" {
			return node.FunctionName
		}
		return node.DisplayName
	}
	return strings.TrimSpace(node.DisplayName + " " + node.FunctionName)
}

// applyBlockMetadata sets the tags only known once a block has run.
func applyBlockMetadata(span trace.Span, node *types.ExecutionNode) {
	if node == nil || node.Metadata == nil {
		return
	}
	m := node.Metadata
	if m.StageName != "" {
		span.SetAttributes(attribute.String(tracing.AttrStageName, m.StageName))
	}

	args := m.FilteredArguments()
	span.SetAttributes(tracing.Attributes(tracing.AttrArgumentPrefix, args)...)
	if node.FunctionName == "stage" {
		if name, ok := args["name"].(string); ok {
			span.SetAttributes(attribute.String(tracing.AttrStageName, name))
		}
	}

	span.SetAttributes(tracing.StringAttributes(m.Tags)...)
}
