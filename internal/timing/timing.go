// Package timing translates node timing records into span start and finish
// timestamps.
package timing

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

// StartTime returns the recorded start of node, if any.
func StartTime(node *types.ExecutionNode) (time.Time, bool) {
	if node == nil || node.StartMillis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(node.StartMillis), true
}

// StartOptions appends a start timestamp taken from node to opts. Without a
// recorded start the options are returned unchanged and the backend stamps
// the span with the current time.
func StartOptions(node *types.ExecutionNode, logger *slog.Logger, opts ...trace.SpanStartOption) []trace.SpanStartOption {
	ts, ok := StartTime(node)
	if !ok {
		debugMissing(logger, "start", node)
		return opts
	}
	return append(opts, trace.WithTimestamp(ts))
}

// Finish ends span at the start time of marker, the node whose appearance
// terminates the span. Without timing the span ends now.
//
// marker's own end time is ignored: the successor's start is what the graph
// reports consistently for every kind of node.
func Finish(span trace.Span, marker *types.ExecutionNode, logger *slog.Logger) {
	if span == nil {
		return
	}
	ts, ok := StartTime(marker)
	if !ok {
		debugMissing(logger, "finish", marker)
		span.End()
		return
	}
	span.End(trace.WithTimestamp(ts))
}

// FinishAt ends span at t.
func FinishAt(span trace.Span, t time.Time) {
	if span == nil {
		return
	}
	span.End(trace.WithTimestamp(t))
}

func debugMissing(logger *slog.Logger, phase string, node *types.ExecutionNode) {
	if logger == nil {
		logger = slog.Default()
	}
	id := ""
	if node != nil {
		id = node.ID
	}
	logger.Debug("node has no timing, using current time",
		slog.String("phase", phase),
		slog.String("node_id", id),
	)
}
