// Package ingest routes pipeline events to the correlators.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/correlate"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

// Errors returned for malformed input. Correlation problems are never
// reported to the producer.
var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownEvent    = errors.New("unknown event")
)

// Sink consumes event envelopes. The Dispatcher is the in-process sink;
// RedisPublisher forwards envelopes to a Redis channel.
type Sink interface {
	Dispatch(ctx context.Context, env *types.Envelope) error
}

// Dispatcher routes envelopes to the queue, run and graph correlators.
// It is safe for concurrent use.
type Dispatcher struct {
	registry  *correlate.Registry
	validator *validator.Validator
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. v may be nil to skip schema
// validation of raw payloads.
func NewDispatcher(registry *correlate.Registry, v *validator.Validator, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		validator: v,
		logger:    logger,
	}
}

// DispatchJSON validates and dispatches a JSON envelope or array of
// envelopes. It returns the number of envelopes dispatched.
func (d *Dispatcher) DispatchJSON(ctx context.Context, data []byte) (int, error) {
	if d.validator != nil {
		if result := d.validator.ValidateEnvelopesJSON(data); !result.Valid {
			metrics.EventsRejected.WithLabelValues("schema").Inc()
			return 0, fmt.Errorf("%w: %s", ErrInvalidEnvelope, result.Error())
		}
	}

	envelopes, err := types.ParseEnvelopes(data)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("decode").Inc()
		return 0, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	for i, env := range envelopes {
		if err := d.Dispatch(ctx, env); err != nil {
			return i, err
		}
	}
	return len(envelopes), nil
}

// Dispatch routes one envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, env *types.Envelope) error {
	if env == nil {
		metrics.EventsRejected.WithLabelValues("empty").Inc()
		return fmt.Errorf("%w: empty envelope", ErrInvalidEnvelope)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	switch env.Source {
	case types.SourceGraph:
		err = d.dispatchGraph(env)
	case types.SourceQueue:
		err = d.dispatchQueue(env)
	case types.SourceRun:
		err = d.dispatchRun(env)
	default:
		err = fmt.Errorf("%w: source %q", ErrUnknownEvent, env.Source)
	}
	if err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		d.logger.Debug("event rejected", slog.String("event", env.String()), slog.Any("error", err))
		return err
	}

	metrics.EventsIngested.WithLabelValues(string(env.Source), string(env.Type)).Inc()
	return nil
}

func (d *Dispatcher) dispatchGraph(env *types.Envelope) error {
	executionID := env.ExecutionID
	if executionID == "" && env.Node != nil {
		executionID = env.Node.ExecutionID
	}
	if executionID == "" {
		return fmt.Errorf("%w: graph event without execution id", ErrInvalidEnvelope)
	}

	if env.Type == types.EventTypeExecutionCompleted {
		d.registry.ExecutionCompleted(executionID)
		return nil
	}

	if env.Node == nil {
		return fmt.Errorf("%w: %s without node", ErrInvalidEnvelope, env.Type)
	}
	node := env.Node
	if node.ExecutionID == "" {
		node.ExecutionID = executionID
	}
	if err := node.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch env.Type {
	case types.EventTypeNodeObserved, types.EventTypeNodeUpdated:
	case types.EventTypeTraceStep:
		if env.Trace == nil {
			return fmt.Errorf("%w: trace_step without trace", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: graph/%s", ErrUnknownEvent, env.Type)
	}

	g := d.registry.ListenerFor(executionID)
	if g == nil {
		// Logged and counted by the registry.
		return nil
	}

	switch env.Type {
	case types.EventTypeNodeObserved:
		g.Observe(node)
	case types.EventTypeNodeUpdated:
		g.Update(node)
	case types.EventTypeTraceStep:
		g.Update(node)
		if _, err := g.ApplyTraceStep(node.ID, *env.Trace); err != nil {
			d.logger.Warn("trace step not applied",
				slog.String("execution_id", executionID),
				slog.String("node_id", node.ID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (d *Dispatcher) dispatchQueue(env *types.Envelope) error {
	item := env.Item
	if item == nil {
		return fmt.Errorf("%w: queue event without item", ErrInvalidEnvelope)
	}

	q := d.registry.Queue()
	switch env.Type {
	case types.EventTypeEnter:
		q.Enter(item)
	case types.EventTypeEnterWaiting:
		q.EnterWaiting(item)
	case types.EventTypeLeaveWaiting:
		q.LeaveWaiting(item)
	case types.EventTypeEnterBlocked:
		q.EnterBlocked(item)
	case types.EventTypeLeaveBlocked:
		q.LeaveBlocked(item)
	case types.EventTypeEnterBuildable:
		q.EnterBuildable(item)
	case types.EventTypeLeaveBuildable:
		q.LeaveBuildable(item)
	case types.EventTypeLeft:
		q.Left(item)
	default:
		return fmt.Errorf("%w: queue/%s", ErrUnknownEvent, env.Type)
	}
	return nil
}

func (d *Dispatcher) dispatchRun(env *types.Envelope) error {
	run := env.Run
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run event without run id", ErrInvalidEnvelope)
	}

	switch env.Type {
	case types.EventTypeRunStarted:
		link := d.registry.RunStarted(run)
		d.logger.Info("run traced",
			slog.String("run_id", run.ID),
			slog.String("trace_link", link),
		)
	case types.EventTypeRunCompleted:
		d.registry.RunCompleted(run, env.Result)
	default:
		return fmt.Errorf("%w: run/%s", ErrUnknownEvent, env.Type)
	}
	return nil
}

var _ Sink = (*Dispatcher)(nil)
