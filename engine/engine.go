// Package engine simulates a pipeline engine. It runs pipeline definitions
// and emits the queue, run and execution graph events a real engine would
// emit, so the correlators can be exercised end to end.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/ingest"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

// Queue blockage reasons reported while a run waits.
const (
	ReasonQuietPeriod = "In the quiet period"
	ReasonNoExecutor  = "Waiting for next available executor"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// EnvSource provides the trace environment of a step.
type EnvSource interface {
	EnvFor(executionID, nodeID string) (map[string]string, error)
}

// Config holds engine configuration.
type Config struct {
	// Slots limits concurrently running pipelines. Runs that cannot get
	// a slot are reported as blocked in the queue.
	Slots int

	// StepTimeout bounds each step command (0 = no timeout)
	StepTimeout time.Duration

	// MaxRuns is the number of finished runs kept for lookup.
	MaxRuns int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Slots:       2,
		StepTimeout: 10 * time.Minute,
		MaxRuns:     256,
	}
}

// Engine runs simulated pipelines.
type Engine struct {
	sink   ingest.Sink
	driver driver.Driver
	env    EnvSource
	cfg    *Config
	logger *slog.Logger
	now    func() time.Time

	slots      chan struct{}
	conditions *conditions
	queueIDs   atomic.Int64

	runsMu sync.RWMutex
	runs   map[string]*Run
	order  []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for run and node timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine emitting to sink. drv may be nil when no step
// runs a command; env may be nil when the sink is remote.
func NewEngine(sink ingest.Sink, drv driver.Driver, env EnvSource, cfg *Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	slots := cfg.Slots
	if slots <= 0 {
		slots = 1
	}
	e := &Engine{
		sink:       sink,
		driver:     drv,
		env:        env,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		slots:      make(chan struct{}, slots),
		conditions: newConditions(),
		runs:       make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRun registers a run and executes it in the background.
func (e *Engine) StartRun(ctx context.Context, p *Pipeline) (*Run, error) {
	run, err := e.newRun(p)
	if err != nil {
		return nil, err
	}
	go e.execute(context.WithoutCancel(ctx), run, p)
	return e.snapshot(run), nil
}

// Execute runs a pipeline and returns its final record.
func (e *Engine) Execute(ctx context.Context, p *Pipeline) (*Run, error) {
	run, err := e.newRun(p)
	if err != nil {
		return nil, err
	}
	e.execute(ctx, run, p)
	return e.snapshot(run), nil
}

// GetRun returns a copy of a run record.
func (e *Engine) GetRun(runID string) (*Run, error) {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	run, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	c := *run
	return &c, nil
}

// ListRuns returns the known runs, oldest first.
func (e *Engine) ListRuns() []*Run {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	out := make([]*Run, 0, len(e.order))
	for _, id := range e.order {
		c := *e.runs[id]
		out = append(out, &c)
	}
	return out
}

func (e *Engine) newRun(p *Pipeline) (*Run, error) {
	if p == nil || p.Name == "" {
		return nil, fmt.Errorf("pipeline name is required")
	}
	number := p.Number
	if number <= 0 {
		number = 1
	}
	run := &Run{
		ID:          uuid.New().String(),
		Pipeline:    p.Name,
		Number:      number,
		QueueID:     e.queueIDs.Add(1),
		ExecutionID: uuid.New().String(),
		Status:      RunStatusPending,
		StartTime:   e.now(),
	}

	e.runsMu.Lock()
	e.runs[run.ID] = run
	e.order = append(e.order, run.ID)
	e.pruneLocked()
	e.runsMu.Unlock()
	return run, nil
}

// pruneLocked drops the oldest finished runs beyond MaxRuns.
func (e *Engine) pruneLocked() {
	max := e.cfg.MaxRuns
	if max <= 0 || len(e.order) <= max {
		return
	}
	kept := e.order[:0]
	excess := len(e.order) - max
	for _, id := range e.order {
		run := e.runs[id]
		finished := run.Status == RunStatusCompleted || run.Status == RunStatusFailed
		if excess > 0 && finished {
			delete(e.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

func (e *Engine) snapshot(run *Run) *Run {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	c := *run
	return &c
}

func (e *Engine) setStatus(run *Run, status RunStatus) {
	e.runsMu.Lock()
	run.Status = status
	e.runsMu.Unlock()
}

// execute drives one run through the queue, the execution graph and
// completion.
func (e *Engine) execute(ctx context.Context, run *Run, p *Pipeline) {
	logger := e.logger.With(
		slog.String("run_id", run.ID),
		slog.String("execution_id", run.ExecutionID),
	)

	item := &types.QueueItem{
		ID:     run.QueueID,
		Task:   types.JobTask{Name: p.Name, Link: p.URL},
		Causes: []types.Cause{cause(p.User)},
	}
	e.setStatus(run, RunStatusQueued)
	if err := e.enqueue(ctx, item); err != nil {
		e.finish(ctx, run, types.ResultAborted, err.Error(), 0, logger)
		return
	}
	defer e.release()

	runURL := ""
	if p.URL != "" {
		runURL = p.URL + strconv.Itoa(run.Number) + "/"
	}
	traced := &types.Run{
		ID:          run.ID,
		DisplayName: fmt.Sprintf("%s #%d", p.Name, run.Number),
		Number:      run.Number,
		QueueID:     run.QueueID,
		ExecutionID: run.ExecutionID,
		URL:         runURL,
	}
	e.setStatus(run, RunStatusRunning)
	e.emit(ctx, &types.Envelope{Source: types.SourceRun, Type: types.EventTypeRunStarted, Run: traced})

	w := &walker{
		engine:   e,
		ctx:      ctx,
		pipeline: p,
		run:      run,
		logger:   logger,
		clock:    e.now().UnixMilli(),
		nextID:   2,
	}
	w.walk(p.Steps, nil, false)

	result := types.ResultSuccess
	message := ""
	switch {
	case ctx.Err() != nil:
		result = types.ResultAborted
		message = ctx.Err().Error()
	case w.failure != "":
		result = types.ResultFailure
		message = w.failure
	}

	e.emit(ctx, &types.Envelope{Source: types.SourceGraph, Type: types.EventTypeExecutionCompleted, ExecutionID: run.ExecutionID})
	e.emit(ctx, &types.Envelope{Source: types.SourceRun, Type: types.EventTypeRunCompleted, Run: traced, Result: result})
	e.finish(ctx, run, result, message, w.steps, logger)
}

func (e *Engine) finish(_ context.Context, run *Run, result types.Result, message string, steps int, logger *slog.Logger) {
	e.runsMu.Lock()
	run.Result = result
	run.Error = message
	run.Steps = steps
	run.EndTime = e.now()
	if result.IsSuccess() {
		run.Status = RunStatusCompleted
	} else {
		run.Status = RunStatusFailed
	}
	e.runsMu.Unlock()

	metrics.SimulatedRuns.WithLabelValues(string(result)).Inc()
	logger.Info("simulated run finished",
		slog.String("result", string(result)),
		slog.Int("steps", steps),
	)
}

// enqueue reports the run's queue item through its states until it leaves
// the queue holding a slot.
func (e *Engine) enqueue(ctx context.Context, item *types.QueueItem) error {
	item.Blockage = ReasonQuietPeriod
	e.queueEvent(ctx, types.EventTypeEnterWaiting, item)
	e.queueEvent(ctx, types.EventTypeLeaveWaiting, item)

	if !e.tryAcquire() {
		item.Blockage = ReasonNoExecutor
		e.queueEvent(ctx, types.EventTypeEnterBlocked, item)
		select {
		case e.slots <- struct{}{}:
			metrics.SlotsInUse.Set(float64(len(e.slots)))
		case <-ctx.Done():
			item.Cancelled = true
			e.queueEvent(ctx, types.EventTypeLeaveBlocked, item)
			e.queueEvent(ctx, types.EventTypeLeft, item)
			return fmt.Errorf("cancelled while blocked: %w", ctx.Err())
		}
		e.queueEvent(ctx, types.EventTypeLeaveBlocked, item)
	}

	item.Blockage = ""
	e.queueEvent(ctx, types.EventTypeEnterBuildable, item)
	e.queueEvent(ctx, types.EventTypeLeaveBuildable, item)
	e.queueEvent(ctx, types.EventTypeLeft, item)
	return nil
}

func (e *Engine) tryAcquire() bool {
	select {
	case e.slots <- struct{}{}:
		metrics.SlotsInUse.Set(float64(len(e.slots)))
		return true
	default:
		return false
	}
}

func (e *Engine) release() {
	<-e.slots
	metrics.SlotsInUse.Set(float64(len(e.slots)))
}

func (e *Engine) queueEvent(ctx context.Context, typ types.EventType, item *types.QueueItem) {
	snapshot := *item
	e.emit(ctx, &types.Envelope{Source: types.SourceQueue, Type: typ, Item: &snapshot})
}

func (e *Engine) emit(ctx context.Context, env *types.Envelope) {
	env.Timestamp = e.now().UnixMilli()
	// Events are emitted even after cancellation so that the trace of an
	// aborted run is closed.
	if err := e.sink.Dispatch(context.WithoutCancel(ctx), env); err != nil {
		e.logger.Warn("event not delivered",
			slog.String("event", env.String()),
			slog.Any("error", err),
		)
	}
}

func cause(user string) types.Cause {
	if user == "" {
		return types.Cause{Kind: "timer", Description: "Started by timer"}
	}
	return types.Cause{Kind: types.CauseKindUser, UserName: user, Description: "Started by user " + user}
}
