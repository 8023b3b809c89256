package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

// walker emits the execution graph of one run. Node timestamps come from a
// simulated clock that advances by each step's duration.
type walker struct {
	engine   *Engine
	ctx      context.Context
	pipeline *Pipeline
	run      *Run
	logger   *slog.Logger

	clock   int64
	nextID  int
	steps   int
	failure string
}

func (w *walker) id() string {
	id := strconv.Itoa(w.nextID)
	w.nextID++
	return id
}

// walk runs steps inside enclosing, innermost block first.
//
// Once a step failed, only steps whose condition holds with failed set are
// visited; the others are not reported at all. cleanup marks the body of
// such a step, whose children run regardless of the earlier failure.
func (w *walker) walk(steps []Step, enclosing []string, cleanup bool) {
	for i := range steps {
		if w.ctx.Err() != nil {
			return
		}
		s := &steps[i]
		failed := w.failure != ""
		if failed && !cleanup && s.When == "" {
			continue
		}

		run, err := w.engine.conditions.eval(s.When, conditionEnv(w.pipeline, failed))
		if err != nil {
			w.logger.Warn("step condition failed", slog.String("when", s.When), slog.Any("error", err))
			if !failed {
				w.failure = err.Error()
			}
			continue
		}
		if failed && !cleanup && !run {
			continue
		}

		if s.isBlock() {
			w.block(s, enclosing, run, cleanup || failed)
		} else if run {
			w.atom(s, enclosing)
		}
	}
}

func (w *walker) atom(s *Step, enclosing []string) {
	id := w.id()
	node := &types.ExecutionNode{
		ID:           id,
		ExecutionID:  w.run.ExecutionID,
		Kind:         types.NodeKindAtom,
		DisplayName:  displayName(s),
		FunctionName: s.function(),
		Enclosing:    enclosing,
		StartMillis:  w.clock,
		URL:          nodeURL(id),
	}
	w.steps++
	w.graphEvent(types.EventTypeNodeObserved, node)

	if s.Kind == StepTrace {
		w.traceStep(node, s.Trace)
	}

	tags := copyTags(s.Tags)
	args := copyArgs(s.Arguments)
	duration := time.Duration(s.DurationMs) * time.Millisecond
	message := s.Error

	if len(s.Command) > 0 {
		if _, ok := args["script"]; !ok {
			args["script"] = strings.Join(s.Command, " ")
		}
		res, elapsed, err := w.runCommand(id, s.Command)
		if elapsed > duration {
			duration = elapsed
		}
		switch {
		case err != nil:
			message = err.Error()
		case !res.Succeeded():
			message = fmt.Sprintf("script returned exit code %d", res.ExitCode)
			if res.Stderr != "" {
				message += ": " + res.Stderr
			}
		}
		if res != nil {
			for k, v := range res.Tags {
				tags[k] = v
			}
		}
	}
	w.clock += duration.Milliseconds()

	update := &types.ExecutionNode{
		ID:          id,
		ExecutionID: w.run.ExecutionID,
		Kind:        types.NodeKindAtom,
		EndMillis:   w.clock,
		Metadata: &types.NodeMetadata{
			Arguments:          args,
			SensitiveArguments: s.Sensitive,
			Tags:               tags,
		},
	}
	if message != "" {
		update.Error = &types.NodeError{Message: message}
		if w.failure == "" {
			w.failure = message
		}
	}
	w.graphEvent(types.EventTypeNodeUpdated, update)
}

func (w *walker) block(s *Step, enclosing []string, run, cleanup bool) {
	id := w.id()
	start := &types.ExecutionNode{
		ID:           id,
		ExecutionID:  w.run.ExecutionID,
		Kind:         types.NodeKindBlockStart,
		DisplayName:  displayName(s),
		FunctionName: s.function(),
		Enclosing:    enclosing,
		StartMillis:  w.clock,
		URL:          nodeURL(id),
	}
	w.steps++
	w.graphEvent(types.EventTypeNodeObserved, start)

	tags := copyTags(s.Tags)
	failedBefore := w.failure != ""
	if run {
		if s.Kind == StepNode {
			queueID := w.allocate(start, s)
			w.graphEvent(types.EventTypeNodeUpdated, &types.ExecutionNode{
				ID:          id,
				ExecutionID: w.run.ExecutionID,
				Kind:        types.NodeKindBlockStart,
				QueueItemID: queueID,
			})
		}
		if s.Kind == StepTrace {
			w.traceStep(start, s.Trace)
		}
		w.walk(s.Steps, append([]string{id}, enclosing...), cleanup)
		if s.Error != "" && w.failure == "" {
			w.failure = s.Error
		}
	} else {
		tags["skipped"] = "true"
	}
	w.clock += s.DurationMs

	args := copyArgs(s.Arguments)
	meta := &types.NodeMetadata{Arguments: args, SensitiveArguments: s.Sensitive, Tags: tags}
	if s.Kind == StepStage {
		args["name"] = s.Name
		meta.StageName = s.Name
	}
	update := &types.ExecutionNode{
		ID:          id,
		ExecutionID: w.run.ExecutionID,
		Kind:        types.NodeKindBlockStart,
		Metadata:    meta,
	}
	if !failedBefore && w.failure != "" {
		update.Error = &types.NodeError{Message: w.failure}
	}
	w.graphEvent(types.EventTypeNodeUpdated, update)

	end := &types.ExecutionNode{
		ID:          w.id(),
		ExecutionID: w.run.ExecutionID,
		Kind:        types.NodeKindBlockEnd,
		StartNodeID: id,
		Enclosing:   enclosing,
		StartMillis: w.clock,
	}
	// Engines report block ends twice; the second report is a no-op.
	w.graphEvent(types.EventTypeNodeObserved, end)
	w.graphEvent(types.EventTypeNodeObserved, end)
}

// allocate reports the queue item an agent allocation waits in and returns
// its id.
func (w *walker) allocate(start *types.ExecutionNode, s *Step) int64 {
	label := s.Name
	if label == "" {
		label = "agent"
	}
	item := &types.QueueItem{
		ID: w.engine.queueIDs.Add(1),
		Task: types.PlaceholderTask{
			Name: fmt.Sprintf("%s #%d (%s)", w.pipeline.Name, w.run.Number, label),
			Ref:  types.NodeRef{ExecutionID: w.run.ExecutionID, NodeID: start.ID},
		},
		Blockage: ReasonNoExecutor,
	}
	w.engine.queueEvent(w.ctx, types.EventTypeEnterWaiting, item)
	w.engine.queueEvent(w.ctx, types.EventTypeLeaveWaiting, item)
	item.Blockage = ""
	w.engine.queueEvent(w.ctx, types.EventTypeEnterBuildable, item)
	w.engine.queueEvent(w.ctx, types.EventTypeLeaveBuildable, item)
	w.engine.queueEvent(w.ctx, types.EventTypeLeft, item)
	return item.ID
}

func (w *walker) traceStep(node *types.ExecutionNode, info *types.TraceInfo) {
	if info == nil {
		return
	}
	w.engine.emit(w.ctx, &types.Envelope{
		Source:      types.SourceGraph,
		Type:        types.EventTypeTraceStep,
		ExecutionID: w.run.ExecutionID,
		Node:        &types.ExecutionNode{ID: node.ID, ExecutionID: node.ExecutionID, Kind: node.Kind},
		Trace:       info,
	})
}

func (w *walker) runCommand(nodeID string, command []string) (*driver.Result, time.Duration, error) {
	if w.engine.driver == nil {
		return nil, 0, fmt.Errorf("no driver configured for command %q", command[0])
	}

	var env map[string]string
	if w.engine.env != nil {
		var err error
		if env, err = w.engine.env.EnvFor(w.run.ExecutionID, nodeID); err != nil {
			w.logger.Debug("no trace environment for step", slog.String("node_id", nodeID), slog.Any("error", err))
		}
	}

	started := time.Now()
	res, err := w.engine.driver.RunStep(w.ctx, driver.Step{
		ExecutionID: w.run.ExecutionID,
		NodeID:      nodeID,
		Command:     command,
		Env:         env,
		Timeout:     w.engine.cfg.StepTimeout,
	})
	return res, time.Since(started), err
}

func (w *walker) graphEvent(typ types.EventType, node *types.ExecutionNode) {
	w.engine.emit(w.ctx, &types.Envelope{
		Source:      types.SourceGraph,
		Type:        typ,
		ExecutionID: w.run.ExecutionID,
		Node:        node,
	})
}

func displayName(s *Step) string {
	if s.Name != "" {
		return s.Name
	}
	return s.function()
}

func nodeURL(id string) string {
	return "execution/node/" + id + "/"
}

func copyTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyArgs(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
