package engine

import (
	"time"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

// StepKind is the kind of a pipeline step.
type StepKind string

const (
	// StepAtom is a single step, optionally running a command.
	StepAtom StepKind = "atom"
	// StepStage is a named stage block.
	StepStage StepKind = "stage"
	// StepBlock is a generic block step such as a retry or timeout wrapper.
	StepBlock StepKind = "block"
	// StepNode allocates an agent through the queue before running its body.
	StepNode StepKind = "node"
	// StepTrace applies tracing information, to its own body when it has
	// one and to the enclosing block otherwise.
	StepTrace StepKind = "trace"
)

// Step is one step of a simulated pipeline.
type Step struct {
	Kind     StepKind `json:"kind"`
	Name     string   `json:"name,omitempty"`
	Function string   `json:"function,omitempty"`
	Command  []string `json:"command,omitempty"`

	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Sensitive []string               `json:"sensitive,omitempty"`
	Tags      map[string]string      `json:"tags,omitempty"`

	// DurationMs advances the simulated clock.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Error makes the step fail with this message.
	Error string `json:"error,omitempty"`

	// When is an expression; the step is skipped when it is false.
	When string `json:"when,omitempty"`

	Trace *types.TraceInfo `json:"trace,omitempty"`
	Steps []Step           `json:"steps,omitempty"`
}

func (s *Step) isBlock() bool {
	switch s.Kind {
	case StepStage, StepBlock, StepNode:
		return true
	case StepTrace:
		return len(s.Steps) > 0
	default:
		return false
	}
}

func (s *Step) function() string {
	switch {
	case s.Function != "":
		return s.Function
	case s.Kind == StepStage:
		return "stage"
	case s.Kind == StepNode:
		return "node"
	case s.Kind == StepTrace:
		return "trace"
	case s.Kind == StepBlock:
		return "block"
	case len(s.Command) > 0:
		return "sh"
	default:
		return "echo"
	}
}

// Pipeline is a simulated pipeline definition.
type Pipeline struct {
	Name   string                 `json:"name"`
	Number int                    `json:"number,omitempty"`
	User   string                 `json:"user,omitempty"`
	URL    string                 `json:"url,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
	Steps  []Step                 `json:"steps"`
}

// RunStatus is the lifecycle state of a simulated run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the record of one simulated run.
type Run struct {
	ID          string       `json:"id"`
	Pipeline    string       `json:"pipeline"`
	Number      int          `json:"number"`
	QueueID     int64        `json:"queue_id"`
	ExecutionID string       `json:"execution_id"`
	Status      RunStatus    `json:"status"`
	Result      types.Result `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     time.Time    `json:"end_time,omitempty"`
	Steps       int          `json:"steps"`
}
