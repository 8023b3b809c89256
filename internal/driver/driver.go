// Package driver runs the commands of pipeline steps.
package driver

import (
	"context"
	"time"
)

// Exit codes reported for steps that did not exit on their own.
const (
	ExitTimeout   = 124
	ExitCancelled = 130
)

// Step is one command to run on behalf of a pipeline step.
type Step struct {
	ExecutionID string
	NodeID      string
	Command     []string

	// Env is added to the process environment. It carries the trace
	// context of the step's span.
	Env map[string]string

	// Timeout of zero means no timeout.
	Timeout time.Duration
}

// Result describes a finished step command.
type Result struct {
	ExitCode int

	// Tags were reported by the process on stdout.
	Tags map[string]string

	// Stderr holds the last line the process wrote to stderr.
	Stderr string
}

// Succeeded reports whether the command exited with code zero.
func (r *Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Driver executes step commands.
type Driver interface {
	// RunStep runs the command and returns its result. An error means
	// the command could not be started at all.
	RunStep(ctx context.Context, step Step) (*Result, error)
}

// Func adapts a function to the Driver interface.
type Func func(ctx context.Context, step Step) (*Result, error)

// RunStep calls f.
func (f Func) RunStep(ctx context.Context, step Step) (*Result, error) {
	return f(ctx, step)
}
