package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// SubprocessDriver runs step commands as local subprocesses. A process may
// report span tags by writing NDJSON lines of the form
// {"type":"tag","key":"k","value":"v"} to stdout; every other line is logged.
type SubprocessDriver struct {
	envPassthrough map[string]string
	cwd            string
	logger         *slog.Logger
}

// SubprocessConfig holds configuration for the subprocess driver.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables to pass to all subprocesses
	EnvPassthrough map[string]string

	// CWD is the working directory for subprocesses (empty = inherit)
	CWD string
}

// NewSubprocessDriver creates a new subprocess driver.
func NewSubprocessDriver(cfg *SubprocessConfig, logger *slog.Logger) *SubprocessDriver {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessDriver{
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
		logger:         logger,
	}
}

// RunStep executes the command and waits for it.
func (d *SubprocessDriver) RunStep(ctx context.Context, step Step) (*Result, error) {
	if len(step.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	logger := d.logger.With(
		slog.String("execution_id", step.ExecutionID),
		slog.String("node_id", step.NodeID),
	)

	env := os.Environ()
	for k, v := range d.envPassthrough {
		env = append(env, k+"="+v)
	}
	for k, v := range step.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"EXECUTION_ID="+step.ExecutionID,
		"NODE_ID="+step.NodeID,
	)

	execCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(execCtx, step.Command[0], step.Command[1:]...)
	c.Env = env
	if d.cwd != "" {
		c.Dir = d.cwd
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	result := &Result{Tags: make(map[string]string)}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scan(stdout, func(line string) {
			if key, value, ok := parseTag(line); ok {
				result.Tags[key] = value
				return
			}
			logger.Debug("step output", slog.String("line", line))
		})
	}()
	go func() {
		defer wg.Done()
		scan(stderr, func(line string) {
			result.Stderr = line
			logger.Debug("step stderr", slog.String("line", line))
		})
	}()
	wg.Wait()

	err = c.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = ExitTimeout
		logger.Warn("step timed out", slog.Duration("timeout", step.Timeout))
	case errors.Is(execCtx.Err(), context.Canceled):
		result.ExitCode = ExitCancelled
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = 1
	}
	return result, nil
}

func scan(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			fn(line)
		}
	}
}

func parseTag(line string) (key, value string, ok bool) {
	if len(line) == 0 || line[0] != '{' {
		return "", "", false
	}
	var obj struct {
		Type  string      `json:"type"`
		Key   string      `json:"key"`
		Value interface{} `json:"value"`
	}
	if err := json.Unmarshal([]byte(line), &obj); err != nil || obj.Type != "tag" || obj.Key == "" {
		return "", "", false
	}
	return obj.Key, fmt.Sprint(obj.Value), true
}

var _ Driver = (*SubprocessDriver)(nil)
