package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// conditions evaluates step `when` expressions. Programs are compiled once
// per expression text.
type conditions struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program

	// maxLength limits expression size (default: 4096)
	maxLength int
}

func newConditions() *conditions {
	return &conditions{
		compiled:  make(map[string]*vm.Program),
		maxLength: 4096,
	}
}

// eval evaluates a condition. An empty expression is true.
//
// The environment exposes:
//   - params: the pipeline parameters
//   - name, number: the pipeline name and build number
//   - failed: whether a step has failed so far
func (c *conditions) eval(expression string, env map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}
	if len(expression) > c.maxLength {
		return false, fmt.Errorf("expression exceeds maximum length of %d characters", c.maxLength)
	}

	c.mu.RLock()
	prog, ok := c.compiled[expression]
	c.mu.RUnlock()
	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("compile expression %q: %w", expression, err)
		}
		c.mu.Lock()
		c.compiled[expression] = prog
		c.mu.Unlock()
	}

	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, out)
	}
	return b, nil
}

func conditionEnv(p *Pipeline, failed bool) map[string]interface{} {
	params := p.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return map[string]interface{}{
		"params": params,
		"name":   p.Name,
		"number": p.Number,
		"failed": failed,
	}
}
