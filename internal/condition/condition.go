package condition

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/stewardai/steward/pkg/schema"
)

// Evaluator decides whether a conditional plan step should run, given
// the results collected so far. Conditions are expr expressions over an
// environment of {results, query}; a step with no condition always runs.
// Thread-safe: compiled programs are cached and reused across goroutines.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an Evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// ShouldRun evaluates the step's condition against the environment.
// Non-boolean results are a validation error: a condition that cannot
// decide is a broken plan, not a skipped step.
func (e *Evaluator) ShouldRun(step schema.Step, env map[string]any) (bool, error) {
	if step.Condition == "" {
		return true, nil
	}

	prg, err := e.getOrCompile(step.Condition)
	if err != nil {
		return false, err
	}

	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(prg, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrKindExecution,
			"condition %q failed for step %d: %s", step.Condition, step.Number, err.Error()).
			WithStep(step.Number).WithCause(err)
	}

	verdict, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrKindValidation,
			"condition %q for step %d evaluated to %T, want bool", step.Condition, step.Number, out).
			WithStep(step.Number)
	}
	return verdict, nil
}

func (e *Evaluator) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"compile condition %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}
