// Copyright 2025 Flux Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package interpolation

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/fluxhq/flux/pkg/errors"
)

// defaultEvaluator is the process-wide evaluator shared by all
// interpolators. Compiled programs are cached by expression text.
var defaultEvaluator = NewEvaluator()

// Evaluator evaluates condition expressions against a rule context.
// It caches compiled expressions for repeated evaluations.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates an expression against the given context and returns
// the boolean result.
func (e *Evaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("failed to compile expression: %s", err),
		}
	}

	result, err := expr.Run(program, ctx)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("expression evaluation failed: %s", err),
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
		}
	}

	return boolResult, nil
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		// The context is supplied at runtime, so references cannot be
		// checked at compile time.
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
