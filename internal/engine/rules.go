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

package engine

import (
	"context"
	"fmt"

	"github.com/fluxhq/flux/internal/interpolation"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/spec"
	"github.com/fluxhq/flux/internal/store"
)

// EvaluateRules iterates a rule list in order. A rule whose condition
// holds (empty means always) executes every action in order; a terminal
// rule stops evaluation of the remaining rules. Errors propagate to the
// coordinator's savepoint, which fails the run.
func (e *Engine) EvaluateRules(ctx context.Context, tx *store.Tx, env *Environment, list spec.RuleList) error {
	for _, rule := range list {
		matched, err := env.Interpolator.Evaluate(rule.Condition)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}

		for _, action := range rule.Actions {
			if err := e.executeAction(ctx, tx, env, action); err != nil {
				return err
			}
		}
		if rule.Terminal {
			break
		}
	}
	return nil
}

// executeAction dispatches one tagged action.
func (e *Engine) executeAction(ctx context.Context, tx *store.Tx, env *Environment, action spec.Action) error {
	switch action.Action {
	case spec.ActionExecuteStep:
		// A step is only launched on the success path; a cleared
		// failure (ignore-step-failure) re-enables it.
		if env.Failure {
			return nil
		}
		var values map[string]any
		if env.Output != nil {
			values = map[string]any{"step": map[string]any{"out": env.Output}}
		}
		return e.InitiateStep(ctx, tx, env.Workflow, env.Run, action.Step, env.Ancestor, action.Parameters, values)

	case spec.ActionExecuteOperation:
		if env.Failure {
			return nil
		}
		return e.initiateOperation(ctx, tx, env, action.Operation, action.Parameters)

	case spec.ActionIgnoreStepFailure:
		env.Failure = false
		// An ignored failure no longer counts against run settlement;
		// the execution keeps its outcome name but settles clean.
		if a := env.Ancestor; a != nil && (a.Status == model.RunFailed || a.Status == model.RunTimedOut) {
			a.Status = model.RunCompleted
			return tx.UpdateExecution(ctx, a)
		}
		return nil

	case spec.ActionPromoteProducts:
		for token, surrogate := range action.Products {
			resolved, err := env.Interpolator.Interpolate(surrogate)
			if err != nil {
				return err
			}
			err = tx.AssociateProduct(ctx, &model.Product{
				RunID:     env.Run.ID,
				Token:     token,
				Surrogate: fmt.Sprintf("%v", resolved),
			})
			if err != nil {
				return err
			}
		}
		return nil

	case spec.ActionUpdateEnvironment:
		interpolated, err := env.Interpolator.InterpolateMap(action.Parameters)
		if err != nil {
			return err
		}
		env.Run.Parameters = interpolation.MergeMaps(env.Run.Parameters, interpolated)
		if err := tx.UpdateRun(ctx, env.Run); err != nil {
			return err
		}
		env.Interpolator.Merge(map[string]any{"run": map[string]any{"env": env.Run.Parameters}})
		return nil

	default:
		return fmt.Errorf("unknown action kind %q", action.Action)
	}
}
