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
	"time"

	"github.com/google/uuid"

	"github.com/fluxhq/flux/internal/interpolation"
	"github.com/fluxhq/flux/internal/log"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/spec"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

// Output is the executor's result payload delivered with a process
// callback.
type Output struct {
	// Status is "valid" or "invalid".
	Status string `json:"status"`

	// Outcome names one of the operation's declared outcomes.
	Outcome string `json:"outcome,omitempty"`

	// Values carries the outcome's typed payload.
	Values map[string]any `json:"values,omitempty"`

	// Errors explains an invalid output.
	Errors []string `json:"errors,omitempty"`
}

// OutputValid marks a well-formed executor output.
const OutputValid = "valid"

// InitiateStep allocates the next execution for a step and dispatches its
// operation to the remote executor. It is a no-op when the run is no
// longer active (a race with abort, not an error).
func (e *Engine) InitiateStep(ctx context.Context, tx *store.Tx, w *spec.Specification, run *model.Run, stepKey string, ancestor *model.Execution, parameters, values map[string]any) error {
	if !run.Active() {
		return nil
	}

	step, ok := w.Steps[stepKey]
	if !ok {
		return errors.Operation(errors.TokenInvalidExecuteStep)
	}

	op, err := tx.GetOperation(ctx, step.Operation)
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.Operation(errors.TokenUnknownOperation)
		}
		return err
	}

	// Later layers win: operation defaults, step defaults, then the
	// caller's parameters.
	params := interpolation.MergeMaps(op.Parameters, step.Parameters, parameters)

	serial, err := tx.NextExecutionID(ctx, run.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	execution := &model.Execution{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		ExecutionID: serial,
		Step:        stepKey,
		Name:        step.Description,
		Status:      model.RunActive,
		Started:     &now,
	}
	if ancestor != nil {
		ancestorID := ancestor.ID
		execution.AncestorID = &ancestorID
	}

	env := e.environment(w, run, execution, values, nil)
	if len(params) > 0 {
		interpolated, err := op.Schema.Interpolate(params, env.Interpolator)
		if err != nil {
			return err
		}
		params, _ = interpolated.(map[string]any)
	}
	execution.Parameters = params

	if err := tx.CreateExecution(ctx, execution); err != nil {
		return err
	}

	if err := e.EvaluateRules(ctx, tx, env, step.Preoperation); err != nil {
		return err
	}

	if err := e.registry.Initiate(ctx, op, stepKey, execution.ID, params, step.Timeout); err != nil {
		e.metrics.SchedulerErrors.Inc()
		return err
	}
	e.metrics.ExecutionsDispatched.Inc()

	e.logger.Info("step initiated",
		log.RunIDKey, run.ID, log.ExecutionIDKey, serial, "step", stepKey)
	return nil
}

// initiateOperation dispatches an operation outside any declared step (the
// execute-operation action). The execution is tagged with the operation
// token instead of a step key.
func (e *Engine) initiateOperation(ctx context.Context, tx *store.Tx, env *Environment, token string, parameters map[string]any) error {
	if !env.Run.Active() {
		return nil
	}

	op, err := tx.GetOperation(ctx, token)
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.Operation(errors.TokenUnknownOperation)
		}
		return err
	}

	params := interpolation.MergeMaps(op.Parameters, parameters)

	serial, err := tx.NextExecutionID(ctx, env.Run.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	execution := &model.Execution{
		ID:          uuid.NewString(),
		RunID:       env.Run.ID,
		ExecutionID: serial,
		Step:        token,
		Name:        op.Name,
		Status:      model.RunActive,
		Started:     &now,
	}
	if env.Ancestor != nil {
		ancestorID := env.Ancestor.ID
		execution.AncestorID = &ancestorID
	}

	if len(params) > 0 {
		interpolated, err := op.Schema.Interpolate(params, env.Interpolator)
		if err != nil {
			return err
		}
		params, _ = interpolated.(map[string]any)
	}
	execution.Parameters = params

	if err := tx.CreateExecution(ctx, execution); err != nil {
		return err
	}

	if err := e.registry.Initiate(ctx, op, token, execution.ID, params, 0); err != nil {
		e.metrics.SchedulerErrors.Inc()
		return err
	}
	e.metrics.ExecutionsDispatched.Inc()
	return nil
}

// ProcessExecution handles a scheduler process callback for one execution.
// A run no longer active or an execution already terminal makes it a
// silent no-op, so repeated delivery is harmless.
func (e *Engine) ProcessExecution(ctx context.Context, tx *store.Tx, run *model.Run, execution *model.Execution, status model.ProcessStatus, output *Output) error {
	start := time.Now()
	defer func() {
		e.metrics.CallbackDuration.Observe(time.Since(start).Seconds())
	}()

	if !run.Active() || execution.Status.Terminal() {
		return nil
	}
	if status == model.ProcessExecuting {
		return nil
	}

	w, err := e.Specification(ctx, tx, run)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	execution.Ended = &now

	var (
		failure bool
		values  map[string]any
	)
	switch status {
	case model.ProcessCompleted:
		if output == nil || output.Status != OutputValid {
			execution.Status = model.RunInvalidated
			if err := tx.UpdateExecution(ctx, execution); err != nil {
				return err
			}
			e.logger.Warn("execution invalidated",
				log.RunIDKey, run.ID, log.ExecutionIDKey, execution.ExecutionID)
			if err := e.endRun(ctx, tx, run, model.RunInvalidated); err != nil {
				return err
			}
			return e.AbortExecutions(ctx, tx, run)
		}

		outcome, err := e.resolveOutcome(ctx, tx, w, execution, output.Outcome)
		if err != nil {
			return err
		}
		execution.Outcome = outcome.Name
		if outcome.Outcome == model.OutcomeSuccess {
			execution.Status = model.RunCompleted
		} else {
			execution.Status = model.RunFailed
			failure = true
		}
		values = output.Values

	case model.ProcessFailed:
		execution.Status = model.RunFailed
		failure = true

	case model.ProcessTimedOut:
		execution.Status = model.RunTimedOut
		failure = true

	case model.ProcessAborted:
		execution.Status = model.RunAborted

	default:
		return &errors.ValidationError{
			Field:   "status",
			Message: "unknown process status " + string(status),
		}
	}

	if err := tx.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	env := e.environment(w, run, execution, nil, values)
	env.Failure = failure
	if values != nil {
		env.Interpolator.Merge(map[string]any{"step": map[string]any{"out": values}})
	}

	if step, ok := w.Steps[execution.Step]; ok {
		if err := e.EvaluateRules(ctx, tx, env, step.Postoperation); err != nil {
			return err
		}
	}

	// Failure that survived postoperation ends the run immediately.
	if env.Failure {
		switch execution.Status {
		case model.RunTimedOut:
			return e.endRun(ctx, tx, run, model.RunTimedOut)
		default:
			return e.endRun(ctx, tx, run, model.RunFailed)
		}
	}

	return e.settle(ctx, tx, w, run, env)
}

// settle terminates the run once no executions remain active: aborting
// runs settle as aborted; otherwise any failed execution fails the run,
// any timed-out execution times it out, and a clean history completes it.
func (e *Engine) settle(ctx context.Context, tx *store.Tx, w *spec.Specification, run *model.Run, env *Environment) error {
	active, err := tx.ListActiveExecutions(ctx, run.ID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return nil
	}

	if run.Status == model.RunAborting {
		return e.endRun(ctx, tx, run, model.RunAborted)
	}

	executions, err := tx.ListExecutions(ctx, run.ID)
	if err != nil {
		return err
	}

	final := model.RunCompleted
	for _, execution := range executions {
		switch execution.Status {
		case model.RunFailed:
			final = model.RunFailed
		case model.RunTimedOut:
			if final != model.RunFailed {
				final = model.RunTimedOut
			}
		}
	}

	if final == model.RunCompleted {
		if err := e.EvaluateRules(ctx, tx, env, w.Postrun); err != nil {
			return err
		}
	}
	return e.endRun(ctx, tx, run, final)
}

func (e *Engine) resolveOutcome(ctx context.Context, tx *store.Tx, w *spec.Specification, execution *model.Execution, name string) (*model.Outcome, error) {
	token := execution.Step
	if step, ok := w.Steps[execution.Step]; ok {
		token = step.Operation
	}

	op, err := tx.GetOperation(ctx, token)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.Operation(errors.TokenUnknownOperation)
		}
		return nil, err
	}

	outcome, ok := op.Outcomes[name]
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "outcome",
			Message: "operation " + token + " declares no outcome " + name,
		}
	}
	return outcome, nil
}
