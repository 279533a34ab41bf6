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

// Package coordinator receives the scheduler's task and process callbacks
// and drives the engine and request service under the unit-of-work
// discipline: every handler opens a transaction, locks its subject row,
// savepoints rule evaluation and commits before any side effect runs.
//
// A subject that no longer exists makes the handler a silent no-op; the
// scheduler retries callbacks, so redelivery after deletion is expected.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fluxhq/flux/internal/engine"
	"github.com/fluxhq/flux/internal/log"
	"github.com/fluxhq/flux/internal/mail"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/request"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

// Coordinator dispatches task and process callbacks.
type Coordinator struct {
	store    *store.Store
	engine   *engine.Engine
	requests *request.Service

	directory request.Directory
	mailer    request.Mailer
	logger    *slog.Logger
}

// New creates a coordinator.
func New(st *store.Store, eng *engine.Engine, requests *request.Service, directory request.Directory, mailer request.Mailer, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		engine:    eng,
		requests:  requests,
		directory: directory,
		mailer:    mailer,
		logger:    log.WithComponent(logger, "coordinator"),
	}
}

// HandleRunTask dispatches one run task callback.
func (c *Coordinator) HandleRunTask(ctx context.Context, task, runID string) error {
	switch task {
	case engine.TaskInitiateRun:
		return c.withRun(ctx, runID, func(tx *store.Tx, run *model.Run) error {
			return c.guarded(ctx, tx, run, func() error {
				return c.engine.InitiateRun(ctx, tx, run)
			})
		})

	case engine.TaskAbortExecutions:
		return c.withRun(ctx, runID, func(tx *store.Tx, run *model.Run) error {
			return c.engine.AbortExecutions(ctx, tx, run)
		})

	case engine.TaskRunCompletion:
		return c.withRun(ctx, runID, func(tx *store.Tx, run *model.Run) error {
			return c.notifyRunCompletion(ctx, run)
		})

	default:
		return &errors.ValidationError{Field: "task", Message: "unknown run task " + task}
	}
}

// TaskAbortRun is the execution task cascading an execution-level abort
// up to its run.
const TaskAbortRun = "abort-run"

// HandleExecutionTask dispatches one execution task callback.
func (c *Coordinator) HandleExecutionTask(ctx context.Context, task, executionID string) error {
	switch task {
	case TaskAbortRun:
		execution, err := c.store.GetExecution(ctx, executionID)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil
			}
			return err
		}
		return c.withRun(ctx, execution.RunID, func(tx *store.Tx, run *model.Run) error {
			err := c.engine.Abort(ctx, tx, run)
			// Redelivery after the run already settled is harmless.
			if token, ok := errors.IsOperation(err); ok && token == errors.TokenCannotUpdateWithStatus {
				return nil
			}
			return err
		})

	default:
		return &errors.ValidationError{Field: "task", Message: "unknown execution task " + task}
	}
}

// HandleRequestTask dispatches one request task callback.
func (c *Coordinator) HandleRequestTask(ctx context.Context, task, requestID string) error {
	switch task {
	case request.TaskInitiateRequest, request.TaskReassignRequestAssignee:
		return c.withRequest(ctx, requestID, func(tx *store.Tx, r *model.Request) error {
			return c.requests.Initiate(ctx, tx, r)
		})

	case request.TaskCancelRequest:
		return c.withRequest(ctx, requestID, func(tx *store.Tx, r *model.Request) error {
			if r.Status.Terminal() {
				return nil
			}
			return c.requests.UpdateStatus(ctx, tx, r, model.RequestCanceled, nil)
		})

	case request.TaskDeclineRequest:
		return c.withRequest(ctx, requestID, func(tx *store.Tx, r *model.Request) error {
			return c.notifyRequestDeclined(ctx, tx, r)
		})

	case request.TaskCompleteRequestOperation:
		return c.completeRequestOperation(ctx, requestID)

	default:
		return &errors.ValidationError{Field: "task", Message: "unknown request task " + task}
	}
}

// HandleProcessCallback applies one scheduler process callback to its
// execution. The process id is the execution id. Executions or runs the
// store no longer holds make it a silent no-op.
func (c *Coordinator) HandleProcessCallback(ctx context.Context, processID string, status model.ProcessStatus, output *engine.Output) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	execution, err := tx.GetExecutionForUpdate(ctx, processID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	run, err := tx.GetRunForUpdate(ctx, execution.RunID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}

	err = c.guarded(ctx, tx, run, func() error {
		return c.engine.ProcessExecution(ctx, tx, run, execution, status, output)
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// guarded runs rule-bearing engine work inside a savepoint. An evaluation
// error rolls the savepoint back and fails the run instead of bubbling to
// the scheduler, which would retry forever.
func (c *Coordinator) guarded(ctx context.Context, tx *store.Tx, run *model.Run, fn func() error) error {
	err := tx.Savepoint(ctx, fn)
	if err == nil {
		return nil
	}

	c.logger.Error("run evaluation failed", log.RunIDKey, run.ID, log.Error(err))

	// The in-memory run may carry writes the savepoint rolled back.
	reloaded, gerr := tx.GetRun(ctx, run.ID)
	if gerr != nil {
		return gerr
	}
	*run = *reloaded
	return c.engine.Fail(ctx, tx, run)
}

// completeRequestOperation bridges a completed request back to the run
// execution that raised it: the execution's process completes with the
// request's products as output values.
func (c *Coordinator) completeRequestOperation(ctx context.Context, requestID string) error {
	r, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}

	executionID, ok := r.Products[request.ProductExecution]
	if !ok {
		return nil
	}

	values := make(map[string]any, len(r.Products))
	for token, surrogate := range r.Products {
		if token == request.ProductExecution {
			continue
		}
		values[token] = surrogate
	}

	return c.HandleProcessCallback(ctx, executionID, model.ProcessCompleted, &engine.Output{
		Status:  engine.OutputValid,
		Outcome: "completed",
		Values:  values,
	})
}

func (c *Coordinator) withRun(ctx context.Context, id string, fn func(tx *store.Tx, run *model.Run) error) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := tx.GetRunForUpdate(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := fn(tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Coordinator) withRequest(ctx context.Context, id string, fn func(tx *store.Tx, r *model.Request) error) error {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := tx.GetRequestForUpdate(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := fn(tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

// notifyRunCompletion emails every notify recipient of a completed run.
func (c *Coordinator) notifyRunCompletion(ctx context.Context, run *model.Run) error {
	for _, subjectID := range run.Notify {
		subject, err := c.directory.GetSubject(ctx, subjectID)
		if err != nil {
			c.logger.Error("notify recipient lookup failed",
				log.RunIDKey, run.ID, "subject", subjectID, log.Error(err))
			continue
		}
		err = c.mailer.Send(ctx, mail.Message{
			Recipients: []string{subject.Email},
			Subject:    fmt.Sprintf("Run completed: %s", run.Name),
			Body:       fmt.Sprintf("The run %q has completed.", run.Name),
		})
		if err != nil {
			c.logger.Error("run completion email failed",
				log.RunIDKey, run.ID, "subject", subjectID, log.Error(err))
		}
	}
	return nil
}

// notifyRequestDeclined emails the originator that the assignee declined,
// quoting the decline message.
func (c *Coordinator) notifyRequestDeclined(ctx context.Context, tx *store.Tx, r *model.Request) error {
	if r.Status != model.RequestDeclined {
		return nil
	}

	originator, err := c.directory.GetSubject(ctx, r.Originator)
	if err != nil {
		return err
	}

	body := fmt.Sprintf("Your request %q was declined.", r.Name)
	messages, err := tx.ListMessages(ctx, r.ID)
	if err != nil {
		return err
	}
	if len(messages) > 0 {
		body = fmt.Sprintf("%s\n\n%s", body, messages[len(messages)-1].Message)
	}

	return c.mailer.Send(ctx, mail.Message{
		Recipients: []string{originator.Email},
		Subject:    fmt.Sprintf("Request declined: %s", r.Name),
		Body:       body,
	})
}
