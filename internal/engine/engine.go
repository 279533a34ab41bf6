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

// Package engine drives the run state machine: it initiates steps,
// evaluates rule lists on each transition, handles process callbacks and
// terminates each run exactly once.
//
// All engine methods operate inside a caller-owned unit of work whose run
// row lock serializes mutations of one run. Side effects (events, task
// enqueues) are registered as after-commit hooks, never executed inline.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fluxhq/flux/internal/cache"
	"github.com/fluxhq/flux/internal/interpolation"
	"github.com/fluxhq/flux/internal/log"
	"github.com/fluxhq/flux/internal/metrics"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/scheduler"
	"github.com/fluxhq/flux/internal/spec"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

// Event topics published by the engine.
const (
	TopicRunChanged       = "run:changed"
	TopicRunEnded         = "run:ended"
	TopicWorkflowChanged  = "workflow:changed"
	TopicRequestCompleted = "request:completed"
)

// Task names dispatched through the scheduler back to the coordinator.
const (
	TaskInitiateRun     = "initiate-run"
	TaskAbortExecutions = "abort-executions"
	TaskRunCompletion   = "run-completion"
)

// Scheduler is the slice of the scheduler client the engine needs.
type Scheduler interface {
	UpdateProcess(ctx context.Context, id, status string) error
	QueueHTTPTask(ctx context.Context, name string, callback scheduler.HTTPTask) error
	CreateEvent(ctx context.Context, topic string, aspects map[string]any)
}

// Initiator creates remote processes for step executions.
type Initiator interface {
	Initiate(ctx context.Context, op *model.Operation, tag, id string, input map[string]any, timeout int) error
}

// Engine interprets workflow specifications and drives runs.
type Engine struct {
	cache     *cache.SpecCache
	registry  Initiator
	scheduler Scheduler
	baseURL   string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates an engine. baseURL is the daemon's externally reachable
// address, used to mint task callback URLs.
func New(c *cache.SpecCache, registry Initiator, sched Scheduler, baseURL string, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		cache:     c,
		registry:  registry,
		scheduler: sched,
		baseURL:   baseURL,
		logger:    log.WithComponent(logger, "engine"),
		metrics:   m,
	}
}

// Environment bundles the context of one rule-list evaluation.
type Environment struct {
	Workflow     *spec.Specification
	Run          *model.Run
	Interpolator *interpolation.Interpolator
	Output       map[string]any
	Ancestor     *model.Execution
	Failure      bool
}

// Specification resolves the parsed specification for a run's workflow.
func (e *Engine) Specification(ctx context.Context, tx *store.Tx, run *model.Run) (*spec.Specification, error) {
	workflow, err := tx.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.Operation(errors.TokenUnknownWorkflow)
		}
		return nil, err
	}
	return e.cache.Acquire(workflow)
}

// InitiateRun starts a pending run: it stamps Started, activates the run,
// evaluates the workflow's prerun rules and initiates the entry step. A
// run no longer pending is left untouched, so repeated task delivery is
// harmless.
func (e *Engine) InitiateRun(ctx context.Context, tx *store.Tx, run *model.Run) error {
	if run.Status != model.RunPending {
		return nil
	}

	w, err := e.Specification(ctx, tx, run)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	run.Status = model.RunActive
	run.Started = &now
	if err := tx.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.metrics.RunsStarted.Inc()
	e.publishRunChanged(ctx, tx, run)

	env := e.environment(w, run, nil, nil, nil)
	if err := e.EvaluateRules(ctx, tx, env, w.Prerun); err != nil {
		return err
	}

	e.logger.Info("run initiated", log.RunIDKey, run.ID, log.WorkflowKey, run.WorkflowID)
	return e.InitiateStep(ctx, tx, w, run, w.Entry, nil, nil, nil)
}

// Abort flips an active run to aborting and enqueues the abort-executions
// task. Terminal runs are rejected.
func (e *Engine) Abort(ctx context.Context, tx *store.Tx, run *model.Run) error {
	if run.Status.Terminal() {
		return errors.Operation(errors.TokenCannotUpdateWithStatus)
	}
	if run.Status == model.RunAborting {
		return nil
	}

	run.Status = model.RunAborting
	if err := tx.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.publishRunChanged(ctx, tx, run)
	e.enqueueTask(ctx, tx, TaskAbortExecutions, e.runTaskURL(), run.ID)

	e.logger.Info("run aborting", log.RunIDKey, run.ID)
	return nil
}

// AbortExecutions signals every active execution to stop, re-querying
// until the active set is empty so executions started concurrently are
// caught. When none remain the run settles as aborted.
func (e *Engine) AbortExecutions(ctx context.Context, tx *store.Tx, run *model.Run) error {
	for {
		active, err := tx.ListActiveExecutions(ctx, run.ID)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			break
		}
		for _, execution := range active {
			if err := e.abortExecution(ctx, tx, execution); err != nil {
				return err
			}
		}
	}

	if run.Status == model.RunAborting {
		return e.endRun(ctx, tx, run, model.RunAborted)
	}
	return nil
}

// abortExecution flips one execution to aborting, asks the scheduler to
// cancel the remote process, and settles it as aborted. A process the
// scheduler no longer knows is already gone, which is fine.
func (e *Engine) abortExecution(ctx context.Context, tx *store.Tx, execution *model.Execution) error {
	execution.Status = model.RunAborting
	if err := tx.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	if err := e.scheduler.UpdateProcess(ctx, execution.ID, string(model.ProcessAborted)); err != nil && !errors.IsGone(err) {
		e.metrics.SchedulerErrors.Inc()
		return err
	}

	now := time.Now().UTC()
	execution.Status = model.RunAborted
	execution.Ended = &now
	if err := tx.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	e.logger.Info("execution aborted",
		log.RunIDKey, execution.RunID, log.ExecutionIDKey, execution.ExecutionID)
	return nil
}

// EnqueueRunTask registers an after-commit hook scheduling a run task
// callback. The run controller uses it when a freshly created or
// transitioned run becomes pending.
func (e *Engine) EnqueueRunTask(ctx context.Context, tx *store.Tx, task, runID string) {
	e.enqueueTask(ctx, tx, task, e.runTaskURL(), runID)
}

// Fail terminates a run as failed. The coordinator calls it after rolling
// back a savepoint whose rule evaluation errored.
func (e *Engine) Fail(ctx context.Context, tx *store.Tx, run *model.Run) error {
	return e.endRun(ctx, tx, run, model.RunFailed)
}

// endRun is the single terminal sink. It writes the status, stamps Ended
// once and schedules the run:changed and run:ended events after commit.
// Re-entry on an already terminal run is a no-op.
func (e *Engine) endRun(ctx context.Context, tx *store.Tx, run *model.Run, status model.RunStatus) error {
	if run.Status.Terminal() {
		return nil
	}

	run.Status = status
	if run.Ended == nil {
		now := time.Now().UTC()
		run.Ended = &now
	}
	if err := tx.UpdateRun(ctx, run); err != nil {
		return err
	}

	e.metrics.RunsEnded.WithLabelValues(string(status)).Inc()
	e.publishRunChanged(ctx, tx, run)

	eventCtx := context.WithoutCancel(ctx)
	runID := run.ID
	finalStatus := string(status)
	tx.AfterCommit(func() {
		e.scheduler.CreateEvent(eventCtx, TopicRunEnded, map[string]any{
			"id": runID, "status": finalStatus,
		})
	})

	if status == model.RunCompleted && len(run.Notify) > 0 {
		e.enqueueTask(ctx, tx, TaskRunCompletion, e.runTaskURL(), run.ID)
	}

	e.logger.Info("run ended", log.RunIDKey, run.ID, "status", finalStatus)
	return nil
}

func (e *Engine) environment(w *spec.Specification, run *model.Run, execution *model.Execution, values map[string]any, output map[string]any) *Environment {
	ctxValues := run.ContributeValues()
	if execution != nil {
		ctxValues = interpolation.MergeMaps(ctxValues, execution.ContributeValues())
	}
	if values != nil {
		ctxValues = interpolation.MergeMaps(ctxValues, values)
	}

	return &Environment{
		Workflow:     w,
		Run:          run,
		Interpolator: interpolation.New(ctxValues),
		Output:       output,
		Ancestor:     execution,
	}
}

func (e *Engine) publishRunChanged(ctx context.Context, tx *store.Tx, run *model.Run) {
	eventCtx := context.WithoutCancel(ctx)
	runID := run.ID
	status := string(run.Status)
	tx.AfterCommit(func() {
		e.scheduler.CreateEvent(eventCtx, TopicRunChanged, map[string]any{
			"id": runID, "status": status,
		})
	})
}

// enqueueTask registers an after-commit hook that schedules a one-shot
// HTTP task callback against the coordinator.
func (e *Engine) enqueueTask(ctx context.Context, tx *store.Tx, task, url, subjectID string) {
	taskCtx := context.WithoutCancel(ctx)
	tx.AfterCommit(func() {
		err := e.scheduler.QueueHTTPTask(taskCtx, task, scheduler.HTTPTask{
			URL:    url,
			Method: http.MethodPost,
			Body:   map[string]any{"task": task, "id": subjectID},
		})
		if err != nil {
			e.metrics.SchedulerErrors.Inc()
			e.logger.Error("task enqueue failed", log.TaskKey, task, log.Error(err))
		}
	})
}

func (e *Engine) runTaskURL() string {
	return fmt.Sprintf("%s/v1/runs/task", e.baseURL)
}
