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

package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/fluxhq/flux/internal/engine"
	"github.com/fluxhq/flux/internal/log"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

type createRunRequest struct {
	WorkflowID string          `json:"workflow_id"`
	Name       string          `json:"name,omitempty"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Notify     []string        `json:"notify,omitempty"`
	Status     model.RunStatus `json:"status,omitempty"`
}

// createRun accepts status prepared or pending (the default). A pending
// run immediately enqueues the initiate-run task; a prepared run stays
// dormant until transitioned.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body createRunRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	status := body.Status
	if status == "" {
		status = model.RunPending
	}
	if status != model.RunPending && status != model.RunPrepared {
		s.writeError(w, &errors.ValidationError{
			Field: "status", Message: "runs are created pending or prepared",
		})
		return
	}

	run := &model.Run{
		ID:         uuid.NewString(),
		WorkflowID: body.WorkflowID,
		Name:       body.Name,
		Status:     status,
		Parameters: body.Parameters,
		Notify:     body.Notify,
	}
	err := s.inTx(r, func(tx *store.Tx) error {
		workflow, err := tx.GetWorkflow(r.Context(), body.WorkflowID)
		if err != nil {
			if errors.IsNotFound(err) {
				return errors.Operation(errors.TokenUnknownWorkflow)
			}
			return err
		}
		if run.Name == "" {
			run.Name = workflow.Name
		}

		if err := tx.CreateRun(r.Context(), run); err != nil {
			return err
		}
		if run.Status == model.RunPending {
			s.engine.EnqueueRunTask(r.Context(), tx, engine.TaskInitiateRun, run.ID)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

type runResponse struct {
	*model.Run
	Products map[string]string `json:"products,omitempty"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	products, err := s.store.ListProducts(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	surrogates := make(map[string]string, len(products))
	for _, p := range products {
		surrogates[p.Token] = p.Surrogate
	}
	s.writeJSON(w, http.StatusOK, runResponse{Run: run, Products: surrogates})
}

func (s *Server) queryRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{WorkflowID: r.URL.Query().Get("workflow_id")}
	for _, status := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, model.RunStatus(status))
	}

	runs, err := s.store.QueryRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

type updateRunRequest struct {
	Status model.RunStatus `json:"status"`
}

// updateRun accepts two transitions: prepared to pending, and the abort
// request flipping an active run to aborting.
func (s *Server) updateRun(w http.ResponseWriter, r *http.Request) {
	var body updateRunRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	var run *model.Run
	err := s.inTx(r, func(tx *store.Tx) error {
		var err error
		run, err = tx.GetRunForUpdate(r.Context(), r.PathValue("id"))
		if err != nil {
			return err
		}

		switch body.Status {
		case model.RunPending:
			if run.Status != model.RunPrepared {
				return errors.Operation(errors.TokenInvalidTransition)
			}
			run.Status = model.RunPending
			if err := tx.UpdateRun(r.Context(), run); err != nil {
				return err
			}
			s.engine.EnqueueRunTask(r.Context(), tx, engine.TaskInitiateRun, run.ID)
			return nil

		case model.RunAborting:
			return s.engine.Abort(r.Context(), tx, run)

		default:
			return &errors.ValidationError{
				Field: "status", Message: "runs transition to pending or aborting only",
			}
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetRun(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	executions, err := s.store.ListExecutions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, executions)
}

type taskCallback struct {
	Task string `json:"task"`
	ID   string `json:"id"`
}

// runTask is the scheduler's task callback endpoint for runs. Handler
// errors are logged and acknowledged; the scheduler must not retry them.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	var body taskCallback
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.coordinator.HandleRunTask(r.Context(), body.Task, body.ID); err != nil {
		s.logger.Error("run task failed", log.TaskKey, body.Task, log.RunIDKey, body.ID, log.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, execution)
}

type updateExecutionRequest struct {
	Status model.RunStatus `json:"status"`
}

// updateExecution accepts only the aborting transition, which cascades to
// the whole run.
func (s *Server) updateExecution(w http.ResponseWriter, r *http.Request) {
	var body updateExecutionRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Status != model.RunAborting {
		s.writeError(w, &errors.ValidationError{
			Field: "status", Message: "executions transition to aborting only",
		})
		return
	}

	err := s.inTx(r, func(tx *store.Tx) error {
		execution, err := tx.GetExecution(r.Context(), r.PathValue("id"))
		if err != nil {
			return err
		}
		run, err := tx.GetRunForUpdate(r.Context(), execution.RunID)
		if err != nil {
			return err
		}
		return s.engine.Abort(r.Context(), tx, run)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// executionTask is the scheduler's task callback endpoint for executions.
func (s *Server) executionTask(w http.ResponseWriter, r *http.Request) {
	var body taskCallback
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.coordinator.HandleExecutionTask(r.Context(), body.Task, body.ID); err != nil {
		s.logger.Error("execution task failed", log.TaskKey, body.Task, log.ExecutionIDKey, body.ID, log.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}
