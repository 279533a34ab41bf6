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
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fluxhq/flux/internal/engine"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/schema"
	"github.com/fluxhq/flux/internal/spec"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

type workflowRequest struct {
	Name          string  `json:"name"`
	Designation   *string `json:"designation,omitempty"`
	IsService     bool    `json:"is_service,omitempty"`
	Specification string  `json:"specification,omitempty"`
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var body workflowRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Name == "" {
		s.writeError(w, &errors.ValidationError{Field: "name", Message: "name is required"})
		return
	}
	if err := verifySpecification(body.Specification); err != nil {
		s.writeError(w, err)
		return
	}

	workflow := &model.Workflow{
		ID:            uuid.NewString(),
		Name:          body.Name,
		Designation:   body.Designation,
		IsService:     body.IsService,
		Type:          model.WorkflowTypeYAML,
		Specification: body.Specification,
		Modified:      time.Now().UTC(),
	}
	err := s.inTx(r, func(tx *store.Tx) error {
		return tx.CreateWorkflow(r.Context(), workflow)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, workflow)
}

type generateRequest struct {
	Name       string                    `json:"name"`
	Operations []spec.GeneratedOperation `json:"operations"`
	Schema     map[string]*schema.Field  `json:"schema,omitempty"`
	Layout     []spec.LayoutGroup        `json:"layout,omitempty"`
	IsService  bool                      `json:"is_service,omitempty"`
}

// generateWorkflow builds a linear specification from an operation list
// and creates the workflow in one shot.
func (s *Server) generateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Name == "" {
		s.writeError(w, &errors.ValidationError{Field: "name", Message: "name is required"})
		return
	}

	generated, err := spec.Generate(body.Name, body.Operations, body.Schema, body.Layout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := generated.Verify(); err != nil {
		s.writeError(w, err)
		return
	}
	serialized, err := generated.Serialize()
	if err != nil {
		s.writeError(w, err)
		return
	}

	workflow := &model.Workflow{
		ID:            uuid.NewString(),
		Name:          body.Name,
		IsService:     body.IsService,
		Type:          model.WorkflowTypeYAML,
		Specification: serialized,
		Modified:      time.Now().UTC(),
	}
	err = s.inTx(r, func(tx *store.Tx) error {
		return tx.CreateWorkflow(r.Context(), workflow)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, workflow)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workflow)
}

func (s *Server) queryWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{Name: r.URL.Query().Get("name")}
	if v := r.URL.Query().Get("is_service"); v != "" {
		isService := v == "true" || v == "1"
		filter.IsService = &isService
	}

	workflows, err := s.store.QueryWorkflows(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body workflowRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := verifySpecification(body.Specification); err != nil {
		s.writeError(w, err)
		return
	}

	var workflow *model.Workflow
	err := s.inTx(r, func(tx *store.Tx) error {
		var err error
		workflow, err = tx.GetWorkflow(r.Context(), r.PathValue("id"))
		if err != nil {
			return err
		}

		if body.Name != "" {
			workflow.Name = body.Name
		}
		if body.Designation != nil {
			workflow.Designation = body.Designation
		}
		workflow.IsService = body.IsService
		workflow.Specification = body.Specification
		if err := tx.UpdateWorkflow(r.Context(), workflow); err != nil {
			return err
		}

		s.cache.Invalidate(workflow.ID)
		s.publishWorkflowChanged(r.Context(), tx, workflow.ID)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workflow)
}

// deleteWorkflow refuses while runs reference the workflow: active runs
// always block deletion; any remaining run blocks it under the in-use
// policy.
func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.inTx(r, func(tx *store.Tx) error {
		if _, err := tx.GetWorkflow(r.Context(), id); err != nil {
			return err
		}

		active, err := tx.CountRuns(r.Context(), id, model.ActiveRunStatuses)
		if err != nil {
			return err
		}
		if active > 0 {
			return errors.Operation(errors.TokenCannotDeleteActiveWorkflow)
		}

		total, err := tx.CountRuns(r.Context(), id, nil)
		if err != nil {
			return err
		}
		if total > 0 {
			return errors.Operation(errors.TokenCannotDeleteInUseWorkflow)
		}

		if err := tx.DeleteWorkflow(r.Context(), id); err != nil {
			return err
		}
		s.cache.Invalidate(id)
		s.publishWorkflowChanged(r.Context(), tx, id)
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publishWorkflowChanged(ctx context.Context, tx *store.Tx, workflowID string) {
	eventCtx := context.WithoutCancel(ctx)
	tx.AfterCommit(func() {
		s.events.CreateEvent(eventCtx, engine.TopicWorkflowChanged, map[string]any{"id": workflowID})
	})
}

// verifySpecification parses and verifies a non-empty specification.
func verifySpecification(text string) error {
	if text == "" {
		return nil
	}
	parsed, err := spec.Parse(text)
	if err != nil {
		return err
	}
	return parsed.Verify()
}
