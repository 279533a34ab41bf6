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
	"strings"

	"github.com/fluxhq/flux/internal/engine"
	"github.com/fluxhq/flux/internal/log"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/pkg/errors"
)

func (s *Server) createOperation(w http.ResponseWriter, r *http.Request) {
	var op model.Operation
	if err := decode(r, &op); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.registerOperation(w, r, &op); err != nil {
		return
	}
	s.writeJSON(w, http.StatusCreated, &op)
}

func (s *Server) putOperation(w http.ResponseWriter, r *http.Request) {
	var op model.Operation
	if err := decode(r, &op); err != nil {
		s.writeError(w, err)
		return
	}
	op.ID = r.PathValue("id")
	if err := s.registerOperation(w, r, &op); err != nil {
		return
	}
	s.writeJSON(w, http.StatusOK, &op)
}

// registerOperation validates the token shape and hands the operation to
// the registry, which persists it and republishes its queue.
func (s *Server) registerOperation(w http.ResponseWriter, r *http.Request, op *model.Operation) error {
	if segments := strings.Split(op.ID, ":"); len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		err := &errors.ValidationError{Field: "id", Message: "operation tokens have the form ns:name"}
		s.writeError(w, err)
		return err
	}
	if err := s.registry.Register(r.Context(), op); err != nil {
		s.writeError(w, err)
		return err
	}
	return nil
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.store.GetOperation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	operations, err := s.store.ListOperations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, operations)
}

// processCallbackBody is the scheduler's process callback payload. ID is
// the process id, which the registry mints as the execution id.
type processCallbackBody struct {
	ID      string              `json:"id"`
	Tag     string              `json:"tag,omitempty"`
	Subject string              `json:"subject,omitempty"`
	Status  model.ProcessStatus `json:"status"`
	Output  *engine.Output      `json:"output,omitempty"`
}

// processCallback receives executor results. Handler errors are logged
// and acknowledged so the scheduler does not retry a permanently failing
// callback.
func (s *Server) processCallback(w http.ResponseWriter, r *http.Request) {
	var body processCallbackBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	err := s.coordinator.HandleProcessCallback(r.Context(), body.ID, body.Status, body.Output)
	if err != nil {
		s.logger.Error("process callback failed",
			log.ExecutionIDKey, body.ID, "operation", r.PathValue("id"), log.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}
