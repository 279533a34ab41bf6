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
	"encoding/json"
	"net/http"

	"github.com/fluxhq/flux/internal/log"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string            `json:"error"`
	Token   string            `json:"token,omitempty"`
	Field   string            `json:"field,omitempty"`
	Message string            `json:"message,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encoding failed", log.Error(err))
	}
}

// writeError maps error kinds to status codes: validation failures are
// 400, business-rule tokens 409, missing subjects 404, deleted ones 410,
// anything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		verr *errors.ValidationError
		serr *errors.StructuredError
		nerr *errors.NotFoundError
		gerr *errors.GoneError
	)
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "validation", Token: verr.Token, Field: verr.Field, Message: verr.Message,
		})

	case errors.As(err, &serr):
		flattened := make(map[string]string, len(serr.Errors))
		for path, violation := range serr.Errors {
			flattened[path] = violation.Error()
		}
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Errors: flattened})

	case errors.As(err, &nerr):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "not-found", Message: nerr.Error()})

	case errors.As(err, &gerr):
		s.writeJSON(w, http.StatusGone, errorBody{Error: "gone", Message: gerr.Error()})

	default:
		if token, ok := errors.IsOperation(err); ok {
			s.writeJSON(w, http.StatusConflict, errorBody{Error: token, Token: token})
			return
		}
		s.logger.Error("request failed", log.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

// decode unmarshals a JSON request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &errors.ValidationError{Field: "body", Message: "malformed json: " + err.Error()}
	}
	return nil
}

// inTx runs fn in a unit of work, committing on success.
func (s *Server) inTx(r *http.Request, fn func(tx *store.Tx) error) error {
	tx, err := s.store.Begin(r.Context())
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
