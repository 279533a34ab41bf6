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
	"time"

	"github.com/google/uuid"

	"github.com/fluxhq/flux/internal/log"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/request"
	"github.com/fluxhq/flux/internal/schema"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

type createRequestRequest struct {
	Name        string                       `json:"name"`
	Status      model.RequestStatus          `json:"status,omitempty"`
	Originator  string                       `json:"originator"`
	Assignee    string                       `json:"assignee"`
	Creator     string                       `json:"creator,omitempty"`
	TemplateID  *string                      `json:"template_id,omitempty"`
	SlotOrder   []string                     `json:"slot_order,omitempty"`
	Slots       map[string]model.RequestSlot `json:"slots,omitempty"`
	Products    map[string]string            `json:"products,omitempty"`
	Attachments []model.RequestAttachment    `json:"attachments,omitempty"`
}

// createRequest accepts status prepared (the default) or pending. A
// pending request immediately enqueues the initiate-request task.
func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Name == "" {
		s.writeError(w, &errors.ValidationError{Field: "name", Message: "name is required"})
		return
	}

	status := body.Status
	if status == "" {
		status = model.RequestPrepared
	}
	if status != model.RequestPrepared && status != model.RequestPending {
		s.writeError(w, &errors.ValidationError{
			Field: "status", Message: "requests are created prepared or pending",
		})
		return
	}

	req := &model.Request{
		ID:          uuid.NewString(),
		Name:        body.Name,
		Status:      status,
		Originator:  body.Originator,
		Assignee:    body.Assignee,
		Creator:     body.Creator,
		TemplateID:  body.TemplateID,
		SlotOrder:   body.SlotOrder,
		Slots:       body.Slots,
		Products:    body.Products,
		Attachments: body.Attachments,
	}
	if err := request.ValidateSlotOrder(req); err != nil {
		s.writeError(w, err)
		return
	}

	err := s.inTx(r, func(tx *store.Tx) error {
		if err := tx.CreateRequest(r.Context(), req); err != nil {
			return err
		}
		if req.Status == model.RequestPending {
			s.requests.EnqueueInitiate(r.Context(), tx, req)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

type requestResponse struct {
	*model.Request
	Form     *schema.Field     `json:"form,omitempty"`
	Order    []string          `json:"order,omitempty"`
	Entities map[string]string `json:"entities,omitempty"`
}

// getRequest returns the request, optionally including the generated form
// and the entity map via ?include=form,entities.
func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	response := requestResponse{Request: req}
	for _, include := range strings.Split(r.URL.Query().Get("include"), ",") {
		switch strings.TrimSpace(include) {
		case "form":
			response.Form, response.Order = request.GenerateForm(req)
		case "entities":
			response.Entities = request.GenerateEntities(req)
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) queryRequests(w http.ResponseWriter, r *http.Request) {
	filter := store.RequestFilter{Assignee: r.URL.Query().Get("assignee")}
	for _, status := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, model.RequestStatus(status))
	}

	requests, err := s.store.QueryRequests(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, requests)
}

type updateRequestRequest struct {
	Status   model.RequestStatus `json:"status,omitempty"`
	Assignee string              `json:"assignee,omitempty"`
	Message  *messageBody        `json:"message,omitempty"`
}

type messageBody struct {
	Author  string `json:"author"`
	Message string `json:"message"`
}

// updateRequest applies a status transition, a reassignment, or both.
func (s *Server) updateRequest(w http.ResponseWriter, r *http.Request) {
	var body updateRequestRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	var req *model.Request
	err := s.inTx(r, func(tx *store.Tx) error {
		var err error
		req, err = tx.GetRequestForUpdate(r.Context(), r.PathValue("id"))
		if err != nil {
			return err
		}

		if body.Assignee != "" && body.Assignee != req.Assignee {
			if err := s.requests.Reassign(r.Context(), tx, req, body.Assignee); err != nil {
				return err
			}
		}
		if body.Status == "" {
			return nil
		}

		var message *model.Message
		if body.Message != nil {
			message = &model.Message{Author: body.Message.Author, Message: body.Message.Message}
		}
		return s.requests.UpdateStatus(r.Context(), tx, req, body.Status, message)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) deleteRequest(w http.ResponseWriter, r *http.Request) {
	err := s.inTx(r, func(tx *store.Tx) error {
		if _, err := tx.GetRequest(r.Context(), r.PathValue("id")); err != nil {
			return err
		}
		return tx.DeleteRequest(r.Context(), r.PathValue("id"))
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestTask is the scheduler's task callback endpoint for requests.
func (s *Server) requestTask(w http.ResponseWriter, r *http.Request) {
	var body taskCallback
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.coordinator.HandleRequestTask(r.Context(), body.Task, body.ID); err != nil {
		s.logger.Error("request task failed", log.TaskKey, body.Task, log.RequestIDKey, body.ID, log.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

type createMessageRequest struct {
	RequestID string `json:"request_id"`
	Author    string `json:"author"`
	Message   string `json:"message"`
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var body createMessageRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	message := &model.Message{
		ID:         uuid.NewString(),
		RequestID:  body.RequestID,
		Author:     body.Author,
		Occurrence: time.Now().UTC(),
		Message:    body.Message,
	}
	err := s.inTx(r, func(tx *store.Tx) error {
		if _, err := tx.GetRequest(r.Context(), body.RequestID); err != nil {
			return err
		}
		return tx.CreateMessage(r.Context(), message)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, message)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	message, err := s.store.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, message)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		s.writeError(w, &errors.ValidationError{Field: "request_id", Message: "request_id is required"})
		return
	}

	messages, err := s.store.ListMessages(r.Context(), requestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

type emailTemplateRequest struct {
	Template string `json:"template"`
}

// putEmailTemplate deduplicates by content: putting an identical template
// returns the existing row.
func (s *Server) putEmailTemplate(w http.ResponseWriter, r *http.Request) {
	var body emailTemplateRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Template == "" {
		s.writeError(w, &errors.ValidationError{Field: "template", Message: "template is required"})
		return
	}

	var template *model.EmailTemplate
	err := s.inTx(r, func(tx *store.Tx) error {
		var err error
		template, err = tx.PutEmailTemplate(r.Context(), body.Template)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, template)
}

func (s *Server) getEmailTemplate(w http.ResponseWriter, r *http.Request) {
	template, err := s.store.GetEmailTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, template)
}
