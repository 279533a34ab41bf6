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

// Package request drives the human-request state machine: status
// transitions with message rules, slot form generation, and assignee
// notification through the subject directory and email delivery.
package request

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fluxhq/flux/internal/interpolation"
	"github.com/fluxhq/flux/internal/log"
	"github.com/fluxhq/flux/internal/mail"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/scheduler"
	"github.com/fluxhq/flux/internal/schema"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

// Task names dispatched through the scheduler back to the coordinator.
const (
	TaskInitiateRequest          = "initiate-request"
	TaskCancelRequest            = "cancel-request"
	TaskDeclineRequest           = "decline-request"
	TaskCompleteRequestOperation = "complete-request-operation"
	TaskReassignRequestAssignee  = "reassign-request-assignee"
)

// TopicRequestCompleted is published when a request reaches a terminal
// status.
const TopicRequestCompleted = "request:completed"

// ProductExecution is the request product token linking a request back to
// the run execution that raised it. Linked requests bridge their terminal
// status into a process callback for that execution.
const ProductExecution = "flux:execution"

// Directory resolves participants.
type Directory interface {
	GetSubject(ctx context.Context, id string) (*model.Subject, error)
}

// Mailer delivers notification email.
type Mailer interface {
	Send(ctx context.Context, m mail.Message) error
}

// Scheduler is the slice of the scheduler client the request engine needs.
type Scheduler interface {
	QueueHTTPTask(ctx context.Context, name string, callback scheduler.HTTPTask) error
	SubscribeHTTPTask(ctx context.Context, name string, callback scheduler.HTTPTask, topic string, aspects map[string]any) error
	CreateEvent(ctx context.Context, topic string, aspects map[string]any)
}

// Service drives request lifecycles.
type Service struct {
	directory Directory
	mailer    Mailer
	scheduler Scheduler
	baseURL   string
	logger    *slog.Logger
}

// New creates a request service.
func New(directory Directory, mailer Mailer, sched Scheduler, baseURL string, logger *slog.Logger) *Service {
	return &Service{
		directory: directory,
		mailer:    mailer,
		scheduler: sched,
		baseURL:   baseURL,
		logger:    log.WithComponent(logger, "request"),
	}
}

// ValidateSlotOrder checks that SlotOrder, if present, is a permutation of
// the slot keys.
func ValidateSlotOrder(r *model.Request) error {
	if len(r.SlotOrder) == 0 {
		return nil
	}
	if len(r.SlotOrder) != len(r.Slots) {
		return errors.Operation(errors.TokenInvalidSlotOrder)
	}

	seen := make(map[string]bool, len(r.SlotOrder))
	for _, token := range r.SlotOrder {
		if _, ok := r.Slots[token]; !ok || seen[token] {
			return errors.Operation(errors.TokenInvalidSlotOrder)
		}
		seen[token] = true
	}
	return nil
}

// UpdateStatus enforces the request transition table. The message, when
// present, is validated against the transition's author rules and
// persisted. Terminal transitions publish request:completed after commit;
// a request entering pending enqueues the initiate-request task.
func (s *Service) UpdateStatus(ctx context.Context, tx *store.Tx, r *model.Request, status model.RequestStatus, message *model.Message) error {
	if r.Status.Terminal() {
		return errors.Operation(errors.TokenCannotUpdateWithStatus)
	}

	now := time.Now().UTC()
	switch {
	case r.Status == model.RequestPrepared && status == model.RequestPending:
		// Always permitted.

	case r.Status == model.RequestPending && status == model.RequestClaimed:
		if message != nil && message.Author != r.Assignee {
			return &errors.ValidationError{
				Field: "message", Token: errors.TokenInvalidMessageAuthor,
				Message: "claim messages must be authored by the assignee",
			}
		}
		r.Claimed = &now

	case fillable(r.Status) && status == model.RequestCompleted:
		if message != nil && message.Author != r.Assignee {
			return &errors.ValidationError{
				Field: "message", Token: errors.TokenInvalidMessageAuthor,
				Message: "completion messages must be authored by the assignee",
			}
		}
		r.Completed = &now

	case fillable(r.Status) && status == model.RequestDeclined:
		if message == nil {
			return &errors.ValidationError{
				Field: "message", Token: errors.TokenMessageRequiredForStatus,
				Message: "declining a request requires a message",
			}
		}
		if message.Author != r.Assignee {
			return &errors.ValidationError{
				Field: "message", Token: errors.TokenInvalidMessageAuthor,
				Message: "decline messages must be authored by the assignee",
			}
		}
		r.Completed = &now

	case fillable(r.Status) && status == model.RequestCanceled:
		r.Completed = &now

	default:
		return errors.Operation(errors.TokenInvalidTransition)
	}

	r.Status = status
	if err := tx.UpdateRequest(ctx, r); err != nil {
		return err
	}

	if message != nil {
		if message.ID == "" {
			message.ID = uuid.NewString()
		}
		message.RequestID = r.ID
		if message.Occurrence.IsZero() {
			message.Occurrence = now
		}
		if err := tx.CreateMessage(ctx, message); err != nil {
			return err
		}
	}

	if status == model.RequestPending {
		s.enqueueTask(ctx, tx, TaskInitiateRequest, r.ID)
		s.subscribeCompletion(ctx, tx, r)
	}
	if status.Terminal() {
		eventCtx := context.WithoutCancel(ctx)
		requestID, finalStatus := r.ID, string(status)
		tx.AfterCommit(func() {
			s.scheduler.CreateEvent(eventCtx, TopicRequestCompleted, map[string]any{
				"id": requestID, "status": finalStatus,
			})
		})
	}

	s.logger.Info("request status updated", log.RequestIDKey, r.ID, "status", string(status))
	return nil
}

func fillable(status model.RequestStatus) bool {
	return status == model.RequestPending || status == model.RequestClaimed
}

// Initiate is the initiate-request task: it resolves the participants
// through the directory and emails the assignee with the request's linked
// template. A delivery failure marks the request failed.
func (s *Service) Initiate(ctx context.Context, tx *store.Tx, r *model.Request) error {
	if r.Status != model.RequestPending {
		return nil
	}

	if err := s.notifyAssignee(ctx, tx, r); err != nil {
		s.logger.Error("request initiation failed", log.RequestIDKey, r.ID, log.Error(err))
		r.Status = model.RequestFailed
		return tx.UpdateRequest(ctx, r)
	}
	return nil
}

// Reassign hands the request to a new assignee and re-sends the
// notification email.
func (s *Service) Reassign(ctx context.Context, tx *store.Tx, r *model.Request, assignee string) error {
	if r.Status.Terminal() {
		return errors.Operation(errors.TokenCannotUpdateWithStatus)
	}

	r.Assignee = assignee
	if err := tx.UpdateRequest(ctx, r); err != nil {
		return err
	}

	if r.Status == model.RequestPending || r.Status == model.RequestClaimed {
		s.enqueueTask(ctx, tx, TaskInitiateRequest, r.ID)
	}
	return nil
}

func (s *Service) notifyAssignee(ctx context.Context, tx *store.Tx, r *model.Request) error {
	assignee, err := s.directory.GetSubject(ctx, r.Assignee)
	if err != nil {
		return err
	}
	originator, err := s.directory.GetSubject(ctx, r.Originator)
	if err != nil {
		return err
	}

	body := fmt.Sprintf("%s asks you to complete the request %q.", originator.Name, r.Name)
	if r.TemplateID != nil {
		template, err := tx.GetEmailTemplate(ctx, *r.TemplateID)
		if err != nil {
			return err
		}

		in := interpolation.New(map[string]any{
			"request": map[string]any{
				"id":   r.ID,
				"name": r.Name,
				"url":  fmt.Sprintf("%s/v1/requests/%s", s.baseURL, r.ID),
			},
			"assignee": map[string]any{
				"id": assignee.ID, "name": assignee.Name, "email": assignee.Email,
			},
			"originator": map[string]any{
				"id": originator.ID, "name": originator.Name, "email": originator.Email,
			},
		})
		rendered, err := in.Interpolate(template.Template)
		if err != nil {
			return err
		}
		body = fmt.Sprintf("%v", rendered)
	}

	return s.mailer.Send(ctx, mail.Message{
		Recipients: []string{assignee.Email},
		Subject:    fmt.Sprintf("Request: %s", r.Name),
		Body:       body,
	})
}

// GenerateForm projects the request's slots into a typed input schema and
// a presentation order. Built-in slot types text and textarea become text
// fields; anything else becomes a uuid field bound to its external entity
// source.
func GenerateForm(r *model.Request) (*schema.Field, []string) {
	tokens := r.SlotOrder
	if len(tokens) == 0 {
		tokens = make([]string, 0, len(r.Slots))
		for token := range r.Slots {
			tokens = append(tokens, token)
		}
		sort.Strings(tokens)
	}

	members := make(map[string]*schema.Field, len(tokens))
	for _, token := range tokens {
		slot := r.Slots[token]
		field := &schema.Field{Description: slot.Title}
		switch slot.SlotType {
		case schema.Text:
			field.Type = schema.Text
		case schema.TextArea:
			field.Type = schema.TextArea
		default:
			field.Type = schema.UUID
			field.Source = slot.SlotType
		}
		members[token] = field
	}
	return schema.NewStructure(members), tokens
}

// GenerateEntities inverts the request's products into a token to
// entity-id map for UI consumption.
func GenerateEntities(r *model.Request) map[string]string {
	entities := make(map[string]string, len(r.Products))
	for token, surrogate := range r.Products {
		entities[token] = surrogate
	}
	return entities
}

// EnqueueInitiate schedules the initiate-request task after commit. The
// request controller uses it for requests created directly in pending.
func (s *Service) EnqueueInitiate(ctx context.Context, tx *store.Tx, r *model.Request) {
	s.enqueueTask(ctx, tx, TaskInitiateRequest, r.ID)
	s.subscribeCompletion(ctx, tx, r)
}

// subscribeCompletion registers the completion bridge for a request linked
// to a run execution: when the request reaches a terminal status, the
// scheduler delivers the complete-request-operation task back to the
// coordinator.
func (s *Service) subscribeCompletion(ctx context.Context, tx *store.Tx, r *model.Request) {
	if _, ok := r.Products[ProductExecution]; !ok {
		return
	}

	taskCtx := context.WithoutCancel(ctx)
	requestID := r.ID
	tx.AfterCommit(func() {
		err := s.scheduler.SubscribeHTTPTask(taskCtx, TaskCompleteRequestOperation, scheduler.HTTPTask{
			URL:    fmt.Sprintf("%s/v1/requests/task", s.baseURL),
			Method: http.MethodPost,
			Body:   map[string]any{"task": TaskCompleteRequestOperation, "id": requestID},
		}, TopicRequestCompleted, map[string]any{"id": requestID})
		if err != nil {
			s.logger.Error("completion subscription failed", log.RequestIDKey, requestID, log.Error(err))
		}
	})
}

func (s *Service) enqueueTask(ctx context.Context, tx *store.Tx, task, requestID string) {
	taskCtx := context.WithoutCancel(ctx)
	tx.AfterCommit(func() {
		err := s.scheduler.QueueHTTPTask(taskCtx, task, scheduler.HTTPTask{
			URL:    fmt.Sprintf("%s/v1/requests/task", s.baseURL),
			Method: http.MethodPost,
			Body:   map[string]any{"task": task, "id": requestID},
		})
		if err != nil {
			s.logger.Error("task enqueue failed", log.TaskKey, task, log.Error(err))
		}
	})
}
