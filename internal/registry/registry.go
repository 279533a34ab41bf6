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

// Package registry holds the authoritative description of every operation.
// Registering an operation persists it and publishes its callback queue to
// the external scheduler; initiating it creates the remote process the
// executor works on.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/scheduler"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

// Scheduler is the slice of the scheduler client the registry needs.
type Scheduler interface {
	CreateProcess(ctx context.Context, p scheduler.Process) error
	PutQueue(ctx context.Context, q scheduler.Queue) error
}

// Registry persists operations and brokers their remote processes.
type Registry struct {
	store     *store.Store
	scheduler Scheduler
	baseURL   string
	logger    *slog.Logger
}

// New creates a registry. baseURL is the daemon's externally reachable
// address, used to mint process callback endpoints.
func New(s *store.Store, sched Scheduler, baseURL string, logger *slog.Logger) *Registry {
	return &Registry{store: s, scheduler: sched, baseURL: baseURL, logger: logger}
}

// ProcessEndpoint is the coordinator's callback URL for an operation.
func (r *Registry) ProcessEndpoint(operationID string) string {
	return fmt.Sprintf("%s/v1/operations/%s/process", r.baseURL, operationID)
}

// Register persists an operation and publishes its queue so executors can
// subscribe to it.
func (r *Registry) Register(ctx context.Context, op *model.Operation) error {
	if len(op.Outcomes) == 0 {
		return &errors.ValidationError{Field: "outcomes", Message: "at least one outcome is required"}
	}

	if err := r.store.PutOperation(ctx, op); err != nil {
		return err
	}
	return r.publish(ctx, op)
}

// Initiate creates the remote process for one step execution. The
// scheduler later POSTs the process callback to the operation's endpoint.
func (r *Registry) Initiate(ctx context.Context, op *model.Operation, tag, id string, input map[string]any, timeout int) error {
	return r.scheduler.CreateProcess(ctx, scheduler.Process{
		QueueID: op.QueueID(),
		ID:      id,
		Tag:     tag,
		Input:   input,
		Timeout: timeout,
	})
}

// Bootstrap re-publishes queues for every stored operation and registers
// the built-in test operation. Called once at daemon startup.
func (r *Registry) Bootstrap(ctx context.Context) error {
	if err := r.Register(ctx, TestOperation()); err != nil {
		return fmt.Errorf("failed to register test operation: %w", err)
	}

	operations, err := r.store.ListOperations(ctx)
	if err != nil {
		return err
	}
	for _, op := range operations {
		if err := r.publish(ctx, op); err != nil {
			return err
		}
	}
	r.logger.Info("operation queues published", "count", len(operations))
	return nil
}

func (r *Registry) publish(ctx context.Context, op *model.Operation) error {
	return r.scheduler.PutQueue(ctx, scheduler.Queue{
		ID:       op.QueueID(),
		Subject:  op.ID,
		Name:     op.Name,
		Endpoint: r.ProcessEndpoint(op.ID),
	})
}

// TestOperation is the built-in smoke-test operation: its executor
// completes immediately with the declared "completed" outcome.
func TestOperation() *model.Operation {
	return &model.Operation{
		ID:          "flux:test-operation",
		Name:        "test operation",
		Phase:       model.PhaseOperation,
		Description: "completes immediately; used for smoke runs",
		Outcomes: map[string]*model.Outcome{
			"completed": {Name: "completed", Outcome: model.OutcomeSuccess},
			"failed":    {Name: "failed", Outcome: model.OutcomeFailure},
		},
	}
}
