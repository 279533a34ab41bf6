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

// Package model defines the persistent entities of the engine: workflows,
// runs, step executions, operations, requests and their satellites.
package model

import (
	"time"

	"github.com/fluxhq/flux/internal/schema"
)

// QueuePrefix derives scheduler queue ids from operation tokens.
const QueuePrefix = "flux-operation:"

// WorkflowTypeYAML is the only specification format in use.
const WorkflowTypeYAML = "yaml"

// Workflow is a named, versioned plan.
type Workflow struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Designation   *string   `json:"designation,omitempty"`
	IsService     bool      `json:"is_service"`
	Type          string    `json:"type"`
	Specification string    `json:"specification,omitempty"`
	Modified      time.Time `json:"modified"`
}

// Run is one execution of a workflow.
type Run struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Name       string         `json:"name"`
	Status     RunStatus      `json:"status"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Notify     []string       `json:"notify,omitempty"`
	Started    *time.Time     `json:"started,omitempty"`
	Ended      *time.Time     `json:"ended,omitempty"`
}

// Active reports whether the run can still progress.
func (r *Run) Active() bool {
	return r.Status.Active()
}

// ContributeValues returns the run's contribution to the interpolation
// context, rooted at "run".
func (r *Run) ContributeValues() map[string]any {
	env := r.Parameters
	if env == nil {
		env = map[string]any{}
	}
	return map[string]any{
		"run": map[string]any{
			"id":      r.ID,
			"name":    r.Name,
			"started": timeValue(r.Started),
			"env":     env,
		},
	}
}

// Execution is one invocation of one step within a run. ExecutionID is a
// 1-based serial allocated under the run's row lock.
type Execution struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	ExecutionID int            `json:"execution_id"`
	AncestorID  *string        `json:"ancestor_id,omitempty"`
	Step        string         `json:"step"`
	Name        string         `json:"name"`
	Status      RunStatus      `json:"status"`
	Outcome     string         `json:"outcome,omitempty"`
	Started     *time.Time     `json:"started,omitempty"`
	Ended       *time.Time     `json:"ended,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Active reports whether the execution can still progress.
func (e *Execution) Active() bool {
	return e.Status.Active()
}

// ContributeValues returns the execution's contribution to the
// interpolation context, rooted at "step".
func (e *Execution) ContributeValues() map[string]any {
	return map[string]any{
		"step": map[string]any{
			"serial":  e.ExecutionID,
			"id":      e.ID,
			"step":    e.Step,
			"status":  string(e.Status),
			"outcome": e.Outcome,
			"started": timeValue(e.Started),
			"ended":   timeValue(e.Ended),
		},
	}
}

// Operation is a registered remote work type. ID is a two-segment token
// of the form "ns:name".
type Operation struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Phase       string              `json:"phase"`
	Description string              `json:"description,omitempty"`
	Schema      *schema.Field       `json:"schema,omitempty"`
	Parameters  map[string]any      `json:"parameters,omitempty"`
	Outcomes    map[string]*Outcome `json:"outcomes"`
}

// QueueID derives the scheduler queue the operation's executor listens on.
func (o *Operation) QueueID() string {
	return QueuePrefix + o.ID
}

// Outcome is a named, typed result of an operation invocation. Outcome is
// the kind, "success" or "failure".
type Outcome struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Outcome     string        `json:"outcome"`
	Schema      *schema.Field `json:"schema,omitempty"`
}

// Product is a token-keyed surrogate attached to a run.
type Product struct {
	RunID     string `json:"run_id"`
	Token     string `json:"token"`
	Title     string `json:"title,omitempty"`
	Surrogate string `json:"surrogate"`
}

// Request is a human form task with its own state machine.
type Request struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Status      RequestStatus          `json:"status"`
	Originator  string                 `json:"originator"`
	Assignee    string                 `json:"assignee"`
	Creator     string                 `json:"creator,omitempty"`
	TemplateID  *string                `json:"template_id,omitempty"`
	SlotOrder   []string               `json:"slot_order,omitempty"`
	Claimed     *time.Time             `json:"claimed,omitempty"`
	Completed   *time.Time             `json:"completed,omitempty"`
	Slots       map[string]RequestSlot `json:"slots,omitempty"`
	Products    map[string]string      `json:"products,omitempty"`
	Attachments []RequestAttachment    `json:"attachments,omitempty"`
}

// RequestSlot describes one fillable element of a request form.
type RequestSlot struct {
	Title    string `json:"title,omitempty"`
	SlotType string `json:"slot_type"`
}

// RequestAttachment is a titled surrogate attached to a request.
type RequestAttachment struct {
	Token     string `json:"token"`
	Title     string `json:"title,omitempty"`
	Surrogate string `json:"surrogate"`
}

// Message is one entry of a request's ordered message log.
type Message struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	Author     string    `json:"author"`
	Occurrence time.Time `json:"occurrence"`
	Message    string    `json:"message"`
}

// EmailTemplate is deduplicated template text keyed by content.
type EmailTemplate struct {
	ID       string `json:"id"`
	Template string `json:"template"`
}

// Subject is a participant resolved through the external directory.
type Subject struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
