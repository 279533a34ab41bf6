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

// Package spec models the YAML workflow specification: steps, rule lists,
// tagged actions, products and the optional parameter form.
package spec

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fluxhq/flux/internal/schema"
	"github.com/fluxhq/flux/pkg/errors"
)

// Action kinds. An action is a tagged variant dispatched by Kind.
const (
	ActionExecuteOperation  = "execute-operation"
	ActionExecuteStep       = "execute-step"
	ActionIgnoreStepFailure = "ignore-step-failure"
	ActionPromoteProducts   = "promote-products"
	ActionUpdateEnvironment = "update-environment"
)

// Specification is a parsed workflow plan.
type Specification struct {
	// Name is the workflow identifier.
	Name string `yaml:"name" json:"name"`

	// Entry is the step key the run starts at.
	Entry string `yaml:"entry" json:"entry"`

	// Schema describes the run parameters, keyed by field name.
	Schema map[string]*schema.Field `yaml:"schema,omitempty" json:"schema,omitempty"`

	// Layout carries UI hints for the schema fields.
	Layout []LayoutGroup `yaml:"layout,omitempty" json:"layout,omitempty"`

	// Parameters are default run parameters.
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Products declares the token-keyed surrogates a run may produce.
	Products map[string]Product `yaml:"products,omitempty" json:"products,omitempty"`

	// Workflow-level rule lists.
	Preoperation  RuleList `yaml:"preoperation,omitempty" json:"preoperation,omitempty"`
	Postoperation RuleList `yaml:"postoperation,omitempty" json:"postoperation,omitempty"`
	Prerun        RuleList `yaml:"prerun,omitempty" json:"prerun,omitempty"`
	Postrun       RuleList `yaml:"postrun,omitempty" json:"postrun,omitempty"`

	// Steps are the nodes of the plan.
	Steps map[string]*Step `yaml:"steps" json:"steps"`
}

// Step is a node of the plan referring to exactly one operation.
type Step struct {
	// Description provides human-readable context.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Operation is the two-segment operation token (e.g. "flux:test-operation").
	Operation string `yaml:"operation" json:"operation"`

	// Parameters are step-level defaults merged over operation defaults.
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Preoperation runs before the remote process is created.
	Preoperation RuleList `yaml:"preoperation,omitempty" json:"preoperation,omitempty"`

	// Postoperation runs when the process callback arrives.
	Postoperation RuleList `yaml:"postoperation,omitempty" json:"postoperation,omitempty"`

	// Timeout bounds the remote process, in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// RuleList is an ordered sequence of condition-guarded rules.
type RuleList []Rule

// Rule executes its actions in order when its condition holds. A terminal
// rule stops evaluation of the remaining rules in the list.
type Rule struct {
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Condition   string   `yaml:"condition,omitempty" json:"condition,omitempty"`
	Actions     []Action `yaml:"actions" json:"actions"`
	Terminal    bool     `yaml:"terminal,omitempty" json:"terminal,omitempty"`
}

// Action is a tagged variant; Action selects the kind and the remaining
// fields carry the per-kind payload.
type Action struct {
	// Action is the kind tag; one of the Action* constants.
	Action string `yaml:"action" json:"action"`

	// Operation is the operation token for execute-operation.
	Operation string `yaml:"operation,omitempty" json:"operation,omitempty"`

	// Step is the step token for execute-step.
	Step string `yaml:"step,omitempty" json:"step,omitempty"`

	// Parameters feed execute-step, execute-operation and
	// update-environment.
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Products maps tokens to surrogate expressions for promote-products.
	Products map[string]string `yaml:"products,omitempty" json:"products,omitempty"`
}

// Product declares a token-keyed surrogate a run may produce.
type Product struct {
	Surrogate string `yaml:"surrogate" json:"surrogate"`
}

// LayoutGroup is one titled group of form elements.
type LayoutGroup struct {
	Title    string          `yaml:"title,omitempty" json:"title,omitempty"`
	Elements []LayoutElement `yaml:"elements" json:"elements"`
}

// LayoutElement binds a UI element to a schema field.
type LayoutElement struct {
	Type    string         `yaml:"type" json:"type"`
	Field   string         `yaml:"field" json:"field"`
	Label   string         `yaml:"label,omitempty" json:"label,omitempty"`
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// Parse unserializes a YAML specification. The result is not verified;
// call Verify before interpreting it.
func Parse(text string) (*Specification, error) {
	var s Specification
	if err := yaml.Unmarshal([]byte(text), &s); err != nil {
		return nil, &errors.ValidationError{
			Field:   "specification",
			Message: fmt.Sprintf("malformed yaml: %s", err),
		}
	}
	return &s, nil
}

// Serialize renders the specification back to YAML.
func (s *Specification) Serialize() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to serialize specification: %w", err)
	}
	return string(out), nil
}
