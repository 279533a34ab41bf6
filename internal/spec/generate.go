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

package spec

import (
	"fmt"

	"github.com/fluxhq/flux/internal/schema"
	"github.com/fluxhq/flux/pkg/errors"
)

// GeneratedOperation describes one entry of a linear workflow built by
// Generate.
type GeneratedOperation struct {
	// Operation is the operation token for the step.
	Operation string `json:"operation"`

	// RunParams become the step's parameters.
	RunParams map[string]any `json:"run_params,omitempty"`

	// StepParams are passed to the execute-step action that threads into
	// this step from its predecessor.
	StepParams map[string]any `json:"step_params,omitempty"`

	// Description annotates the step.
	Description string `json:"description,omitempty"`
}

// Generate builds a specification from a linear list of operations. Each
// operation becomes one step ("step:0", "step:1", ...); every step except
// the last threads into its successor via a single-action execute-step
// postoperation rule.
func Generate(name string, operations []GeneratedOperation, params map[string]*schema.Field, layout []LayoutGroup) (*Specification, error) {
	if len(operations) == 0 {
		return nil, &errors.ValidationError{
			Field:   "operations",
			Message: "at least one operation is required",
		}
	}

	s := &Specification{
		Name:   name,
		Entry:  "step:0",
		Schema: params,
		Layout: layout,
		Steps:  make(map[string]*Step, len(operations)),
	}

	var previous string
	for i, op := range operations {
		key := fmt.Sprintf("step:%d", i)
		s.Steps[key] = &Step{
			Description: op.Description,
			Operation:   op.Operation,
			Parameters:  op.RunParams,
		}

		if previous != "" {
			s.Steps[previous].Postoperation = RuleList{{
				Actions: []Action{{
					Action:     ActionExecuteStep,
					Step:       key,
					Parameters: op.StepParams,
				}},
			}}
		}
		previous = key
	}

	return s, nil
}
