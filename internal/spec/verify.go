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

	"github.com/fluxhq/flux/pkg/errors"
)

// Verify checks the internal references of a parsed specification before
// any run is admitted:
//
//  1. the entry key names a declared step;
//  2. if a layout is present, its elements and the schema fields are in
//     bijection;
//  3. every execute-step action anywhere in the specification references a
//     declared step.
//
// Violations are reported as a StructuredError keyed by path.
func (s *Specification) Verify() error {
	violations := make(map[string]error)

	if s.Name == "" {
		violations["name"] = &errors.ValidationError{Field: "name", Message: "required"}
	}
	if len(s.Steps) == 0 {
		violations["steps"] = &errors.ValidationError{Field: "steps", Message: "at least one step is required"}
	}

	if _, ok := s.Steps[s.Entry]; !ok {
		violations["entry"] = errors.Operation(errors.TokenInvalidEntryStep)
	}

	if err := s.verifyLayout(); err != nil {
		violations["layout"] = err
	}

	for name, list := range map[string]RuleList{
		"preoperation":  s.Preoperation,
		"postoperation": s.Postoperation,
		"prerun":        s.Prerun,
		"postrun":       s.Postrun,
	} {
		s.verifyRuleList(list, name, violations)
	}

	for key, step := range s.Steps {
		path := fmt.Sprintf("steps.%s", key)
		if step.Operation == "" {
			violations[path+".operation"] = &errors.ValidationError{
				Field: path + ".operation", Message: "required",
			}
		}
		s.verifyRuleList(step.Preoperation, path+".preoperation", violations)
		s.verifyRuleList(step.Postoperation, path+".postoperation", violations)
	}

	if len(violations) > 0 {
		return &errors.StructuredError{Errors: violations}
	}
	return nil
}

func (s *Specification) verifyRuleList(list RuleList, path string, violations map[string]error) {
	for ri, rule := range list {
		for ai, action := range rule.Actions {
			actionPath := fmt.Sprintf("%s.%d.actions.%d", path, ri, ai)
			switch action.Action {
			case ActionExecuteStep:
				if _, ok := s.Steps[action.Step]; !ok {
					violations[actionPath] = errors.Operation(errors.TokenInvalidExecuteStep)
				}
			case ActionExecuteOperation:
				if action.Operation == "" {
					violations[actionPath] = &errors.ValidationError{
						Field: actionPath, Message: "execute-operation requires an operation token",
					}
				}
			case ActionPromoteProducts:
				if len(action.Products) == 0 {
					violations[actionPath] = &errors.ValidationError{
						Field: actionPath, Message: "promote-products requires a products map",
					}
				}
			case ActionIgnoreStepFailure, ActionUpdateEnvironment:
				// No payload constraints.
			default:
				violations[actionPath] = &errors.ValidationError{
					Field:   actionPath,
					Message: fmt.Sprintf("unknown action kind %q", action.Action),
				}
			}
		}
	}
}

// verifyLayout checks that layout elements and schema fields are in
// bijection: every element references a schema field and every schema
// field appears in exactly one element.
func (s *Specification) verifyLayout() error {
	if len(s.Layout) == 0 {
		return nil
	}

	remaining := make(map[string]bool, len(s.Schema))
	for name := range s.Schema {
		remaining[name] = true
	}

	for _, group := range s.Layout {
		for _, element := range group.Elements {
			if !remaining[element.Field] {
				return errors.Operation(errors.TokenMismatchFormLayoutSchema)
			}
			delete(remaining, element.Field)
		}
	}

	if len(remaining) > 0 {
		return errors.Operation(errors.TokenMismatchFormLayoutSchema)
	}
	return nil
}
