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

// Package errors defines the error kinds used across the flux codebase.
//
// There are four families:
//   - ValidationError: bad caller input, keyed by field path
//   - OperationError: business-rule rejections with a machine-readable token
//   - NotFoundError / GoneError: missing or concurrently-deleted subjects
//   - ConfigError: deployment configuration problems
//
// Infrastructure failures (database, scheduler, email) are wrapped with
// fmt.Errorf("...: %w", err) and are not represented by a dedicated type.
package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Operation error tokens shared across the engine and the resource
// controllers. Controllers translate these to HTTP 409 responses.
const (
	TokenUnknownWorkflow               = "unknown-workflow"
	TokenUnknownOperation              = "unknown-operation"
	TokenDuplicateWorkflowName         = "duplicate-workflow-name"
	TokenDuplicateRequestName          = "duplicate-request-name"
	TokenInvalidEntryStep              = "invalid-entry-step"
	TokenInvalidExecuteStep            = "invalid-execute-step"
	TokenInvalidSlotOrder              = "invalid-slot-order"
	TokenInvalidTransition             = "invalid-transition"
	TokenInvalidSubject                = "invalid-subject"
	TokenCannotDeleteInUseWorkflow     = "cannot-delete-inuse-workflow"
	TokenCannotDeleteActiveWorkflow    = "cannot-delete-uncompleted-workflow"
	TokenCannotUpdateWithStatus        = "cannot-update-with-status"
	TokenMismatchFormLayoutSchema      = "mismatch-form-layout-schema"
	TokenMessageRequiredForStatus      = "message-required-for-status"
	TokenInvalidMessageAuthor          = "invalid-message-author"
)

// ValidationError represents caller input that failed validation.
// Field is a dotted path into the offending input ("steps.s0.operation").
type ValidationError struct {
	// Field identifies which input field failed validation.
	Field string

	// Message is the human-readable error description.
	Message string

	// Token is an optional machine-readable identifier for the failure.
	Token string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// StructuredError aggregates validation failures keyed by field path.
// Specification verification reports every violation at once rather than
// stopping at the first.
type StructuredError struct {
	// Errors maps field paths to the failure at that path.
	Errors map[string]error
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	paths := make([]string, 0, len(e.Errors))
	for path := range e.Errors {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	parts := make([]string, 0, len(paths))
	for _, path := range paths {
		parts = append(parts, fmt.Sprintf("%s: %s", path, e.Errors[path]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// OperationError represents a business-rule rejection. Token is one of the
// Token* constants and is surfaced verbatim to API callers.
type OperationError struct {
	// Token is the machine-readable rejection identifier.
	Token string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Token, e.Cause)
	}
	return e.Token
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// Operation creates an OperationError with the given token.
func Operation(token string) *OperationError {
	return &OperationError{Token: token}
}

// NotFoundError represents a resource that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "workflow", "run").
	Resource string

	// ID is the identifier that was not found.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// GoneError represents a subject that was deleted between fetch and mutate,
// or a remote process that no longer exists on the scheduler. Handlers
// invoked by scheduler callbacks treat it as a silent no-op.
type GoneError struct {
	// Resource is the type of resource (e.g. "process", "run").
	Resource string

	// ID is the identifier that is gone.
	ID string
}

// Error implements the error interface.
func (e *GoneError) Error() string {
	return fmt.Sprintf("%s gone: %s", e.Resource, e.ID)
}

// ConfigError represents a deployment configuration problem.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g. "database_url").
	Key string

	// Reason explains what is wrong with the configuration.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
