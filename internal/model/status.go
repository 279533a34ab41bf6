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

package model

// RunStatus is the lifecycle state of a run or a step execution.
type RunStatus string

// Run statuses. Executions share the same enumeration.
const (
	RunPending     RunStatus = "pending"
	RunPrepared    RunStatus = "prepared"
	RunActive      RunStatus = "active"
	RunWaiting     RunStatus = "waiting"
	RunSuspended   RunStatus = "suspended"
	RunAborting    RunStatus = "aborting"
	RunAborted     RunStatus = "aborted"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunTimedOut    RunStatus = "timedout"
	RunInvalidated RunStatus = "invalidated"
)

// ActiveRunStatuses are the statuses a run or execution can still progress
// from. Prepared runs are dormant: neither active nor terminal.
var ActiveRunStatuses = []RunStatus{RunPending, RunActive, RunWaiting, RunSuspended, RunAborting}

// TerminalRunStatuses are reached exactly once and never left.
var TerminalRunStatuses = []RunStatus{RunAborted, RunCompleted, RunFailed, RunTimedOut, RunInvalidated}

// Active reports whether the status is one a run can still progress from.
func (s RunStatus) Active() bool {
	switch s {
	case RunPending, RunActive, RunWaiting, RunSuspended, RunAborting:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunAborted, RunCompleted, RunFailed, RunTimedOut, RunInvalidated:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of a human request.
type RequestStatus string

// Request statuses.
const (
	RequestPrepared  RequestStatus = "prepared"
	RequestPending   RequestStatus = "pending"
	RequestClaimed   RequestStatus = "claimed"
	RequestCompleted RequestStatus = "completed"
	RequestCanceled  RequestStatus = "canceled"
	RequestDeclined  RequestStatus = "declined"
	RequestFailed    RequestStatus = "failed"
	RequestReopened  RequestStatus = "reopened"
	RequestDone      RequestStatus = "done"
)

// Terminal reports whether the request status is immutable.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestCanceled, RequestCompleted, RequestDeclined:
		return true
	}
	return false
}

// ProcessStatus is the status reported by a scheduler process callback.
type ProcessStatus string

// Process callback statuses.
const (
	ProcessExecuting ProcessStatus = "executing"
	ProcessAborted   ProcessStatus = "aborted"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessTimedOut  ProcessStatus = "timedout"
)

// Operation phases.
const (
	PhasePreoperation  = "preoperation"
	PhaseOperation     = "operation"
	PhasePostoperation = "postoperation"
	PhasePrerun        = "prerun"
	PhasePostrun       = "postrun"
)

// Outcome kinds.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
