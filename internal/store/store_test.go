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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Dialect: DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "flux.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &model.Workflow{
		ID:            uuid.NewString(),
		Name:          "provision",
		Type:          model.WorkflowTypeYAML,
		Specification: "name: provision\nentry: s0\nsteps:\n  s0:\n    operation: a:b\n",
		Modified:      time.Now().UTC(),
	}
	require.NoError(t, s.CreateWorkflow(ctx, w))

	t.Run("duplicate name is rejected", func(t *testing.T) {
		err := s.CreateWorkflow(ctx, &model.Workflow{
			ID: uuid.NewString(), Name: "provision", Type: model.WorkflowTypeYAML, Modified: time.Now(),
		})
		token, ok := errors.IsOperation(err)
		require.True(t, ok)
		assert.Equal(t, errors.TokenDuplicateWorkflowName, token)
	})

	t.Run("get round trip", func(t *testing.T) {
		got, err := s.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, w.Name, got.Name)
		assert.Equal(t, w.Specification, got.Specification)
		assert.Nil(t, got.Designation)
	})

	t.Run("update bumps modified", func(t *testing.T) {
		before, err := s.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)

		before.Specification += "# touched\n"
		require.NoError(t, s.UpdateWorkflow(ctx, before))

		after, err := s.GetWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.True(t, !after.Modified.Before(before.Modified))
		assert.Contains(t, after.Specification, "touched")
	})

	t.Run("missing workflow is not found", func(t *testing.T) {
		_, err := s.GetWorkflow(ctx, "absent")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteWorkflow(ctx, w.ID))
		_, err := s.GetWorkflow(ctx, w.ID)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &model.Run{
		ID:         uuid.NewString(),
		WorkflowID: uuid.NewString(),
		Name:       "nightly-1",
		Status:     model.RunPending,
		Parameters: map[string]any{"target": "staging"},
	}
	require.NoError(t, s.CreateRun(ctx, run))

	t.Run("duplicate run name is a validation error", func(t *testing.T) {
		err := s.CreateRun(ctx, &model.Run{
			ID: uuid.NewString(), WorkflowID: run.WorkflowID, Name: "nightly-1", Status: model.RunPending,
		})
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("status transition round trip", func(t *testing.T) {
		got, err := s.GetRunForUpdate(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunPending, got.Status)

		now := time.Now().UTC()
		got.Status = model.RunActive
		got.Started = &now
		require.NoError(t, s.UpdateRun(ctx, got))

		again, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunActive, again.Status)
		require.NotNil(t, again.Started)
		assert.WithinDuration(t, now, *again.Started, time.Second)
	})

	t.Run("execution serials are monotonic and gap-free", func(t *testing.T) {
		for want := 1; want <= 3; want++ {
			serial, err := s.NextExecutionID(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, want, serial)

			require.NoError(t, s.CreateExecution(ctx, &model.Execution{
				ID:          uuid.NewString(),
				RunID:       run.ID,
				ExecutionID: serial,
				Step:        "s0",
				Status:      model.RunActive,
			}))
		}
	})

	t.Run("active execution listing", func(t *testing.T) {
		executions, err := s.ListExecutions(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, executions, 3)

		first := executions[0]
		first.Status = model.RunCompleted
		first.Outcome = "completed"
		require.NoError(t, s.UpdateExecution(ctx, first))

		active, err := s.ListActiveExecutions(ctx, run.ID)
		require.NoError(t, err)
		assert.Len(t, active, 2)
	})

	t.Run("products upsert by token", func(t *testing.T) {
		p := &model.Product{RunID: run.ID, Token: "report", Surrogate: "doc-1"}
		require.NoError(t, s.AssociateProduct(ctx, p))

		p.Surrogate = "doc-2"
		require.NoError(t, s.AssociateProduct(ctx, p))

		products, err := s.ListProducts(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, products, 1)
		assert.Equal(t, "doc-2", products[0].Surrogate)
	})

	t.Run("query by workflow and status", func(t *testing.T) {
		runs, err := s.QueryRuns(ctx, RunFilter{
			WorkflowID: run.WorkflowID,
			Statuses:   []model.RunStatus{model.RunActive},
		})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, run.ID, runs[0].ID)
	})

	t.Run("delete cascades to executions and products", func(t *testing.T) {
		require.NoError(t, s.DeleteRun(ctx, run.ID))

		_, err := s.GetRun(ctx, run.ID)
		assert.True(t, errors.IsNotFound(err))

		executions, err := s.ListExecutions(ctx, run.ID)
		require.NoError(t, err)
		assert.Empty(t, executions)
	})
}

func TestOperationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := &model.Operation{
		ID:    "build:compile",
		Name:  "compile",
		Phase: model.PhaseOperation,
		Outcomes: map[string]*model.Outcome{
			"completed": {Name: "completed", Outcome: model.OutcomeSuccess},
			"failed":    {Name: "failed", Outcome: model.OutcomeFailure},
		},
	}
	require.NoError(t, s.PutOperation(ctx, op))

	got, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.Outcomes, got.Outcomes)

	// Put is an upsert.
	op.Description = "compiles the artifact"
	require.NoError(t, s.PutOperation(ctx, op))

	got, err = s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, "compiles the artifact", got.Description)

	all, err := s.ListOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRequestAndMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &model.Request{
		ID:         uuid.NewString(),
		Name:       "approve-release",
		Status:     model.RequestPending,
		Originator: "subject-o",
		Assignee:   "subject-a",
		SlotOrder:  []string{"reason", "ticket"},
		Slots: map[string]model.RequestSlot{
			"reason": {Title: "Reason", SlotType: "textarea"},
			"ticket": {Title: "Ticket", SlotType: "issue"},
		},
	}
	require.NoError(t, s.CreateRequest(ctx, r))

	t.Run("duplicate request name is rejected", func(t *testing.T) {
		err := s.CreateRequest(ctx, &model.Request{
			ID: uuid.NewString(), Name: "approve-release", Status: model.RequestPending,
			Originator: "o", Assignee: "a",
		})
		token, ok := errors.IsOperation(err)
		require.True(t, ok)
		assert.Equal(t, errors.TokenDuplicateRequestName, token)
	})

	t.Run("round trip preserves slots", func(t *testing.T) {
		got, err := s.GetRequestForUpdate(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.Slots, got.Slots)
		assert.Equal(t, r.SlotOrder, got.SlotOrder)
	})

	t.Run("message log order", func(t *testing.T) {
		base := time.Now().UTC()
		for i, text := range []string{"first", "second"} {
			require.NoError(t, s.CreateMessage(ctx, &model.Message{
				ID:         uuid.NewString(),
				RequestID:  r.ID,
				Author:     "subject-a",
				Occurrence: base.Add(time.Duration(i) * time.Second),
				Message:    text,
			}))
		}

		messages, err := s.ListMessages(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "first", messages[0].Message)
		assert.Equal(t, "second", messages[1].Message)
	})
}

func TestEmailTemplateDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.PutEmailTemplate(ctx, "Hello ${assignee.name}")
	require.NoError(t, err)

	second, err := s.PutEmailTemplate(ctx, "Hello ${assignee.name}")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	third, err := s.PutEmailTemplate(ctx, "Goodbye ${assignee.name}")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestTxAfterCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("hooks run after commit in order", func(t *testing.T) {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)

		var order []string
		tx.AfterCommit(func() { order = append(order, "a") })
		tx.AfterCommit(func() { order = append(order, "b") })
		assert.Empty(t, order)

		require.NoError(t, tx.Commit())
		assert.Equal(t, []string{"a", "b"}, order)
	})

	t.Run("hooks are dropped on rollback", func(t *testing.T) {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)

		fired := false
		tx.AfterCommit(func() { fired = true })
		require.NoError(t, tx.Rollback())
		assert.False(t, fired)
	})

	t.Run("rollback after commit is a no-op", func(t *testing.T) {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		require.NoError(t, tx.Rollback())
	})
}

func TestTxSavepoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	run := &model.Run{
		ID: uuid.NewString(), WorkflowID: "w", Name: "savepointed", Status: model.RunPending,
	}
	require.NoError(t, tx.CreateRun(ctx, run))

	// A failed savepoint discards its own writes but keeps earlier ones.
	failure := assert.AnError
	err = tx.Savepoint(ctx, func() error {
		if err := tx.CreateExecution(ctx, &model.Execution{
			ID: uuid.NewString(), RunID: run.ID, ExecutionID: 1, Step: "s0", Status: model.RunActive,
		}); err != nil {
			return err
		}
		return failure
	})
	assert.Equal(t, failure, err)

	require.NoError(t, tx.Commit())

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, got.Status)

	executions, err := s.ListExecutions(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, executions)
}

func TestTxSavepointHookDiscard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	var fired []string
	tx.AfterCommit(func() { fired = append(fired, "before") })

	// Hooks registered inside a failed savepoint are discarded with it.
	err = tx.Savepoint(ctx, func() error {
		tx.AfterCommit(func() { fired = append(fired, "rolled-back") })
		return assert.AnError
	})
	assert.Equal(t, assert.AnError, err)

	// Hooks registered inside a released savepoint survive.
	require.NoError(t, tx.Savepoint(ctx, func() error {
		tx.AfterCommit(func() { fired = append(fired, "released") })
		return nil
	}))

	require.NoError(t, tx.Commit())
	assert.Equal(t, []string{"before", "released"}, fired)
}
