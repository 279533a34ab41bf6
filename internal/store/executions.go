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
	"database/sql"
	"fmt"

	"github.com/fluxhq/flux/internal/model"
)

const executionColumns = "id, run_id, execution_id, ancestor_id, step, name, status, outcome, started, ended, parameters"

// CreateExecution persists a new step execution.
func (q *queries) CreateExecution(ctx context.Context, e *model.Execution) error {
	params, err := marshal(e.Parameters)
	if err != nil {
		return err
	}

	return q.exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.ExecutionID, nullStringPtr(e.AncestorID), e.Step,
		nullString(e.Name), string(e.Status), nullString(e.Outcome),
		formatTime(e.Started), formatTime(e.Ended), params,
	)
}

// GetExecution retrieves an execution by id.
func (q *queries) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT "+executionColumns+" FROM executions WHERE id = ?"), id)
	return scanExecution(row, id)
}

// GetExecutionForUpdate retrieves an execution under its row lock.
func (q *queries) GetExecutionForUpdate(ctx context.Context, id string) (*model.Execution, error) {
	row := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT "+executionColumns+" FROM executions WHERE id = ?"+q.forUpdate()), id)
	return scanExecution(row, id)
}

// UpdateExecution rewrites an execution's mutable fields.
func (q *queries) UpdateExecution(ctx context.Context, e *model.Execution) error {
	params, err := marshal(e.Parameters)
	if err != nil {
		return err
	}

	return q.exec(ctx, `
		UPDATE executions
		SET status = ?, outcome = ?, started = ?, ended = ?, parameters = ?
		WHERE id = ?`,
		string(e.Status), nullString(e.Outcome),
		formatTime(e.Started), formatTime(e.Ended), params, e.ID,
	)
}

// ListExecutions returns a run's executions in serial order.
func (q *queries) ListExecutions(ctx context.Context, runID string) ([]*model.Execution, error) {
	return q.listExecutions(ctx,
		"SELECT "+executionColumns+" FROM executions WHERE run_id = ? ORDER BY execution_id",
		runID)
}

// ListActiveExecutions returns a run's executions still able to progress,
// in serial order.
func (q *queries) ListActiveExecutions(ctx context.Context, runID string) ([]*model.Execution, error) {
	query := "SELECT " + executionColumns + " FROM executions WHERE run_id = ?" +
		" AND status IN (" + placeholders(len(model.ActiveRunStatuses)) + ") ORDER BY execution_id"
	args := []any{runID}
	for _, s := range model.ActiveRunStatuses {
		args = append(args, string(s))
	}
	return q.listExecutions(ctx, query, args...)
}

func (q *queries) listExecutions(ctx context.Context, query string, args ...any) ([]*model.Execution, error) {
	rows, err := q.q.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows, "")
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func scanExecution(row scannable, id string) (*model.Execution, error) {
	var (
		e              model.Execution
		ancestor       sql.NullString
		name, status   sql.NullString
		outcome        sql.NullString
		started, ended sql.NullString
		params         sql.NullString
	)
	err := row.Scan(&e.ID, &e.RunID, &e.ExecutionID, &ancestor, &e.Step,
		&name, &status, &outcome, &started, &ended, &params)
	if err == sql.ErrNoRows {
		return nil, notFound("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	e.AncestorID = stringPtr(ancestor)
	e.Name = name.String
	e.Status = model.RunStatus(status.String)
	e.Outcome = outcome.String
	if err := unmarshal(params, &e.Parameters); err != nil {
		return nil, err
	}
	if e.Started, err = scanTime(started); err != nil {
		return nil, err
	}
	if e.Ended, err = scanTime(ended); err != nil {
		return nil, err
	}
	return &e, nil
}
