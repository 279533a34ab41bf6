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
	"github.com/fluxhq/flux/pkg/errors"
)

const runColumns = "id, workflow_id, name, status, parameters, notify, started, ended"

// CreateRun persists a new run. A duplicate name is a validation error.
func (q *queries) CreateRun(ctx context.Context, r *model.Run) error {
	taken, err := q.exists(ctx, "SELECT 1 FROM runs WHERE name = ?", r.Name)
	if err != nil {
		return err
	}
	if taken {
		return &errors.ValidationError{Field: "name", Message: "duplicate run name"}
	}

	params, err := marshal(r.Parameters)
	if err != nil {
		return err
	}
	notify, err := marshal(r.Notify)
	if err != nil {
		return err
	}

	return q.exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.Name, string(r.Status), params, notify,
		formatTime(r.Started), formatTime(r.Ended),
	)
}

// GetRun retrieves a run by id.
func (q *queries) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT "+runColumns+" FROM runs WHERE id = ?"), id)
	return scanRun(row, id)
}

// GetRunForUpdate retrieves a run under its row lock. All run mutations go
// through this lock so state transitions for one run are serialized.
func (q *queries) GetRunForUpdate(ctx context.Context, id string) (*model.Run, error) {
	row := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT "+runColumns+" FROM runs WHERE id = ?"+q.forUpdate()), id)
	return scanRun(row, id)
}

// UpdateRun rewrites a run's mutable fields.
func (q *queries) UpdateRun(ctx context.Context, r *model.Run) error {
	params, err := marshal(r.Parameters)
	if err != nil {
		return err
	}

	return q.exec(ctx, `
		UPDATE runs SET status = ?, parameters = ?, started = ?, ended = ?
		WHERE id = ?`,
		string(r.Status), params, formatTime(r.Started), formatTime(r.Ended), r.ID,
	)
}

// DeleteRun removes the run and its owned executions and products.
func (q *queries) DeleteRun(ctx context.Context, id string) error {
	if err := q.exec(ctx, "DELETE FROM executions WHERE run_id = ?", id); err != nil {
		return err
	}
	if err := q.exec(ctx, "DELETE FROM products WHERE run_id = ?", id); err != nil {
		return err
	}
	return q.exec(ctx, "DELETE FROM runs WHERE id = ?", id)
}

// RunFilter narrows QueryRuns.
type RunFilter struct {
	WorkflowID string
	Statuses   []model.RunStatus
}

// QueryRuns lists runs matching the filter, ordered by name.
func (q *queries) QueryRuns(ctx context.Context, filter RunFilter) ([]*model.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE 1=1"
	var args []any
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	query += " ORDER BY name"

	rows, err := q.q.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// NextExecutionID allocates the next execution serial for a run. Callers
// must hold the run's row lock so allocation is monotonic and gap-free.
func (q *queries) NextExecutionID(ctx context.Context, runID string) (int, error) {
	var count int
	err := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT COUNT(*) FROM executions WHERE run_id = ?"), runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	return count + 1, nil
}

// AssociateProduct upserts a token-keyed product on a run.
func (q *queries) AssociateProduct(ctx context.Context, p *model.Product) error {
	return q.exec(ctx, `
		INSERT INTO products (run_id, token, title, surrogate)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, token)
		DO UPDATE SET title = excluded.title, surrogate = excluded.surrogate`,
		p.RunID, p.Token, nullString(p.Title), p.Surrogate,
	)
}

// ListProducts returns a run's products ordered by token.
func (q *queries) ListProducts(ctx context.Context, runID string) ([]*model.Product, error) {
	rows, err := q.q.QueryContext(ctx, q.rebind(
		"SELECT run_id, token, title, surrogate FROM products WHERE run_id = ? ORDER BY token"), runID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var products []*model.Product
	for rows.Next() {
		var (
			p     model.Product
			title sql.NullString
		)
		if err := rows.Scan(&p.RunID, &p.Token, &title, &p.Surrogate); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		p.Title = title.String
		products = append(products, &p)
	}
	return products, rows.Err()
}

func scanRun(row scannable, id string) (*model.Run, error) {
	var (
		r              model.Run
		status         string
		params, notify sql.NullString
		started, ended sql.NullString
	)
	err := row.Scan(&r.ID, &r.WorkflowID, &r.Name, &status, &params, &notify, &started, &ended)
	if err == sql.ErrNoRows {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	r.Status = model.RunStatus(status)
	if err := unmarshal(params, &r.Parameters); err != nil {
		return nil, err
	}
	if err := unmarshal(notify, &r.Notify); err != nil {
		return nil, err
	}
	if r.Started, err = scanTime(started); err != nil {
		return nil, err
	}
	if r.Ended, err = scanTime(ended); err != nil {
		return nil, err
	}
	return &r, nil
}
