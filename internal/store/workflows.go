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
	"time"

	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/pkg/errors"
)

const workflowColumns = "id, name, designation, is_service, type, specification, modified"

// CreateWorkflow persists a new workflow. A duplicate name is rejected
// with the duplicate-workflow-name token.
func (q *queries) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	taken, err := q.exists(ctx, "SELECT 1 FROM workflows WHERE name = ?", w.Name)
	if err != nil {
		return err
	}
	if taken {
		return errors.Operation(errors.TokenDuplicateWorkflowName)
	}

	return q.exec(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, nullStringPtr(w.Designation), boolInt(w.IsService),
		w.Type, nullString(w.Specification), w.Modified.UTC().Format(timeLayout),
	)
}

// GetWorkflow retrieves a workflow by id.
func (q *queries) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	row := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT "+workflowColumns+" FROM workflows WHERE id = ?"), id)
	return scanWorkflow(row, id)
}

// UpdateWorkflow rewrites a workflow's mutable fields and bumps Modified.
func (q *queries) UpdateWorkflow(ctx context.Context, w *model.Workflow) error {
	w.Modified = time.Now().UTC()
	return q.exec(ctx, `
		UPDATE workflows
		SET name = ?, designation = ?, is_service = ?, type = ?, specification = ?, modified = ?
		WHERE id = ?`,
		w.Name, nullStringPtr(w.Designation), boolInt(w.IsService),
		w.Type, nullString(w.Specification), w.Modified.Format(timeLayout), w.ID,
	)
}

// DeleteWorkflow removes the workflow row. Run retention policy is the
// caller's concern.
func (q *queries) DeleteWorkflow(ctx context.Context, id string) error {
	return q.exec(ctx, "DELETE FROM workflows WHERE id = ?", id)
}

// WorkflowFilter narrows QueryWorkflows.
type WorkflowFilter struct {
	Name      string
	IsService *bool
}

// QueryWorkflows lists workflows matching the filter, ordered by name.
func (q *queries) QueryWorkflows(ctx context.Context, filter WorkflowFilter) ([]*model.Workflow, error) {
	query := "SELECT " + workflowColumns + " FROM workflows WHERE 1=1"
	var args []any
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}
	if filter.IsService != nil {
		query += " AND is_service = ?"
		args = append(args, boolInt(*filter.IsService))
	}
	query += " ORDER BY name"

	rows, err := q.q.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var workflows []*model.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows, "")
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// CountRuns counts the workflow's runs, optionally restricted to a status
// set. Used by the delete policy.
func (q *queries) CountRuns(ctx context.Context, workflowID string, statuses []model.RunStatus) (int, error) {
	query := "SELECT COUNT(*) FROM runs WHERE workflow_id = ?"
	args := []any{workflowID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}

	var count int
	if err := q.q.QueryRowContext(ctx, q.rebind(query), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	return count, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scannable, id string) (*model.Workflow, error) {
	var (
		w             model.Workflow
		designation   sql.NullString
		isService     int
		specification sql.NullString
		modified      string
	)
	err := row.Scan(&w.ID, &w.Name, &designation, &isService, &w.Type, &specification, &modified)
	if err == sql.ErrNoRows {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	w.Designation = stringPtr(designation)
	w.IsService = isService != 0
	w.Specification = specification.String

	t, err := time.Parse(timeLayout, modified)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp %q: %w", modified, err)
	}
	w.Modified = t
	return &w, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
