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

const operationColumns = "id, name, phase, description, schema, parameters, outcomes"

// PutOperation upserts an operation with its outcomes.
func (q *queries) PutOperation(ctx context.Context, op *model.Operation) error {
	fieldSchema, err := marshal(op.Schema)
	if err != nil {
		return err
	}
	params, err := marshal(op.Parameters)
	if err != nil {
		return err
	}
	outcomes, err := marshal(op.Outcomes)
	if err != nil {
		return err
	}

	return q.exec(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			phase = excluded.phase,
			description = excluded.description,
			schema = excluded.schema,
			parameters = excluded.parameters,
			outcomes = excluded.outcomes`,
		op.ID, op.Name, op.Phase, nullString(op.Description),
		fieldSchema, params, outcomes,
	)
}

// GetOperation retrieves an operation by its two-segment token.
func (q *queries) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	row := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT "+operationColumns+" FROM operations WHERE id = ?"), id)
	return scanOperation(row, id)
}

// ListOperations returns all registered operations ordered by token.
func (q *queries) ListOperations(ctx context.Context) ([]*model.Operation, error) {
	rows, err := q.q.QueryContext(ctx, q.rebind(
		"SELECT "+operationColumns+" FROM operations ORDER BY id"))
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var operations []*model.Operation
	for rows.Next() {
		op, err := scanOperation(rows, "")
		if err != nil {
			return nil, err
		}
		operations = append(operations, op)
	}
	return operations, rows.Err()
}

// DeleteOperation removes an operation.
func (q *queries) DeleteOperation(ctx context.Context, id string) error {
	return q.exec(ctx, "DELETE FROM operations WHERE id = ?", id)
}

func scanOperation(row scannable, id string) (*model.Operation, error) {
	var (
		op                            model.Operation
		description                   sql.NullString
		fieldSchema, params, outcomes sql.NullString
	)
	err := row.Scan(&op.ID, &op.Name, &op.Phase, &description, &fieldSchema, &params, &outcomes)
	if err == sql.ErrNoRows {
		return nil, notFound("operation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.Description = description.String
	if err := unmarshal(fieldSchema, &op.Schema); err != nil {
		return nil, err
	}
	if err := unmarshal(params, &op.Parameters); err != nil {
		return nil, err
	}
	if err := unmarshal(outcomes, &op.Outcomes); err != nil {
		return nil, err
	}
	return &op, nil
}
