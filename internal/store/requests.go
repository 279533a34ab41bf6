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

const requestColumns = "id, name, status, originator, assignee, creator, template_id, slot_order, claimed, completed, slots, products, attachments"

// CreateRequest persists a new request. A duplicate name is rejected with
// the duplicate-request-name token.
func (q *queries) CreateRequest(ctx context.Context, r *model.Request) error {
	taken, err := q.exists(ctx, "SELECT 1 FROM requests WHERE name = ?", r.Name)
	if err != nil {
		return err
	}
	if taken {
		return errors.Operation(errors.TokenDuplicateRequestName)
	}

	slotOrder, err := marshal(r.SlotOrder)
	if err != nil {
		return err
	}
	slots, err := marshal(r.Slots)
	if err != nil {
		return err
	}
	products, err := marshal(r.Products)
	if err != nil {
		return err
	}
	attachments, err := marshal(r.Attachments)
	if err != nil {
		return err
	}

	return q.exec(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, string(r.Status), r.Originator, r.Assignee,
		nullString(r.Creator), nullStringPtr(r.TemplateID), slotOrder,
		formatTime(r.Claimed), formatTime(r.Completed),
		slots, products, attachments,
	)
}

// GetRequest retrieves a request by id.
func (q *queries) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	row := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT "+requestColumns+" FROM requests WHERE id = ?"), id)
	return scanRequest(row, id)
}

// GetRequestForUpdate retrieves a request under its row lock.
func (q *queries) GetRequestForUpdate(ctx context.Context, id string) (*model.Request, error) {
	row := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT "+requestColumns+" FROM requests WHERE id = ?"+q.forUpdate()), id)
	return scanRequest(row, id)
}

// UpdateRequest rewrites a request's mutable fields.
func (q *queries) UpdateRequest(ctx context.Context, r *model.Request) error {
	slotOrder, err := marshal(r.SlotOrder)
	if err != nil {
		return err
	}
	slots, err := marshal(r.Slots)
	if err != nil {
		return err
	}
	products, err := marshal(r.Products)
	if err != nil {
		return err
	}
	attachments, err := marshal(r.Attachments)
	if err != nil {
		return err
	}

	return q.exec(ctx, `
		UPDATE requests
		SET status = ?, assignee = ?, template_id = ?, slot_order = ?,
			claimed = ?, completed = ?, slots = ?, products = ?, attachments = ?
		WHERE id = ?`,
		string(r.Status), r.Assignee, nullStringPtr(r.TemplateID), slotOrder,
		formatTime(r.Claimed), formatTime(r.Completed),
		slots, products, attachments, r.ID,
	)
}

// DeleteRequest removes the request and its message log.
func (q *queries) DeleteRequest(ctx context.Context, id string) error {
	if err := q.exec(ctx, "DELETE FROM messages WHERE request_id = ?", id); err != nil {
		return err
	}
	return q.exec(ctx, "DELETE FROM requests WHERE id = ?", id)
}

// RequestFilter narrows QueryRequests.
type RequestFilter struct {
	Statuses []model.RequestStatus
	Assignee string
}

// QueryRequests lists requests matching the filter, ordered by name.
func (q *queries) QueryRequests(ctx context.Context, filter RequestFilter) ([]*model.Request, error) {
	query := "SELECT " + requestColumns + " FROM requests WHERE 1=1"
	var args []any
	if len(filter.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	if filter.Assignee != "" {
		query += " AND assignee = ?"
		args = append(args, filter.Assignee)
	}
	query += " ORDER BY name"

	rows, err := q.q.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var requests []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows, "")
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// CreateMessage appends a message to a request's log.
func (q *queries) CreateMessage(ctx context.Context, m *model.Message) error {
	return q.exec(ctx, `
		INSERT INTO messages (id, request_id, author, occurrence, message)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.RequestID, m.Author, m.Occurrence.UTC().Format(timeLayout), m.Message,
	)
}

// GetMessage retrieves a message by id.
func (q *queries) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT id, request_id, author, occurrence, message FROM messages WHERE id = ?"), id)
	return scanMessage(row, id)
}

// ListMessages returns a request's message log in occurrence order.
func (q *queries) ListMessages(ctx context.Context, requestID string) ([]*model.Message, error) {
	rows, err := q.q.QueryContext(ctx, q.rebind(
		"SELECT id, request_id, author, occurrence, message FROM messages WHERE request_id = ? ORDER BY occurrence"), requestID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows, "")
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanRequest(row scannable, id string) (*model.Request, error) {
	var (
		r                  model.Request
		status             string
		creator, template  sql.NullString
		slotOrder          sql.NullString
		claimed, completed sql.NullString
		slots, products    sql.NullString
		attachments        sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &status, &r.Originator, &r.Assignee,
		&creator, &template, &slotOrder, &claimed, &completed,
		&slots, &products, &attachments)
	if err == sql.ErrNoRows {
		return nil, notFound("request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan request: %w", err)
	}

	r.Status = model.RequestStatus(status)
	r.Creator = creator.String
	r.TemplateID = stringPtr(template)
	if err := unmarshal(slotOrder, &r.SlotOrder); err != nil {
		return nil, err
	}
	if err := unmarshal(slots, &r.Slots); err != nil {
		return nil, err
	}
	if err := unmarshal(products, &r.Products); err != nil {
		return nil, err
	}
	if err := unmarshal(attachments, &r.Attachments); err != nil {
		return nil, err
	}
	if r.Claimed, err = scanTime(claimed); err != nil {
		return nil, err
	}
	if r.Completed, err = scanTime(completed); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanMessage(row scannable, id string) (*model.Message, error) {
	var (
		m          model.Message
		occurrence string
	)
	err := row.Scan(&m.ID, &m.RequestID, &m.Author, &occurrence, &m.Message)
	if err == sql.ErrNoRows {
		return nil, notFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	t, parseErr := scanTime(sql.NullString{String: occurrence, Valid: true})
	if parseErr != nil {
		return nil, parseErr
	}
	m.Occurrence = *t
	return &m, nil
}
