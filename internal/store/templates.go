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

	"github.com/google/uuid"

	"github.com/fluxhq/flux/internal/model"
)

// PutEmailTemplate stores template text deduplicated by content: if an
// identical template already exists its row is returned instead.
func (q *queries) PutEmailTemplate(ctx context.Context, template string) (*model.EmailTemplate, error) {
	var id string
	err := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT id FROM email_templates WHERE template = ?"), template).Scan(&id)
	if err == nil {
		return &model.EmailTemplate{ID: id, Template: template}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	t := &model.EmailTemplate{ID: uuid.NewString(), Template: template}
	if err := q.exec(ctx,
		"INSERT INTO email_templates (id, template) VALUES (?, ?)", t.ID, t.Template); err != nil {
		return nil, err
	}
	return t, nil
}

// GetEmailTemplate retrieves a template by id.
func (q *queries) GetEmailTemplate(ctx context.Context, id string) (*model.EmailTemplate, error) {
	var t model.EmailTemplate
	err := q.q.QueryRowContext(ctx, q.rebind(
		"SELECT id, template FROM email_templates WHERE id = ?"), id).Scan(&t.ID, &t.Template)
	if err == sql.ErrNoRows {
		return nil, notFound("email-template", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan email template: %w", err)
	}
	return &t, nil
}
