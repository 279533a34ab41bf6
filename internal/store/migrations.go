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
	"fmt"
)

// migrate runs database migrations. The DDL is restricted to types both
// dialects accept: timestamps are RFC 3339 TEXT, booleans are INTEGER 0/1,
// structured payloads are JSON TEXT.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			designation TEXT UNIQUE,
			is_service INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			specification TEXT,
			modified TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			parameters TEXT,
			notify TEXT,
			started TEXT,
			ended TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			execution_id INTEGER NOT NULL,
			ancestor_id TEXT,
			step TEXT NOT NULL,
			name TEXT,
			status TEXT NOT NULL,
			outcome TEXT,
			started TEXT,
			ended TEXT,
			parameters TEXT,
			UNIQUE(run_id, execution_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_run_id ON executions(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(run_id, status)`,
		`CREATE TABLE IF NOT EXISTS products (
			run_id TEXT NOT NULL,
			token TEXT NOT NULL,
			title TEXT,
			surrogate TEXT NOT NULL,
			PRIMARY KEY (run_id, token)
		)`,
		`CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phase TEXT NOT NULL,
			description TEXT,
			schema TEXT,
			parameters TEXT,
			outcomes TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			originator TEXT NOT NULL,
			assignee TEXT NOT NULL,
			creator TEXT,
			template_id TEXT,
			slot_order TEXT,
			claimed TEXT,
			completed TEXT,
			slots TEXT,
			products TEXT,
			attachments TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_assignee ON requests(assignee)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			author TEXT NOT NULL,
			occurrence TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_request_id ON messages(request_id)`,
		`CREATE TABLE IF NOT EXISTS email_templates (
			id TEXT PRIMARY KEY,
			template TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
