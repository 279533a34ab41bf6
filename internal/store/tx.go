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

// Tx is a unit of work: a database transaction plus the side effects that
// must only happen after it commits. Events and task enqueues are
// registered with AfterCommit and never executed inline.
type Tx struct {
	queries
	tx         sqlTx
	hooks      []func()
	savepoints int
	done       bool
}

// sqlTx is the subset of *sql.Tx the unit of work needs.
type sqlTx interface {
	querier
	Commit() error
	Rollback() error
}

// Begin opens a unit of work.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{queries: queries{q: tx, dialect: s.dialect}, tx: tx}, nil
}

// AfterCommit registers a hook invoked after a successful commit, in
// registration order. Hooks are dropped on rollback.
func (t *Tx) AfterCommit(hook func()) {
	t.hooks = append(t.hooks, hook)
}

// Commit commits the transaction and then runs the after-commit hooks.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.done = true
	for _, hook := range t.hooks {
		hook()
	}
	t.hooks = nil
	return nil
}

// Rollback aborts the transaction and discards the registered hooks. It is
// a no-op after Commit, so it is safe to defer.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.hooks = nil
	return t.tx.Rollback()
}

// Savepoint runs fn inside a savepoint. If fn returns an error the
// savepoint is rolled back, leaving earlier writes in the transaction
// intact, and the error is returned for the caller to act on. Hooks
// registered during fn are discarded with the savepoint so the side
// effects of rolled-back writes never fire.
func (t *Tx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)
	mark := len(t.hooks)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
		}
		t.hooks = t.hooks[:mark]
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}
