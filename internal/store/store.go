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

// Package store is the persistence adapter. It supports PostgreSQL for
// deployments and SQLite for single-node use and tests. Row-level locking
// uses SELECT ... FOR UPDATE on PostgreSQL; on SQLite the single writer
// connection serializes transactions instead.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/fluxhq/flux/pkg/errors"
)

// Dialect selects the SQL backend.
type Dialect string

// Supported dialects.
const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Config contains store connection configuration.
type Config struct {
	// Dialect selects the backend.
	Dialect Dialect

	// DSN is the PostgreSQL connection URL or the SQLite file path.
	DSN string

	// MaxOpenConns bounds the PostgreSQL pool. SQLite always uses a
	// single connection.
	MaxOpenConns int
}

// Store is the persistence adapter.
type Store struct {
	db *sql.DB
	queries
}

// queries carries the entity methods shared by Store and Tx.
type queries struct {
	q       querier
	dialect Dialect
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the database, configures the pool and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Dialect {
	case DialectPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	case DialectSQLite:
		db, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite serializes writes, so only 1 connection.
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unknown store dialect %q", cfg.Dialect)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, queries: queries{q: db, dialect: cfg.Dialect}}

	if cfg.Dialect == DialectSQLite {
		if err := s.configurePragmas(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (q *queries) rebind(query string) string {
	if q.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row-lock suffix for the dialect. SQLite needs none
// since its single writer connection already serializes transactions.
func (q *queries) forUpdate() string {
	if q.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// exec runs a rebound statement.
func (q *queries) exec(ctx context.Context, query string, args ...any) error {
	if _, err := q.q.ExecContext(ctx, q.rebind(query), args...); err != nil {
		return fmt.Errorf("statement failed: %w", err)
	}
	return nil
}

// exists reports whether the rebound query returns at least one row.
func (q *queries) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := q.q.QueryRowContext(ctx, q.rebind(query), args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query failed: %w", err)
	}
	return true, nil
}

func notFound(resource, id string) error {
	return &errors.NotFoundError{Resource: resource, ID: id}
}

// Timestamps are stored as RFC 3339 text in both dialects so the scan path
// is identical.
const timeLayout = time.RFC3339Nano

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func scanTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp %q: %w", ns.String, err)
	}
	return &t, nil
}

func marshal(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(out), nil
}

func unmarshal(ns sql.NullString, target any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), target); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
