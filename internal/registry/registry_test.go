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

package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/scheduler"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

type fakeScheduler struct {
	processes []scheduler.Process
	queues    []scheduler.Queue
}

func (f *fakeScheduler) CreateProcess(_ context.Context, p scheduler.Process) error {
	f.processes = append(f.processes, p)
	return nil
}

func (f *fakeScheduler) PutQueue(_ context.Context, q scheduler.Queue) error {
	f.queues = append(f.queues, q)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeScheduler, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Dialect: store.DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "flux.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sched := &fakeScheduler{}
	return New(s, sched, "http://flux.local", slog.New(slog.DiscardHandler)), sched, s
}

func TestRegister(t *testing.T) {
	r, sched, s := newTestRegistry(t)
	ctx := context.Background()

	op := &model.Operation{
		ID:    "build:compile",
		Name:  "compile",
		Phase: model.PhaseOperation,
		Outcomes: map[string]*model.Outcome{
			"completed": {Name: "completed", Outcome: model.OutcomeSuccess},
		},
	}
	require.NoError(t, r.Register(ctx, op))

	// Persisted and published.
	got, err := s.GetOperation(ctx, "build:compile")
	require.NoError(t, err)
	assert.Equal(t, "compile", got.Name)

	require.Len(t, sched.queues, 1)
	assert.Equal(t, "flux-operation:build:compile", sched.queues[0].ID)
	assert.Equal(t, "http://flux.local/v1/operations/build:compile/process", sched.queues[0].Endpoint)
}

func TestRegister_RequiresOutcomes(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.Register(context.Background(), &model.Operation{ID: "a:b", Name: "b"})
	assert.True(t, errors.IsValidation(err))
}

func TestInitiate(t *testing.T) {
	r, sched, _ := newTestRegistry(t)

	op := TestOperation()
	err := r.Initiate(context.Background(), op, "s0", "exec-1", map[string]any{"k": "v"}, 300)
	require.NoError(t, err)

	require.Len(t, sched.processes, 1)
	p := sched.processes[0]
	assert.Equal(t, op.QueueID(), p.QueueID)
	assert.Equal(t, "exec-1", p.ID)
	assert.Equal(t, "s0", p.Tag)
	assert.Equal(t, 300, p.Timeout)
}

func TestBootstrap(t *testing.T) {
	r, sched, s := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, s.PutOperation(ctx, &model.Operation{
		ID: "deploy:push", Name: "push", Phase: model.PhaseOperation,
		Outcomes: map[string]*model.Outcome{"completed": {Name: "completed", Outcome: model.OutcomeSuccess}},
	}))

	require.NoError(t, r.Bootstrap(ctx))

	// The built-in test operation is registered and every stored
	// operation's queue is re-published.
	_, err := s.GetOperation(ctx, "flux:test-operation")
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, q := range sched.queues {
		ids[q.ID] = true
	}
	assert.True(t, ids["flux-operation:flux:test-operation"])
	assert.True(t, ids["flux-operation:deploy:push"])
}
