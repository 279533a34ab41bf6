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

package coordinator

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/internal/cache"
	"github.com/fluxhq/flux/internal/engine"
	"github.com/fluxhq/flux/internal/mail"
	"github.com/fluxhq/flux/internal/metrics"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/request"
	"github.com/fluxhq/flux/internal/scheduler"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

type fakeRegistry struct {
	initiations int
}

func (f *fakeRegistry) Initiate(_ context.Context, _ *model.Operation, _, _ string, _ map[string]any, _ int) error {
	f.initiations++
	return nil
}

type fakeScheduler struct {
	updates       []string
	tasks         []string
	events        []string
	subscriptions []string
}

func (f *fakeScheduler) UpdateProcess(_ context.Context, id, status string) error {
	f.updates = append(f.updates, id+":"+status)
	return nil
}

func (f *fakeScheduler) QueueHTTPTask(_ context.Context, name string, _ scheduler.HTTPTask) error {
	f.tasks = append(f.tasks, name)
	return nil
}

func (f *fakeScheduler) SubscribeHTTPTask(_ context.Context, name string, _ scheduler.HTTPTask, topic string, _ map[string]any) error {
	f.subscriptions = append(f.subscriptions, name+":"+topic)
	return nil
}

func (f *fakeScheduler) CreateEvent(_ context.Context, topic string, _ map[string]any) {
	f.events = append(f.events, topic)
}

type fakeDirectory struct {
	subjects map[string]*model.Subject
}

func (d *fakeDirectory) GetSubject(_ context.Context, id string) (*model.Subject, error) {
	subject, ok := d.subjects[id]
	if !ok {
		return nil, errors.Operation(errors.TokenInvalidSubject)
	}
	return subject, nil
}

type fakeMailer struct {
	messages []mail.Message
}

func (m *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	m.messages = append(m.messages, msg)
	return nil
}

type fixture struct {
	t           *testing.T
	store       *store.Store
	coordinator *Coordinator
	registry    *fakeRegistry
	sched       *fakeScheduler
	mailer      *fakeMailer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Dialect: store.DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "flux.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.DiscardHandler)
	registry := &fakeRegistry{}
	sched := &fakeScheduler{}
	directory := &fakeDirectory{subjects: map[string]*model.Subject{
		"alice": {ID: "alice", Name: "Alice", Email: "alice@example.com"},
	}}
	mailer := &fakeMailer{}

	eng := engine.New(cache.New(), registry, sched, "http://flux.local",
		logger, metrics.New(prometheus.NewRegistry()))
	requests := request.New(directory, mailer, sched, "http://flux.local", logger)

	return &fixture{
		t:           t,
		store:       s,
		coordinator: New(s, eng, requests, directory, mailer, logger),
		registry:    registry,
		sched:       sched,
		mailer:      mailer,
	}
}

func (f *fixture) createWorkflow(specification string) *model.Workflow {
	f.t.Helper()
	w := &model.Workflow{
		ID:            uuid.NewString(),
		Name:          uuid.NewString(),
		Type:          model.WorkflowTypeYAML,
		Specification: specification,
		Modified:      time.Now().UTC(),
	}
	require.NoError(f.t, f.store.CreateWorkflow(context.Background(), w))
	return w
}

func (f *fixture) createRun(workflowID string, notify []string) *model.Run {
	f.t.Helper()
	r := &model.Run{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Name:       uuid.NewString(),
		Status:     model.RunPending,
		Notify:     notify,
	}
	require.NoError(f.t, f.store.CreateRun(context.Background(), r))
	return r
}

func (f *fixture) putTestOperation() {
	f.t.Helper()
	require.NoError(f.t, f.store.PutOperation(context.Background(), &model.Operation{
		ID:    "flux:test-operation",
		Name:  "test operation",
		Phase: model.PhaseOperation,
		Outcomes: map[string]*model.Outcome{
			"completed": {Name: "completed", Outcome: model.OutcomeSuccess},
			"failed":    {Name: "failed", Outcome: model.OutcomeFailure},
		},
	}))
}

func (f *fixture) getRun(id string) *model.Run {
	f.t.Helper()
	run, err := f.store.GetRun(context.Background(), id)
	require.NoError(f.t, err)
	return run
}

const singleStep = `
name: single
entry: s0
steps:
  s0:
    operation: flux:test-operation
`

func TestRunTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	f.putTestOperation()

	w := f.createWorkflow(singleStep)
	run := f.createRun(w.ID, nil)

	require.NoError(t, f.coordinator.HandleRunTask(context.Background(), engine.TaskInitiateRun, run.ID))
	assert.Equal(t, model.RunActive, f.getRun(run.ID).Status)
	assert.Equal(t, 1, f.registry.initiations)

	executions, err := f.store.ListExecutions(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, executions, 1)

	err = f.coordinator.HandleProcessCallback(context.Background(), executions[0].ID,
		model.ProcessCompleted, &engine.Output{Status: engine.OutputValid, Outcome: "completed"})
	require.NoError(t, err)

	assert.Equal(t, model.RunCompleted, f.getRun(run.ID).Status)
	assert.Contains(t, f.sched.events, engine.TopicRunEnded)
}

func TestUnknownSubjectsAreNoOps(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coordinator.HandleRunTask(context.Background(), engine.TaskInitiateRun, uuid.NewString()))
	require.NoError(t, f.coordinator.HandleProcessCallback(context.Background(), uuid.NewString(),
		model.ProcessCompleted, &engine.Output{Status: engine.OutputValid}))
	require.NoError(t, f.coordinator.HandleRequestTask(context.Background(), request.TaskInitiateRequest, uuid.NewString()))
}

func TestUnknownTaskIsRejected(t *testing.T) {
	f := newFixture(t)
	var verr *errors.ValidationError
	require.ErrorAs(t, f.coordinator.HandleRunTask(context.Background(), "vacuum-floors", uuid.NewString()), &verr)
	require.ErrorAs(t, f.coordinator.HandleRequestTask(context.Background(), "vacuum-floors", uuid.NewString()), &verr)
}

func TestRuleErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	f.putTestOperation()

	// The prerun action references an operation the registry does not
	// know, so initiation errors after the run is already active.
	w := f.createWorkflow(`
name: broken
entry: s0
prerun:
  - actions:
      - action: execute-operation
        operation: flux:no-such-operation
steps:
  s0:
    operation: flux:test-operation
`)
	run := f.createRun(w.ID, nil)

	require.NoError(t, f.coordinator.HandleRunTask(context.Background(), engine.TaskInitiateRun, run.ID))

	got := f.getRun(run.ID)
	assert.Equal(t, model.RunFailed, got.Status)
	require.NotNil(t, got.Ended)
	assert.Contains(t, f.sched.events, engine.TopicRunEnded)
}

func TestAbortExecutionsTask(t *testing.T) {
	f := newFixture(t)
	f.putTestOperation()

	w := f.createWorkflow(singleStep)
	run := f.createRun(w.ID, nil)
	require.NoError(t, f.coordinator.HandleRunTask(context.Background(), engine.TaskInitiateRun, run.ID))

	// Flip the run to aborting the way the update controller would.
	tx, err := f.store.Begin(context.Background())
	require.NoError(t, err)
	locked, err := tx.GetRunForUpdate(context.Background(), run.ID)
	require.NoError(t, err)
	locked.Status = model.RunAborting
	require.NoError(t, tx.UpdateRun(context.Background(), locked))
	require.NoError(t, tx.Commit())

	require.NoError(t, f.coordinator.HandleRunTask(context.Background(), engine.TaskAbortExecutions, run.ID))

	got := f.getRun(run.ID)
	assert.Equal(t, model.RunAborted, got.Status)
	assert.NotEmpty(t, f.sched.updates)
}

func TestRunCompletionNotifies(t *testing.T) {
	f := newFixture(t)
	f.putTestOperation()

	w := f.createWorkflow(singleStep)
	run := f.createRun(w.ID, []string{"alice", "nobody"})

	require.NoError(t, f.coordinator.HandleRunTask(context.Background(), engine.TaskRunCompletion, run.ID))

	// The unknown recipient is skipped, not fatal.
	require.Len(t, f.mailer.messages, 1)
	assert.Equal(t, []string{"alice@example.com"}, f.mailer.messages[0].Recipients)
}

func TestCancelRequestTask(t *testing.T) {
	f := newFixture(t)

	r := &model.Request{
		ID: uuid.NewString(), Name: "stale", Status: model.RequestPending,
		Originator: "alice", Assignee: "alice",
	}
	require.NoError(t, f.store.CreateRequest(context.Background(), r))

	require.NoError(t, f.coordinator.HandleRequestTask(context.Background(), request.TaskCancelRequest, r.ID))

	got, err := f.store.GetRequest(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCanceled, got.Status)
	assert.Contains(t, f.sched.events, request.TopicRequestCompleted)

	// Redelivery after the terminal transition is harmless.
	require.NoError(t, f.coordinator.HandleRequestTask(context.Background(), request.TaskCancelRequest, r.ID))
}

func TestCompleteRequestOperation(t *testing.T) {
	f := newFixture(t)
	f.putTestOperation()

	w := f.createWorkflow(singleStep)
	run := f.createRun(w.ID, nil)
	require.NoError(t, f.coordinator.HandleRunTask(context.Background(), engine.TaskInitiateRun, run.ID))

	executions, err := f.store.ListExecutions(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, executions, 1)

	r := &model.Request{
		ID: uuid.NewString(), Name: "sign-off", Status: model.RequestCompleted,
		Originator: "alice", Assignee: "alice",
		Products: map[string]string{
			request.ProductExecution: executions[0].ID,
			"report":                 "doc-42",
		},
	}
	require.NoError(t, f.store.CreateRequest(context.Background(), r))

	require.NoError(t, f.coordinator.HandleRequestTask(context.Background(), request.TaskCompleteRequestOperation, r.ID))

	got := f.getRun(run.ID)
	assert.Equal(t, model.RunCompleted, got.Status)

	executions, err = f.store.ListExecutions(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, executions[0].Status)
}
