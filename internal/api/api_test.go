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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/internal/cache"
	"github.com/fluxhq/flux/internal/coordinator"
	"github.com/fluxhq/flux/internal/engine"
	"github.com/fluxhq/flux/internal/mail"
	"github.com/fluxhq/flux/internal/metrics"
	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/registry"
	"github.com/fluxhq/flux/internal/request"
	"github.com/fluxhq/flux/internal/scheduler"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/errors"
)

// fakeScheduler satisfies every scheduler-facing interface in one fake.
type fakeScheduler struct {
	processes     []scheduler.Process
	queues        []scheduler.Queue
	updates       []string
	tasks         []string
	events        []string
	subscriptions []string
}

func (f *fakeScheduler) CreateProcess(_ context.Context, p scheduler.Process) error {
	f.processes = append(f.processes, p)
	return nil
}

func (f *fakeScheduler) PutQueue(_ context.Context, q scheduler.Queue) error {
	f.queues = append(f.queues, q)
	return nil
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

type fakeDirectory struct{}

func (fakeDirectory) GetSubject(_ context.Context, id string) (*model.Subject, error) {
	if id == "nobody" {
		return nil, errors.Operation(errors.TokenInvalidSubject)
	}
	return &model.Subject{ID: id, Name: id, Email: id + "@example.com"}, nil
}

type fakeMailer struct {
	messages []mail.Message
}

func (m *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	m.messages = append(m.messages, msg)
	return nil
}

type fixture struct {
	t      *testing.T
	server *httptest.Server
	store  *store.Store
	sched  *fakeScheduler
	mailer *fakeMailer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		Dialect: store.DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "flux.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)
	sched := &fakeScheduler{}
	mailer := &fakeMailer{}
	specs := cache.New()

	reg := registry.New(st, sched, "http://flux.local", logger)
	require.NoError(t, reg.Bootstrap(context.Background()))

	eng := engine.New(specs, reg, sched, "http://flux.local", logger,
		metrics.New(prometheus.NewRegistry()))
	requests := request.New(fakeDirectory{}, mailer, sched, "http://flux.local", logger)
	coord := coordinator.New(st, eng, requests, fakeDirectory{}, mailer, logger)

	api := New(st, specs, eng, coord, requests, reg, sched, prometheus.NewRegistry(), logger)
	server := httptest.NewServer(api.Routes())
	t.Cleanup(server.Close)

	return &fixture{t: t, server: server, store: st, sched: sched, mailer: mailer}
}

// call performs one JSON request and decodes the response body into out
// when non-nil.
func (f *fixture) call(method, path string, body any, out any) int {
	f.t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &payload)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

const singleStep = `
name: single
entry: s0
steps:
  s0:
    operation: flux:test-operation
`

func (f *fixture) createWorkflow(spec string) model.Workflow {
	f.t.Helper()
	var workflow model.Workflow
	status := f.call(http.MethodPost, "/v1/workflows", map[string]any{
		"name":          fmt.Sprintf("wf-%p", &workflow),
		"specification": spec,
	}, &workflow)
	require.Equal(f.t, http.StatusCreated, status)
	return workflow
}

func TestWorkflowValidationOnCreate(t *testing.T) {
	f := newFixture(t)

	var body errorBody
	status := f.call(http.MethodPost, "/v1/workflows", map[string]any{
		"name": "broken",
		"specification": `
name: broken
entry: missing
steps:
  s0:
    operation: flux:test-operation
`,
	}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body.Error)
}

func TestWorkflowDuplicateName(t *testing.T) {
	f := newFixture(t)

	status := f.call(http.MethodPost, "/v1/workflows", map[string]any{"name": "dup"}, nil)
	require.Equal(t, http.StatusCreated, status)

	var body errorBody
	status = f.call(http.MethodPost, "/v1/workflows", map[string]any{"name": "dup"}, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errors.TokenDuplicateWorkflowName, body.Token)
}

func TestGenerateWorkflow(t *testing.T) {
	f := newFixture(t)

	var workflow model.Workflow
	status := f.call(http.MethodPost, "/v1/workflows/generate", map[string]any{
		"name": "generated",
		"operations": []map[string]any{
			{"operation": "flux:test-operation"},
			{"operation": "flux:test-operation"},
		},
	}, &workflow)
	require.Equal(t, http.StatusCreated, status)
	assert.Contains(t, workflow.Specification, "entry: step:0")
	assert.Contains(t, workflow.Specification, "execute-step")
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	workflow := f.createWorkflow(singleStep)

	var run model.Run
	status := f.call(http.MethodPost, "/v1/runs", map[string]any{
		"workflow_id": workflow.ID,
	}, &run)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, model.RunPending, run.Status)
	assert.Equal(t, workflow.Name, run.Name, "name defaults to the workflow name")
	assert.Contains(t, f.sched.tasks, engine.TaskInitiateRun)

	// Deliver the initiate-run task the way the scheduler would.
	status = f.call(http.MethodPost, "/v1/runs/task", map[string]any{
		"task": engine.TaskInitiateRun, "id": run.ID,
	}, nil)
	require.Equal(t, http.StatusNoContent, status)

	var executions []model.Execution
	status = f.call(http.MethodGet, "/v1/runs/"+run.ID+"/executions", nil, &executions)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, executions, 1)

	// Deliver the executor's process callback.
	status = f.call(http.MethodPost, "/v1/operations/flux:test-operation/process", map[string]any{
		"id":     executions[0].ID,
		"status": "completed",
		"output": map[string]any{"status": "valid", "outcome": "completed"},
	}, nil)
	require.Equal(t, http.StatusNoContent, status)

	var got runResponse
	status = f.call(http.MethodGet, "/v1/runs/"+run.ID, nil, &got)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.NotNil(t, got.Ended)
}

func TestRunUnknownWorkflow(t *testing.T) {
	f := newFixture(t)

	var body errorBody
	status := f.call(http.MethodPost, "/v1/runs", map[string]any{
		"workflow_id": "no-such-workflow",
	}, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errors.TokenUnknownWorkflow, body.Token)
}

func TestRunAbortTransition(t *testing.T) {
	f := newFixture(t)
	workflow := f.createWorkflow(singleStep)

	var run model.Run
	f.call(http.MethodPost, "/v1/runs", map[string]any{"workflow_id": workflow.ID}, &run)
	f.call(http.MethodPost, "/v1/runs/task", map[string]any{
		"task": engine.TaskInitiateRun, "id": run.ID,
	}, nil)

	var updated model.Run
	status := f.call(http.MethodPut, "/v1/runs/"+run.ID, map[string]any{"status": "aborting"}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.RunAborting, updated.Status)
	assert.Contains(t, f.sched.tasks, engine.TaskAbortExecutions)

	f.call(http.MethodPost, "/v1/runs/task", map[string]any{
		"task": engine.TaskAbortExecutions, "id": run.ID,
	}, nil)

	var got runResponse
	f.call(http.MethodGet, "/v1/runs/"+run.ID, nil, &got)
	assert.Equal(t, model.RunAborted, got.Status)

	// A terminal run rejects further transitions.
	var body errorBody
	status = f.call(http.MethodPut, "/v1/runs/"+run.ID, map[string]any{"status": "aborting"}, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errors.TokenCannotUpdateWithStatus, body.Token)
}

func TestWorkflowDeletePolicy(t *testing.T) {
	f := newFixture(t)
	workflow := f.createWorkflow(singleStep)

	var run model.Run
	f.call(http.MethodPost, "/v1/runs", map[string]any{"workflow_id": workflow.ID}, &run)

	var body errorBody
	status := f.call(http.MethodDelete, "/v1/workflows/"+workflow.ID, nil, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errors.TokenCannotDeleteActiveWorkflow, body.Token)

	// Settle the run, then deletion still fails under the in-use policy.
	f.call(http.MethodPost, "/v1/runs/task", map[string]any{
		"task": engine.TaskInitiateRun, "id": run.ID,
	}, nil)
	var executions []model.Execution
	f.call(http.MethodGet, "/v1/runs/"+run.ID+"/executions", nil, &executions)
	f.call(http.MethodPost, "/v1/operations/flux:test-operation/process", map[string]any{
		"id": executions[0].ID, "status": "completed",
		"output": map[string]any{"status": "valid", "outcome": "completed"},
	}, nil)

	status = f.call(http.MethodDelete, "/v1/workflows/"+workflow.ID, nil, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errors.TokenCannotDeleteInUseWorkflow, body.Token)

	// A workflow without runs deletes cleanly.
	unused := f.createWorkflow(singleStep)
	status = f.call(http.MethodDelete, "/v1/workflows/"+unused.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Contains(t, f.sched.events, engine.TopicWorkflowChanged)
}

func TestRequestDeclineOverHTTP(t *testing.T) {
	f := newFixture(t)

	var req model.Request
	status := f.call(http.MethodPost, "/v1/requests", map[string]any{
		"name": "sign-off", "status": "pending",
		"originator": "bob", "assignee": "alice",
	}, &req)
	require.Equal(t, http.StatusCreated, status)
	assert.Contains(t, f.sched.tasks, request.TaskInitiateRequest)

	var body errorBody
	status = f.call(http.MethodPut, "/v1/requests/"+req.ID, map[string]any{
		"status": "declined",
	}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errors.TokenMessageRequiredForStatus, body.Token)

	status = f.call(http.MethodPut, "/v1/requests/"+req.ID, map[string]any{
		"status":  "declined",
		"message": map[string]any{"author": "bob", "message": "never mind"},
	}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, errors.TokenInvalidMessageAuthor, body.Token)

	var updated model.Request
	status = f.call(http.MethodPut, "/v1/requests/"+req.ID, map[string]any{
		"status":  "declined",
		"message": map[string]any{"author": "alice", "message": "out of scope"},
	}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.RequestDeclined, updated.Status)
	assert.NotNil(t, updated.Completed)
}

func TestRequestFormProjection(t *testing.T) {
	f := newFixture(t)

	var req model.Request
	f.call(http.MethodPost, "/v1/requests", map[string]any{
		"name": "with-form", "originator": "bob", "assignee": "alice",
		"slots": map[string]any{
			"summary":  map[string]any{"title": "Summary", "slot_type": "text"},
			"document": map[string]any{"title": "Document", "slot_type": "paperwork"},
		},
		"products": map[string]any{"report": "doc-42"},
	}, &req)

	var got requestResponse
	status := f.call(http.MethodGet, "/v1/requests/"+req.ID+"?include=form,entities", nil, &got)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, got.Form)
	assert.Len(t, got.Form.Structure, 2)
	assert.Equal(t, map[string]string{"report": "doc-42"}, got.Entities)
}

func TestRequestInvalidSlotOrder(t *testing.T) {
	f := newFixture(t)

	var body errorBody
	status := f.call(http.MethodPost, "/v1/requests", map[string]any{
		"name": "bad-order", "originator": "bob", "assignee": "alice",
		"slots":      map[string]any{"summary": map[string]any{"slot_type": "text"}},
		"slot_order": []string{"summary", "bogus"},
	}, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errors.TokenInvalidSlotOrder, body.Token)
}

func TestEmailTemplateDedupe(t *testing.T) {
	f := newFixture(t)

	var first, second model.EmailTemplate
	f.call(http.MethodPut, "/v1/email-templates", map[string]any{"template": "Hello ${assignee.name}"}, &first)
	f.call(http.MethodPut, "/v1/email-templates", map[string]any{"template": "Hello ${assignee.name}"}, &second)
	assert.Equal(t, first.ID, second.ID)
}

func TestNotFoundMapping(t *testing.T) {
	f := newFixture(t)

	var body errorBody
	status := f.call(http.MethodGet, "/v1/runs/no-such-run", nil, &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not-found", body.Error)
}

func TestOperationRegistration(t *testing.T) {
	f := newFixture(t)

	var op model.Operation
	status := f.call(http.MethodPost, "/v1/operations", map[string]any{
		"id": "build:compile", "name": "compile", "phase": "operation",
		"outcomes": map[string]any{
			"completed": map[string]any{"name": "completed", "outcome": "success"},
		},
	}, &op)
	require.Equal(t, http.StatusCreated, status)

	published := false
	for _, q := range f.sched.queues {
		if q.ID == "flux-operation:build:compile" {
			published = true
			assert.Equal(t, "http://flux.local/v1/operations/build:compile/process", q.Endpoint)
		}
	}
	assert.True(t, published, "queue published to the scheduler")

	var body errorBody
	status = f.call(http.MethodPost, "/v1/operations", map[string]any{
		"id": "malformed", "name": "m", "outcomes": map[string]any{
			"done": map[string]any{"name": "done", "outcome": "success"},
		},
	}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNoContent, f.call(http.MethodGet, "/healthz", nil, nil))
}
