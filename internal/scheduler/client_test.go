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

package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/pkg/errors"
)

type recorded struct {
	method string
	path   string
	body   map[string]any
}

func newTestClient(t *testing.T, status int, calls *[]recorded) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		*calls = append(*calls, recorded{method: r.Method, path: r.URL.Path, body: body})
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return New(server.URL, server.Client(), slog.New(slog.DiscardHandler))
}

func TestCreateProcess(t *testing.T) {
	var calls []recorded
	c := newTestClient(t, http.StatusCreated, &calls)

	err := c.CreateProcess(context.Background(), Process{
		QueueID: "flux-operation:build:compile",
		ID:      "exec-1",
		Tag:     "s0",
		Input:   map[string]any{"optimize": true},
		Timeout: 600,
	})
	require.NoError(t, err)

	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].method)
	assert.Equal(t, "/v1/processes", calls[0].path)
	assert.Equal(t, "flux-operation:build:compile", calls[0].body["queue_id"])
	assert.Equal(t, float64(600), calls[0].body["timeout"])
}

func TestUpdateProcess_Gone(t *testing.T) {
	var calls []recorded
	c := newTestClient(t, http.StatusGone, &calls)

	err := c.UpdateProcess(context.Background(), "exec-1", "aborted")
	assert.True(t, errors.IsGone(err))
}

func TestQueueHTTPTask(t *testing.T) {
	var calls []recorded
	c := newTestClient(t, http.StatusOK, &calls)

	err := c.QueueHTTPTask(context.Background(), "initiate-run", HTTPTask{
		URL:    "http://flux/v1/runs/task",
		Method: http.MethodPost,
		Body:   map[string]any{"task": "initiate-run", "id": "run-1"},
	})
	require.NoError(t, err)

	require.Len(t, calls, 1)
	assert.Equal(t, "/v1/tasks", calls[0].path)
	assert.Equal(t, "initiate-run", calls[0].body["task"])
}

func TestPutQueue(t *testing.T) {
	var calls []recorded
	c := newTestClient(t, http.StatusOK, &calls)

	err := c.PutQueue(context.Background(), Queue{
		ID:       "flux-operation:build:compile",
		Subject:  "build:compile",
		Name:     "compile",
		Endpoint: "http://flux/v1/operations/build:compile/process",
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/queues/flux-operation:build:compile", calls[0].path)
}

func TestCreateEvent_SwallowsFailures(t *testing.T) {
	var calls []recorded
	c := newTestClient(t, http.StatusInternalServerError, &calls)

	// Best effort: no panic, no error surfaced.
	c.CreateEvent(context.Background(), "run:ended", map[string]any{"id": "run-1"})
	assert.Len(t, calls, 1)
}
