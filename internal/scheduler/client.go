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

// Package scheduler is the thin HTTP client for the external task
// scheduler: it enqueues units of work (processes), registers operation
// queues, schedules one-shot and event-subscribed HTTP callbacks, and
// publishes events.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fluxhq/flux/pkg/errors"
)

// Process is the executor's unit of work.
type Process struct {
	QueueID string         `json:"queue_id"`
	ID      string         `json:"id"`
	Tag     string         `json:"tag"`
	Input   map[string]any `json:"input,omitempty"`
	Timeout int            `json:"timeout,omitempty"`
}

// Queue registers an operation's callback endpoint with the scheduler.
type Queue struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// HTTPTask describes a callback the scheduler will invoke.
type HTTPTask struct {
	URL    string         `json:"url"`
	Method string         `json:"method"`
	Body   map[string]any `json:"body,omitempty"`
}

// Client talks to the scheduler over HTTP. All calls go through the shared
// retrying client factory.
type Client struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// New creates a scheduler client for the given base URL.
func New(baseURL string, client *http.Client, logger *slog.Logger) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		client: client,
		logger: logger,
	}
}

// CreateProcess enqueues a unit of work on the executor's queue.
func (c *Client) CreateProcess(ctx context.Context, p Process) error {
	return c.do(ctx, http.MethodPost, "/v1/processes", p, "process", p.ID)
}

// UpdateProcess signals the remote process, typically to abort it. A
// process the scheduler no longer knows is reported as GoneError.
func (c *Client) UpdateProcess(ctx context.Context, id, status string) error {
	return c.do(ctx, http.MethodPut, "/v1/processes/"+id,
		map[string]any{"status": status}, "process", id)
}

// QueueHTTPTask schedules a one-shot HTTP callback.
func (c *Client) QueueHTTPTask(ctx context.Context, name string, callback HTTPTask) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks", map[string]any{
		"task":     name,
		"callback": callback,
	}, "task", name)
}

// SubscribeHTTPTask schedules an HTTP callback invoked whenever an event
// matching topic and aspects is published.
func (c *Client) SubscribeHTTPTask(ctx context.Context, name string, callback HTTPTask, topic string, aspects map[string]any) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks", map[string]any{
		"task":     name,
		"callback": callback,
		"topic":    topic,
		"aspects":  aspects,
	}, "task", name)
}

// PutQueue registers or refreshes an operation queue.
func (c *Client) PutQueue(ctx context.Context, q Queue) error {
	return c.do(ctx, http.MethodPut, "/v1/queues/"+q.ID, q, "queue", q.ID)
}

// CreateEvent publishes an event. Delivery is best effort: failures are
// logged and swallowed so idempotent side effects never abort the caller.
func (c *Client) CreateEvent(ctx context.Context, topic string, aspects map[string]any) {
	err := c.do(ctx, http.MethodPost, "/v1/events", map[string]any{
		"topic":   topic,
		"aspects": aspects,
	}, "event", topic)
	if err != nil {
		c.logger.Warn("event publication failed", "topic", topic, "error", err)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, resource, id string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", resource, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build scheduler request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler request failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &errors.GoneError{Resource: resource, ID: id}
	default:
		return fmt.Errorf("scheduler returned status %d for %s %s", resp.StatusCode, method, path)
	}
}
