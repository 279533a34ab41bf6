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

// Package api exposes the resource controllers and the scheduler callback
// endpoints over HTTP.
//
// Controller-initiated mutations surface validation and operation errors
// to the caller. Scheduler callbacks (task and process endpoints) never
// propagate handler errors back to the scheduler: a retry storm against a
// permanently failing callback helps no one, so they log and acknowledge.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxhq/flux/internal/cache"
	"github.com/fluxhq/flux/internal/coordinator"
	"github.com/fluxhq/flux/internal/engine"
	"github.com/fluxhq/flux/internal/log"
	"github.com/fluxhq/flux/internal/registry"
	"github.com/fluxhq/flux/internal/request"
	"github.com/fluxhq/flux/internal/store"
)

// Events publishes best-effort lifecycle events.
type Events interface {
	CreateEvent(ctx context.Context, topic string, aspects map[string]any)
}

// Server holds the controller dependencies.
type Server struct {
	store       *store.Store
	cache       *cache.SpecCache
	engine      *engine.Engine
	coordinator *coordinator.Coordinator
	requests    *request.Service
	registry    *registry.Registry
	events      Events
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
}

// New creates the API server.
func New(
	st *store.Store,
	specs *cache.SpecCache,
	eng *engine.Engine,
	coord *coordinator.Coordinator,
	requests *request.Service,
	reg *registry.Registry,
	events Events,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	return &Server{
		store:       st,
		cache:       specs,
		engine:      eng,
		coordinator: coord,
		requests:    requests,
		registry:    reg,
		events:      events,
		gatherer:    gatherer,
		logger:      log.WithComponent(logger, "api"),
	}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/workflows", s.createWorkflow)
	mux.HandleFunc("POST /v1/workflows/generate", s.generateWorkflow)
	mux.HandleFunc("GET /v1/workflows", s.queryWorkflows)
	mux.HandleFunc("GET /v1/workflows/{id}", s.getWorkflow)
	mux.HandleFunc("PUT /v1/workflows/{id}", s.updateWorkflow)
	mux.HandleFunc("DELETE /v1/workflows/{id}", s.deleteWorkflow)

	mux.HandleFunc("POST /v1/runs", s.createRun)
	mux.HandleFunc("POST /v1/runs/task", s.runTask)
	mux.HandleFunc("GET /v1/runs", s.queryRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.getRun)
	mux.HandleFunc("PUT /v1/runs/{id}", s.updateRun)
	mux.HandleFunc("GET /v1/runs/{id}/executions", s.listExecutions)

	mux.HandleFunc("POST /v1/executions/task", s.executionTask)
	mux.HandleFunc("GET /v1/executions/{id}", s.getExecution)
	mux.HandleFunc("PUT /v1/executions/{id}", s.updateExecution)

	mux.HandleFunc("POST /v1/operations", s.createOperation)
	mux.HandleFunc("GET /v1/operations", s.listOperations)
	mux.HandleFunc("GET /v1/operations/{id}", s.getOperation)
	mux.HandleFunc("PUT /v1/operations/{id}", s.putOperation)
	mux.HandleFunc("POST /v1/operations/{id}/process", s.processCallback)

	mux.HandleFunc("POST /v1/requests", s.createRequest)
	mux.HandleFunc("POST /v1/requests/task", s.requestTask)
	mux.HandleFunc("GET /v1/requests", s.queryRequests)
	mux.HandleFunc("GET /v1/requests/{id}", s.getRequest)
	mux.HandleFunc("PUT /v1/requests/{id}", s.updateRequest)
	mux.HandleFunc("DELETE /v1/requests/{id}", s.deleteRequest)

	mux.HandleFunc("POST /v1/messages", s.createMessage)
	mux.HandleFunc("GET /v1/messages", s.listMessages)
	mux.HandleFunc("GET /v1/messages/{id}", s.getMessage)

	mux.HandleFunc("PUT /v1/email-templates", s.putEmailTemplate)
	mux.HandleFunc("GET /v1/email-templates/{id}", s.getEmailTemplate)

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
