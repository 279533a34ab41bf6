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

// Package daemon wires the flux components together and runs the API
// server until the context is canceled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fluxhq/flux/internal/api"
	"github.com/fluxhq/flux/internal/cache"
	"github.com/fluxhq/flux/internal/config"
	"github.com/fluxhq/flux/internal/coordinator"
	"github.com/fluxhq/flux/internal/directory"
	"github.com/fluxhq/flux/internal/engine"
	"github.com/fluxhq/flux/internal/log"
	"github.com/fluxhq/flux/internal/mail"
	"github.com/fluxhq/flux/internal/metrics"
	"github.com/fluxhq/flux/internal/registry"
	"github.com/fluxhq/flux/internal/request"
	"github.com/fluxhq/flux/internal/scheduler"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/pkg/httpclient"
)

// Run starts the daemon and blocks until ctx is canceled or the server
// fails.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	clientCfg := httpclient.DefaultConfig()
	clientCfg.UserAgent = "fluxd/1.0"
	// Task and process scheduling is idempotent by contract.
	clientCfg.AllowNonIdempotentRetry = true
	client, err := httpclient.New(clientCfg)
	if err != nil {
		return fmt.Errorf("failed to build http client: %w", err)
	}

	sched := scheduler.New(cfg.SchedulerURL, client, logger)
	subjects := directory.New(cfg.DirectoryURL, client)
	mailer := mail.New(cfg.EmailURL, client)

	specs := cache.New()
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())

	reg := registry.New(st, sched, cfg.BaseURL, logger)
	if err := reg.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap operation registry: %w", err)
	}

	eng := engine.New(specs, reg, sched, cfg.BaseURL, logger, metrics.New(promRegistry))
	requests := request.New(subjects, mailer, sched, cfg.BaseURL, logger)
	coord := coordinator.New(st, eng, requests, subjects, mailer, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.New(st, specs, eng, coord, requests, reg, sched, promRegistry, logger).Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", log.Error(err))
		return err
	}
	return <-errCh
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return store.Open(ctx, store.Config{
			Dialect:      store.DialectPostgres,
			DSN:          cfg.DatabaseURL,
			MaxOpenConns: cfg.MaxOpenConns,
		})
	case config.BackendSQLite:
		return store.Open(ctx, store.Config{
			Dialect: store.DialectSQLite,
			DSN:     cfg.SQLitePath,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
