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

// Package config provides daemon configuration loaded from defaults and
// environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/fluxhq/flux/pkg/errors"
)

// Backend types supported by the persistence adapter.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds the daemon configuration.
type Config struct {
	// ListenAddr is the address the API server binds to.
	ListenAddr string

	// BaseURL is the externally reachable base URL of this daemon. The
	// scheduler invokes task and process callbacks against it.
	BaseURL string

	// Backend selects the persistence backend (postgres, sqlite).
	Backend string

	// DatabaseURL is the PostgreSQL connection URL.
	DatabaseURL string

	// SQLitePath is the database file path for the sqlite backend.
	SQLitePath string

	// SchedulerURL is the base URL of the external task scheduler.
	SchedulerURL string

	// DirectoryURL is the base URL of the external subject directory.
	DirectoryURL string

	// EmailURL is the base URL of the external email delivery service.
	EmailURL string

	// ShutdownTimeout bounds graceful shutdown of the API server.
	ShutdownTimeout time.Duration

	// MaxOpenConns sets the maximum number of open database connections
	// (postgres only; sqlite is pinned to a single writer connection).
	MaxOpenConns int
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:9600",
		BaseURL:         "http://127.0.0.1:9600",
		Backend:         BackendSQLite,
		SQLitePath:      "flux.db",
		SchedulerURL:    "http://127.0.0.1:9610",
		DirectoryURL:    "http://127.0.0.1:9620",
		EmailURL:        "http://127.0.0.1:9630",
		ShutdownTimeout: 15 * time.Second,
		MaxOpenConns:    10,
	}
}

// Load builds the configuration from defaults overridden by environment
// variables:
//   - FLUX_LISTEN_ADDR, FLUX_BASE_URL
//   - FLUX_BACKEND (postgres, sqlite)
//   - FLUX_DATABASE_URL, FLUX_SQLITE_PATH, FLUX_MAX_OPEN_CONNS
//   - FLUX_SCHEDULER_URL, FLUX_DIRECTORY_URL, FLUX_EMAIL_URL
func Load() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("FLUX_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLUX_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("FLUX_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("FLUX_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("FLUX_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("FLUX_SCHEDULER_URL"); v != "" {
		cfg.SchedulerURL = v
	}
	if v := os.Getenv("FLUX_DIRECTORY_URL"); v != "" {
		cfg.DirectoryURL = v
	}
	if v := os.Getenv("FLUX_EMAIL_URL"); v != "" {
		cfg.EmailURL = v
	}
	if v := os.Getenv("FLUX_MAX_OPEN_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &errors.ConfigError{Key: "FLUX_MAX_OPEN_CONNS", Reason: "must be an integer", Cause: err}
		}
		cfg.MaxOpenConns = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return &errors.ConfigError{Key: "FLUX_DATABASE_URL", Reason: "required for the postgres backend"}
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return &errors.ConfigError{Key: "FLUX_SQLITE_PATH", Reason: "required for the sqlite backend"}
		}
	default:
		return &errors.ConfigError{Key: "FLUX_BACKEND", Reason: "must be one of: postgres, sqlite"}
	}

	if c.SchedulerURL == "" {
		return &errors.ConfigError{Key: "FLUX_SCHEDULER_URL", Reason: "required"}
	}
	if c.BaseURL == "" {
		return &errors.ConfigError{Key: "FLUX_BASE_URL", Reason: "required"}
	}
	return nil
}
