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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fluxhq/flux/internal/config"
	"github.com/fluxhq/flux/internal/daemon"
	"github.com/fluxhq/flux/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		listenAddr   = flag.String("listen", "", "Address the API server binds to")
		baseURL      = flag.String("base-url", "", "Externally reachable base URL for scheduler callbacks")
		backend      = flag.String("backend", "", "Storage backend (postgres, sqlite)")
		databaseURL  = flag.String("database-url", "", "PostgreSQL connection URL")
		sqlitePath   = flag.String("sqlite-path", "", "SQLite database file path")
		schedulerURL = flag.String("scheduler-url", "", "Base URL of the external task scheduler")
		directoryURL = flag.String("directory-url", "", "Base URL of the subject directory")
		emailURL     = flag.String("email-url", "", "Base URL of the email delivery service")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("fluxd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}

	// CLI flags win over environment variables.
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}
	if *sqlitePath != "" {
		cfg.SQLitePath = *sqlitePath
	}
	if *schedulerURL != "" {
		cfg.SchedulerURL = *schedulerURL
	}
	if *directoryURL != "" {
		cfg.DirectoryURL = *directoryURL
	}
	if *emailURL != "" {
		cfg.EmailURL = *emailURL
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", log.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg, logger); err != nil {
		logger.Error("daemon failed", log.Error(err))
		os.Exit(1)
	}
}
