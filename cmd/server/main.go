// Copyright (c) 2026 John Earle
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

// Invoice Archiver Server
//
// Entry point for the long-running archiver. It:
//  1. Loads configuration from .env, config.yaml and the environment
//  2. Connects Gmail, object storage, the warehouse and (optionally) Redis
//  3. Serves the Pub/Sub push endpoint that triggers label sweeps
//  4. Runs a periodic safety-net sweep and the Gmail watch renewal loop
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bcem/invoicearchive/internal/app"
	"github.com/bcem/invoicearchive/internal/config"
	"github.com/bcem/invoicearchive/internal/webhook"
)

func main() {
	app.SetupLogging(slog.LevelInfo)
	slog.Info("starting invoice archiver")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	app.SetupLogging(cfg.LogLevel)

	slog.Info("configuration loaded",
		"env", cfg.Env,
		"project", cfg.ProjectID,
		"target_label", cfg.Labels.Target,
		"sweep_interval", cfg.SweepInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise archiver", "error", err)
		os.Exit(1)
	}

	// --- HTTP Server ---
	var renewer webhook.WatchRenewer
	if a.Renewer != nil {
		renewer = a.Renewer
	}
	var pushFilter webhook.Deduper
	if a.PushFilter != nil {
		pushFilter = a.PushFilter
	}
	handler := webhook.NewHandler(a.Sweeper, renewer, pushFilter, a.Monitor)

	ready, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		a.Close()
		os.Exit(1)
	}
	<-ready

	// --- Background Loops ---
	if a.Renewer != nil && cfg.Gmail.WatchInterval > 0 {
		a.Renewer.Start(ctx)
	}
	a.Sweeper.StartPeriodic(ctx)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	if a.Renewer != nil {
		a.Renewer.Stop()
	}
	a.Sweeper.Stop()

	if err := a.Close(); err != nil {
		slog.Error("failed to close backends", "error", err)
	}
	slog.Info("invoice archiver stopped")
}
