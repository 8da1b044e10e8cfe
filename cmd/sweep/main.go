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

// Invoice Archiver One-Shot Sweep
//
// Claims and archives labelled items without the HTTP server. Intended for
// local runs, cron jobs and draining a backlog after downtime.
//
// Usage:
//
//	go run ./cmd/sweep/ [--drain] [--max-rounds 50]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bcem/invoicearchive/internal/app"
	"github.com/bcem/invoicearchive/internal/config"
	"github.com/bcem/invoicearchive/internal/pipeline"
)

func main() {
	app.SetupLogging(slog.LevelInfo)

	// --- CLI Flags ---
	drainFlag := flag.Bool("drain", false, "Keep sweeping until no eligible items remain")
	roundsFlag := flag.Int("max-rounds", 50, "Upper bound on sweep rounds when --drain is set")
	flag.Parse()

	if *roundsFlag < 1 {
		fmt.Fprintf(os.Stderr, "Error: --max-rounds must be at least 1\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	app.SetupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise archiver", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	rounds := 1
	if *drainFlag {
		rounds = *roundsFlag
	}

	start := time.Now()
	counts := make(map[pipeline.Outcome]int)
	var recordErrors int

	for round := 1; round <= rounds && ctx.Err() == nil; round++ {
		results := a.Sweeper.RunOnce(ctx)
		slog.Info("sweep round complete", "round", round, "items", len(results))

		for _, res := range results {
			counts[res.Outcome]++
			recordErrors += res.RecordErrors
		}
		if len(results) == 0 {
			break
		}
	}

	// --- Summary ---
	slog.Info("sweep complete",
		"succeeded", counts[pipeline.Succeeded],
		"skipped_filtered", counts[pipeline.SkippedFiltered],
		"skipped_no_attachments", counts[pipeline.SkippedNoAttachments],
		"failed", counts[pipeline.Failed],
		"record_errors", recordErrors,
		"elapsed", time.Since(start),
	)
}
