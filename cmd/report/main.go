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

// Invoice Archiver Daily Report
//
// Posts yesterday's archive count and the open error count to Slack. Run it
// once a day from a scheduler.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/bcem/invoicearchive/internal/app"
	"github.com/bcem/invoicearchive/internal/config"
)

func main() {
	app.SetupLogging(slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	app.SetupLogging(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise archiver", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if _, err := a.Reporter.Send(ctx); err != nil {
		slog.Error("daily report failed", "error", err)
		a.Close()
		os.Exit(1)
	}
}
