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

// Package report builds the daily summary sent to Slack: how many
// attachments were archived yesterday and how many items are still
// sitting in the error label.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/bcem/invoicearchive/internal/alert"
)

// Unavailable marks a count that could not be fetched.
const Unavailable = -1

// ProcessedCounter counts archived attachments for a day.
type ProcessedCounter interface {
	CountProcessed(ctx context.Context, day time.Time) (int, error)
}

// LabelCounter counts items carrying a label.
type LabelCounter interface {
	LabelTotal(ctx context.Context, name string) (int, error)
}

// Notifier delivers the report.
type Notifier interface {
	Send(ctx context.Context, text string, severity alert.Severity) error
}

// Config holds the reporter dependencies.
type Config struct {
	Warehouse  ProcessedCounter
	Mailbox    LabelCounter
	Notifier   Notifier
	ErrorLabel string
	ProjectID  string
	Location   *time.Location
}

// Summary is one day's report.
type Summary struct {
	Today     time.Time
	Yesterday time.Time
	Processed int
	Errors    int
}

// Severity is success only when the error label is known to be empty.
func (s Summary) Severity() alert.Severity {
	if s.Errors == 0 {
		return alert.SeveritySuccess
	}
	return alert.SeverityWarning
}

// Reporter builds and sends the daily report.
type Reporter struct {
	cfg Config
	now func() time.Time
}

// New creates a reporter.
func New(cfg Config) *Reporter {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Reporter{cfg: cfg, now: time.Now}
}

// Build gathers the counts. A count that fails is logged and reported as
// Unavailable.
func (r *Reporter) Build(ctx context.Context) Summary {
	today := r.now().In(r.cfg.Location)
	yesterday := today.AddDate(0, 0, -1)

	s := Summary{Today: today, Yesterday: yesterday, Processed: Unavailable, Errors: Unavailable}

	if n, err := r.cfg.Warehouse.CountProcessed(ctx, yesterday); err != nil {
		slog.Error("failed to count processed records", "day", yesterday.Format(time.DateOnly), "error", err)
	} else {
		s.Processed = n
	}

	if n, err := r.cfg.Mailbox.LabelTotal(ctx, r.cfg.ErrorLabel); err != nil {
		slog.Error("failed to count error label", "label", r.cfg.ErrorLabel, "error", err)
	} else {
		s.Errors = n
	}
	return s
}

// Send builds the report and posts it.
func (r *Reporter) Send(ctx context.Context) (Summary, error) {
	s := r.Build(ctx)
	if err := r.cfg.Notifier.Send(ctx, r.Format(s), s.Severity()); err != nil {
		return s, fmt.Errorf("send daily report: %w", err)
	}
	slog.Info("daily report sent", "processed", s.Processed, "errors", s.Errors)
	return s, nil
}

// Format renders the Slack text for s.
func (r *Reporter) Format(s Summary) string {
	status := "🟢"
	if s.Errors != 0 {
		status = "🔴"
	}

	text := fmt.Sprintf("*📊 Invoice Process Daily Report (%s)*\n"+
		"Period: %s\n\n"+
		"%s Archived: *%s* (yesterday)\n"+
		"🔴 Unresolved errors: *%s* (now)",
		s.Today.Format(time.DateOnly),
		s.Yesterday.Format(time.DateOnly),
		status, count(s.Processed), count(s.Errors),
	)

	if r.cfg.ErrorLabel != "" {
		text += fmt.Sprintf("\n\n<https://mail.google.com/mail/u/0/#search/label%%3A%s|🔗 Show errored mail>",
			url.PathEscape(r.cfg.ErrorLabel))
	}
	if r.cfg.ProjectID != "" {
		text += fmt.Sprintf("\n<https://console.cloud.google.com/logs/query?project=%s|🔗 Open Cloud Logging>",
			url.QueryEscape(r.cfg.ProjectID))
	}
	return text
}

func count(n int) string {
	if n < 0 {
		return "unavailable"
	}
	return strconv.Itoa(n)
}
