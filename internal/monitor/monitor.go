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

// Package monitor tracks pipeline outcomes in a sliding window and raises a
// single rate-limited alert when the failure rate crosses a threshold.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/bcem/invoicearchive/internal/alert"
)

const (
	DefaultThreshold  = 0.05
	DefaultWindow     = time.Hour
	DefaultCooldown   = time.Hour
	DefaultMinSamples = 10

	alertTimeout = 10 * time.Second
)

// Notifier delivers an alert. Implemented by alert.Slack.
type Notifier interface {
	Send(ctx context.Context, text string, severity alert.Severity) error
}

// Config holds the monitor thresholds. Zero values take the defaults.
type Config struct {
	Threshold  float64
	Window     time.Duration
	Cooldown   time.Duration
	MinSamples int

	// Used only to build links in the alert text.
	ProjectID  string
	ErrorLabel string
}

// Stats is a snapshot of the current window.
type Stats struct {
	Processed     int           `json:"processed"`
	Errors        int           `json:"errors"`
	Total         int           `json:"total"`
	ErrorRate     float64       `json:"error_rate"`
	WindowAge     time.Duration `json:"-"`
	WindowAgeSecs float64       `json:"window_age_seconds"`
}

// Monitor is the process-wide outcome counter. One instance is shared by
// all pipeline goroutines.
type Monitor struct {
	cfg      Config
	notifier Notifier
	now      func() time.Time

	mu          sync.Mutex
	successes   int
	failures    int
	windowStart time.Time
	lastAlert   time.Time
}

// New creates a monitor with its window starting now.
func New(cfg Config, notifier Notifier) *Monitor {
	return newWithClock(cfg, notifier, time.Now)
}

func newWithClock(cfg Config, notifier Notifier, now func() time.Time) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	return &Monitor{
		cfg:         cfg,
		notifier:    notifier,
		now:         now,
		windowStart: now(),
	}
}

// RecordSuccess counts a successfully processed item.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetWindow(m.now())
	m.successes++
}

// RecordFailure counts a failed item and alerts if the window's failure
// rate has crossed the threshold outside the cooldown.
func (m *Monitor) RecordFailure() {
	m.mu.Lock()
	now := m.now()
	m.maybeResetWindow(now)
	m.failures++
	stats, fire := m.evaluate(now)
	m.mu.Unlock()

	if fire {
		m.sendAlert(stats)
	}
}

// Stats returns the current window counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(m.now())
}

// maybeResetWindow must be called with mu held.
func (m *Monitor) maybeResetWindow(now time.Time) {
	if now.Sub(m.windowStart) <= m.cfg.Window {
		return
	}
	slog.Debug("error window reset",
		"processed", m.successes,
		"errors", m.failures,
	)
	m.successes = 0
	m.failures = 0
	m.windowStart = now
}

// evaluate decides whether to alert and claims the cooldown slot if so.
// Must be called with mu held.
func (m *Monitor) evaluate(now time.Time) (Stats, bool) {
	stats := m.snapshot(now)
	if stats.Total < m.cfg.MinSamples {
		return stats, false
	}
	if stats.ErrorRate < m.cfg.Threshold {
		return stats, false
	}
	if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) < m.cfg.Cooldown {
		return stats, false
	}
	m.lastAlert = now
	return stats, true
}

func (m *Monitor) snapshot(now time.Time) Stats {
	total := m.successes + m.failures
	var rate float64
	if total > 0 {
		rate = float64(m.failures) / float64(total)
	}
	age := now.Sub(m.windowStart)
	return Stats{
		Processed:     m.successes,
		Errors:        m.failures,
		Total:         total,
		ErrorRate:     rate,
		WindowAge:     age,
		WindowAgeSecs: age.Seconds(),
	}
}

func (m *Monitor) sendAlert(stats Stats) {
	slog.Warn("error rate threshold exceeded",
		"error_rate", stats.ErrorRate,
		"errors", stats.Errors,
		"total", stats.Total,
		"threshold", m.cfg.Threshold,
	)

	if m.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	if err := m.notifier.Send(ctx, m.alertText(stats), alert.SeverityError); err != nil {
		slog.Error("failed to send threshold alert", "error", err)
	}
}

func (m *Monitor) alertText(stats Stats) string {
	text := fmt.Sprintf("*⚠️ Error rate anomaly detected*\n\n"+
		"Last %s:\n"+
		"• Processed: %d\n"+
		"• Errors: %d\n"+
		"• Error rate: *%.1f%%* (threshold: %.0f%%)\n\n"+
		"*Possible system failure. Check the logs.*",
		m.cfg.Window, stats.Total, stats.Errors,
		stats.ErrorRate*100, m.cfg.Threshold*100,
	)

	if m.cfg.ProjectID != "" {
		text += fmt.Sprintf("\n\n<https://console.cloud.google.com/logs/query?project=%s|Open Cloud Logging>",
			url.QueryEscape(m.cfg.ProjectID))
	}
	if m.cfg.ErrorLabel != "" {
		text += fmt.Sprintf("\n<https://mail.google.com/mail/u/0/#search/label%%3A%s|Show errored mail>",
			url.PathEscape(m.cfg.ErrorLabel))
	}
	return text
}
