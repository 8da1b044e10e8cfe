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

// Package alert sends operator notifications to a Slack incoming webhook.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

const title = "*[Invoice System Alert]*"

var emoji = map[Severity]string{
	SeverityInfo:    "ℹ️",
	SeverityWarning: "⚠️",
	SeverityError:   "🚨",
	SeveritySuccess: "✅",
}

// Slack posts notifications to an incoming webhook URL.
type Slack struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlack creates a notifier. An empty webhook URL makes Send a logged no-op.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a message. Callers log the returned error; nothing retries.
func (s *Slack) Send(ctx context.Context, text string, severity Severity) error {
	if s.webhookURL == "" {
		slog.Warn("slack webhook not configured, skipping alert", "severity", severity)
		return nil
	}

	msg := &slack.WebhookMessage{Text: Format(text, severity)}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.httpClient, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}

	slog.Info("slack alert sent", "severity", severity)
	return nil
}

// Format prefixes text with the severity marker and the system title.
func Format(text string, severity Severity) string {
	mark, ok := emoji[severity]
	if !ok {
		mark = "📢"
	}
	return fmt.Sprintf("%s %s\n%s", mark, title, text)
}
