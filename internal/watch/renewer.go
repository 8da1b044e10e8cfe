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

// Package watch keeps the Gmail push registration alive. Gmail drops a
// watch after seven days, so it is renewed well before that.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/invoicearchive/internal/gmail"
)

// DefaultInterval is how often the watch is renewed.
const DefaultInterval = 24 * time.Hour

// fallbackLabel is watched when no target label is configured.
const fallbackLabel = "UNREAD"

// Mailbox is the Gmail surface the renewer needs.
type Mailbox interface {
	ResolveLabel(ctx context.Context, name string) (string, error)
	Watch(ctx context.Context, topic string, labelIDs []string) (gmail.WatchResult, error)
}

// Config holds renewer settings.
type Config struct {
	Mailbox     Mailbox
	Topic       string
	TargetLabel string
	Interval    time.Duration
}

// Renewer registers and periodically renews the watch.
type Renewer struct {
	mailbox     Mailbox
	topic       string
	targetLabel string
	interval    time.Duration

	mu   sync.Mutex
	last gmail.WatchResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRenewer creates a renewer.
func NewRenewer(cfg Config) *Renewer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Renewer{
		mailbox:     cfg.Mailbox,
		topic:       cfg.Topic,
		targetLabel: cfg.TargetLabel,
		interval:    interval,
	}
}

// Renew registers the watch now.
func (r *Renewer) Renew(ctx context.Context) (gmail.WatchResult, error) {
	if r.topic == "" {
		return gmail.WatchResult{}, errors.New("watch topic not configured")
	}

	labelIDs := []string{fallbackLabel}
	if r.targetLabel != "" {
		id, err := r.mailbox.ResolveLabel(ctx, r.targetLabel)
		if err != nil {
			return gmail.WatchResult{}, fmt.Errorf("resolve target label: %w", err)
		}
		labelIDs = []string{id}
	}

	res, err := r.mailbox.Watch(ctx, r.topic, labelIDs)
	if err != nil {
		return gmail.WatchResult{}, err
	}

	r.mu.Lock()
	r.last = res
	r.mu.Unlock()

	slog.Info("gmail watch registered",
		"topic", r.topic,
		"label_ids", labelIDs,
		"history_id", res.HistoryID,
		"expires_at", res.Expiration,
	)
	return res, nil
}

// Last returns the most recent successful registration.
func (r *Renewer) Last() gmail.WatchResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start registers the watch and keeps renewing it in the background. A
// failed initial registration is logged; the loop retries on its schedule.
func (r *Renewer) Start(ctx context.Context) {
	if _, err := r.Renew(ctx); err != nil {
		slog.Error("initial gmail watch failed", "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.renewalLoop(loopCtx)

	slog.Info("watch renewer started", "renewal_interval", r.interval)
}

// Stop shuts down the renewal loop.
func (r *Renewer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Renewer) renewalLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Renew(ctx); err != nil {
				slog.Error("gmail watch renewal failed", "error", err)
			}
		}
	}
}
