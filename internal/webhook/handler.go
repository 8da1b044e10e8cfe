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

// Package webhook serves the Pub/Sub push endpoint Gmail notifications are
// delivered to. A notification carries no item IDs worth trusting, so each
// one simply triggers a sweep of the target label.
package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bcem/invoicearchive/internal/gmail"
	"github.com/bcem/invoicearchive/internal/monitor"
)

const maxBodyBytes = 1 << 20

// PushEnvelope is the body Pub/Sub POSTs to a push subscription.
type PushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Notification is the decoded Gmail payload inside the envelope.
type Notification struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// Sweeper claims eligible items and dispatches them for processing.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// WatchRenewer re-registers the mailbox watch.
type WatchRenewer interface {
	Renew(ctx context.Context) (gmail.WatchResult, error)
}

// Deduper reports whether a Pub/Sub delivery is seen for the first time.
type Deduper interface {
	IsNew(ctx context.Context, id string) (bool, error)
}

// StatsSource exposes the error-rate window.
type StatsSource interface {
	Stats() monitor.Stats
}

// Handler serves the push, watch and health endpoints. Filter, Renewer and
// Stats are optional.
type Handler struct {
	sweeper Sweeper
	renewer WatchRenewer
	filter  Deduper
	stats   StatsSource
}

// NewHandler creates a push handler.
func NewHandler(sweeper Sweeper, renewer WatchRenewer, filter Deduper, stats StatsSource) *Handler {
	return &Handler{
		sweeper: sweeper,
		renewer: renewer,
		filter:  filter,
		stats:   stats,
	}
}

// ServePush handles a Pub/Sub push delivery.
//
// Pub/Sub redelivers anything that is not acknowledged with a 2xx, so bad
// payloads are acked and dropped rather than rejected.
func (h *Handler) ServePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Error("failed to read push body", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Info("push body not valid JSON, ignoring", "body_len", len(body))
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	msgID := env.Message.MessageID
	if n, err := decodeNotification(env.Message.Data); err != nil {
		slog.Warn("failed to decode push data", "pubsub_message_id", msgID, "error", err)
	} else {
		slog.Info("received gmail notification",
			"pubsub_message_id", msgID,
			"email_address", n.EmailAddress,
			"history_id", string(n.HistoryID),
		)
	}

	if h.filter != nil && msgID != "" {
		isNew, err := h.filter.IsNew(r.Context(), msgID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Debug("skipping duplicate delivery", "pubsub_message_id", msgID)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
	}

	locked := h.sweeper.Sweep(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "locked_count": locked})
}

// ServeRefreshWatch renews the mailbox watch on demand.
func (h *Handler) ServeRefreshWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.renewer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "error": "watch not configured"})
		return
	}

	res, err := h.renewer.Renew(r.Context())
	if err != nil {
		slog.Error("watch refresh failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "historyId": res.HistoryID})
}

// ServeHealth always reports ok once the server is up.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ServeStats returns the current error-rate window.
func (h *Handler) ServeStats(w http.ResponseWriter, _ *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusOK, monitor.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

// Routes builds the server mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.ServePush)
	mux.HandleFunc("/refresh-watch", h.ServeRefreshWatch)
	mux.HandleFunc("GET /health", h.ServeHealth)
	mux.HandleFunc("GET /stats", h.ServeStats)
	return mux
}

func decodeNotification(data string) (Notification, error) {
	var n Notification
	if data == "" {
		return n, fmt.Errorf("empty data")
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(data)
		if err != nil {
			return n, fmt.Errorf("decode base64: %w", err)
		}
	}
	if err := json.Unmarshal(raw, &n); err != nil {
		return n, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. The server drains in-flight
// requests when ctx is cancelled.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
