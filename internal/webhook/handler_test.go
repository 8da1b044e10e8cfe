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

package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bcem/invoicearchive/internal/gmail"
	"github.com/bcem/invoicearchive/internal/monitor"
)

type fakeSweeper struct {
	mu     sync.Mutex
	calls  int
	locked int
}

func (s *fakeSweeper) Sweep(context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.locked
}

func (s *fakeSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeRenewer struct {
	res gmail.WatchResult
	err error
}

func (r *fakeRenewer) Renew(context.Context) (gmail.WatchResult, error) {
	return r.res, r.err
}

type fakeDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (d *fakeDeduper) IsNew(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

type fakeStats struct{ s monitor.Stats }

func (f fakeStats) Stats() monitor.Stats { return f.s }

func pushBody(t *testing.T, msgID, data string) string {
	t.Helper()
	var env PushEnvelope
	env.Message.MessageID = msgID
	env.Message.Data = data
	env.Subscription = "projects/p/subscriptions/gmail-push"
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("response not JSON: %v (%q)", err, rr.Body.String())
	}
	return got
}

func TestServePush_TriggersSweep(t *testing.T) {
	sw := &fakeSweeper{locked: 3}
	h := NewHandler(sw, nil, nil, nil)

	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"ap@example.com","historyId":12345}`))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(pushBody(t, "pm-1", data)))
	rr := httptest.NewRecorder()

	h.Routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	got := decodeBody(t, rr)
	if got["status"] != "ok" {
		t.Errorf("status = %v, want ok", got["status"])
	}
	if got["locked_count"] != float64(3) {
		t.Errorf("locked_count = %v, want 3", got["locked_count"])
	}
	if sw.count() != 1 {
		t.Errorf("sweeps = %d, want 1", sw.count())
	}
}

func TestServePush_BadDataStillSweeps(t *testing.T) {
	sw := &fakeSweeper{}
	h := NewHandler(sw, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(pushBody(t, "pm-1", "%%%")))
	rr := httptest.NewRecorder()
	h.ServePush(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if sw.count() != 1 {
		t.Errorf("sweeps = %d, want 1", sw.count())
	}
}

func TestServePush_InvalidJSON(t *testing.T) {
	sw := &fakeSweeper{}
	h := NewHandler(sw, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not json"))
	rr := httptest.NewRecorder()
	h.ServePush(rr, req)

	// Acked so Pub/Sub does not redeliver.
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if got := decodeBody(t, rr)["status"]; got != "ignored" {
		t.Errorf("status = %v, want ignored", got)
	}
	if sw.count() != 0 {
		t.Errorf("sweeps = %d, want 0", sw.count())
	}
}

func TestServePush_NonPost(t *testing.T) {
	h := NewHandler(&fakeSweeper{}, nil, nil, nil)

	rr := httptest.NewRecorder()
	h.ServePush(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestServePush_DuplicateDelivery(t *testing.T) {
	sw := &fakeSweeper{}
	h := NewHandler(sw, nil, &fakeDeduper{}, nil)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(pushBody(t, "pm-dup", "")))
		rr := httptest.NewRecorder()
		h.ServePush(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("delivery %d: status = %d, want %d", i, rr.Code, http.StatusOK)
		}
	}

	if sw.count() != 1 {
		t.Errorf("sweeps = %d, want 1", sw.count())
	}
}

func TestServePush_DedupErrorProceeds(t *testing.T) {
	sw := &fakeSweeper{}
	h := NewHandler(sw, nil, &fakeDeduper{err: errors.New("redis down")}, nil)

	rr := httptest.NewRecorder()
	h.ServePush(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(pushBody(t, "pm-1", ""))))

	if sw.count() != 1 {
		t.Errorf("sweeps = %d, want 1", sw.count())
	}
}

func TestServeRefreshWatch(t *testing.T) {
	tests := []struct {
		name       string
		renewer    WatchRenewer
		wantStatus int
	}{
		{"ok", &fakeRenewer{res: gmail.WatchResult{HistoryID: 987}}, http.StatusOK},
		{"renew fails", &fakeRenewer{err: errors.New("forbidden")}, http.StatusInternalServerError},
		{"not configured", nil, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakeSweeper{}, tt.renewer, nil, nil)
			rr := httptest.NewRecorder()
			h.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/refresh-watch", nil))

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if got := decodeBody(t, rr)["historyId"]; got != float64(987) {
					t.Errorf("historyId = %v, want 987", got)
				}
			}
		})
	}
}

func TestServeHealthAndStats(t *testing.T) {
	h := NewHandler(&fakeSweeper{}, nil, nil, fakeStats{monitor.Stats{Processed: 4, Errors: 1, Total: 5, ErrorRate: 0.2}})
	routes := h.Routes()

	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", rr.Code, http.StatusOK)
	}

	rr = httptest.NewRecorder()
	routes.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	got := decodeBody(t, rr)
	if got["total"] != float64(5) || got["errors"] != float64(1) {
		t.Errorf("stats = %v", got)
	}
}

func TestDecodeNotification(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"std", base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"a@b.c","historyId":"1"}`)), "a@b.c", false},
		{"url", base64.URLEncoding.EncodeToString([]byte(`{"emailAddress":"x?@b.c"}`)), "x?@b.c", false},
		{"empty", "", "", true},
		{"not base64", "***", "", true},
		{"not json", base64.StdEncoding.EncodeToString([]byte("hello")), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := decodeNotification(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if n.EmailAddress != tt.want {
				t.Errorf("EmailAddress = %q, want %q", n.EmailAddress, tt.want)
			}
		})
	}
}
