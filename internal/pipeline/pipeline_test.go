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

package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/invoicearchive/internal/filter"
	"github.com/bcem/invoicearchive/internal/models"
	"github.com/bcem/invoicearchive/internal/parser"
	"github.com/bcem/invoicearchive/internal/storage"
)

// --- fakes ---

type fakeMail struct {
	mu          sync.Mutex
	items       map[string]*parser.RawItem
	attachments map[string]string
	labels      map[string]map[string]bool
	getErr      error
	attErr      map[string]error
	modifyErr   error
	modifyCalls int
}

func newFakeMail() *fakeMail {
	return &fakeMail{
		items:       map[string]*parser.RawItem{},
		attachments: map[string]string{},
		labels:      map[string]map[string]bool{},
		attErr:      map[string]error{},
	}
}

// add stores an item carrying TARGET and PROCESSED, as it would be right
// after a claim.
func (m *fakeMail) add(raw *parser.RawItem, data map[string]string) {
	m.items[raw.ID] = raw
	for attID, content := range data {
		m.attachments[raw.ID+"/"+attID] = base64.URLEncoding.EncodeToString([]byte(content))
	}
	m.labels[raw.ID] = map[string]bool{"Label_TARGET": true, "Label_INVOICE_PROCESSED": true}
}

func (m *fakeMail) GetItem(_ context.Context, id string) (*parser.RawItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	raw, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s not found", id)
	}
	return raw, nil
}

func (m *fakeMail) GetAttachment(_ context.Context, itemID, attachmentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.attErr[attachmentID]; err != nil {
		return "", err
	}
	return m.attachments[itemID+"/"+attachmentID], nil
}

func (m *fakeMail) ModifyLabels(_ context.Context, id string, add, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modifyCalls++
	if m.modifyErr != nil {
		return m.modifyErr
	}
	for _, l := range add {
		m.labels[id][l] = true
	}
	for _, l := range remove {
		delete(m.labels[id], l)
	}
	return nil
}

func (m *fakeMail) ResolveLabel(_ context.Context, name string) (string, error) {
	return "Label_" + name, nil
}

func (m *fakeMail) labelSet(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for l := range m.labels[id] {
		out = append(out, strings.TrimPrefix(l, "Label_"))
	}
	sort.Strings(out)
	return out
}

type putCall struct {
	bucket, path, contentType string
	data                      []byte
}

type fakeStorage struct {
	mu    sync.Mutex
	calls []putCall
	err   error
}

func (s *fakeStorage) Put(_ context.Context, bucket, path string, data []byte, contentType string) (storage.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, putCall{bucket, path, contentType, data})
	if s.err != nil {
		return storage.Object{}, s.err
	}
	return storage.Object{
		URL: "https://storage.cloud.google.com/" + bucket + "/" + path,
		URI: "gs://" + bucket + "/" + path,
	}, nil
}

type fakeWarehouse struct {
	mu      sync.Mutex
	records []models.InsertionRecord
	failOn  map[string]bool
	calls   int
}

func (w *fakeWarehouse) Insert(_ context.Context, records []models.InsertionRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	for _, r := range records {
		if w.failOn[r.DedupKey] {
			return errors.New("row rejected")
		}
	}
	w.records = append(w.records, records...)
	return nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (r *fakeRecorder) RecordSuccess() { r.mu.Lock(); r.successes++; r.mu.Unlock() }
func (r *fakeRecorder) RecordFailure() { r.mu.Lock(); r.failures++; r.mu.Unlock() }

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *fakePublisher) PublishArchived(_ context.Context, rec models.InsertionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, rec.DedupKey)
	return nil
}

// --- helpers ---

type testEnv struct {
	mail      *fakeMail
	storage   *fakeStorage
	warehouse *fakeWarehouse
	recorder  *fakeRecorder
	proc      *Processor
}

func newTestEnv(f Filter) *testEnv {
	env := &testEnv{
		mail:      newFakeMail(),
		storage:   &fakeStorage{},
		warehouse: &fakeWarehouse{failOn: map[string]bool{}},
		recorder:  &fakeRecorder{},
	}
	env.proc = New(Config{
		ProcessedLabel: "INVOICE_PROCESSED",
		ErrorLabel:     "INVOICE_ERROR",
		Bucket:         "invoice-archive-test",
	}, env.mail, env.storage, env.warehouse, f, env.recorder)
	env.proc.now = func() time.Time { return time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC) }
	return env
}

// received is 2024-01-31 09:00 UTC in epoch milliseconds.
const received = "1706691600000"

func rawItem(id, from, subject string, atts ...*parser.Part) *parser.RawItem {
	return &parser.RawItem{
		ID:           id,
		InternalDate: received,
		Payload: &parser.Part{
			MimeType: "multipart/mixed",
			Headers: []parser.Header{
				{Name: "From", Value: from},
				{Name: "Subject", Value: subject},
			},
			Parts: append([]*parser.Part{{MimeType: "text/plain", Body: &parser.Body{Size: 10}}}, atts...),
		},
	}
}

func attPart(id, filename, mime string) *parser.Part {
	return &parser.Part{MimeType: mime, Filename: filename, Body: &parser.Body{AttachmentID: id, Size: 3}}
}

// --- tests ---

func TestProcess_Success(t *testing.T) {
	env := newTestEnv(nil)
	pub := &fakePublisher{}
	env.proc.SetPublisher(pub)
	env.mail.add(rawItem("m1", "Billing Dept <billing@example.com>", "Invoice January",
		attPart("a1", "Bill.PDF", "application/pdf")),
		map[string]string{"a1": "pdf-bytes"})

	res := env.proc.Process(context.Background(), "m1")

	if res.Outcome != Succeeded {
		t.Fatalf("outcome = %v, want succeeded (err %v)", res.Outcome, res.Err)
	}
	if res.Archived != 1 {
		t.Errorf("archived = %d, want 1", res.Archived)
	}

	if len(env.storage.calls) != 1 {
		t.Fatalf("uploads = %d, want 1", len(env.storage.calls))
	}
	put := env.storage.calls[0]
	if put.path != "2024/01/31/m1_Bill.PDF" {
		t.Errorf("path = %q, want %q", put.path, "2024/01/31/m1_Bill.PDF")
	}
	if put.bucket != "invoice-archive-test" || put.contentType != "application/pdf" {
		t.Errorf("put = %+v", put)
	}
	if string(put.data) != "pdf-bytes" {
		t.Errorf("data = %q, want %q", put.data, "pdf-bytes")
	}

	if len(env.warehouse.records) != 1 {
		t.Fatalf("records = %d, want 1", len(env.warehouse.records))
	}
	rec := env.warehouse.records[0]
	want := models.InsertionRecord{
		DedupKey:      "m1_Bill.PDF",
		MessageID:     "m1",
		ReceivedAt:    time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC),
		SenderName:    "Billing Dept",
		SenderAddress: "billing@example.com",
		Subject:       "Invoice January",
		Filename:      "Bill.PDF",
		Size:          3,
		ContentType:   "application/pdf",
		Extension:     "pdf",
		StorageURL:    "https://storage.cloud.google.com/invoice-archive-test/2024/01/31/m1_Bill.PDF",
		StoragePath:   "gs://invoice-archive-test/2024/01/31/m1_Bill.PDF",
		ProcessedAt:   time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	if !rec.ReceivedAt.Equal(want.ReceivedAt) {
		t.Errorf("received_at = %v, want %v", rec.ReceivedAt, want.ReceivedAt)
	}
	rec.ReceivedAt = want.ReceivedAt
	if rec != want {
		t.Errorf("record = %+v\nwant     %+v", rec, want)
	}

	if env.recorder.successes != 1 || env.recorder.failures != 0 {
		t.Errorf("recorder = %+v, want 1 success", env.recorder)
	}
	if got := env.mail.labelSet("m1"); fmt.Sprint(got) != "[INVOICE_PROCESSED TARGET]" {
		t.Errorf("labels = %v, want [INVOICE_PROCESSED TARGET]", got)
	}
	if fmt.Sprint(pub.keys) != "[m1_Bill.PDF]" {
		t.Errorf("published = %v", pub.keys)
	}
}

func TestProcess_DuplicateFilenames(t *testing.T) {
	env := newTestEnv(nil)
	env.mail.add(rawItem("m2", "a@example.com", "Invoices",
		attPart("a1", "invoice.pdf", "application/pdf"),
		attPart("a2", "receipt.pdf", "application/pdf"),
		attPart("a3", "invoice.pdf", "application/pdf")),
		map[string]string{"a1": "one", "a2": "two", "a3": "three"})

	res := env.proc.Process(context.Background(), "m2")
	if res.Outcome != Succeeded {
		t.Fatalf("outcome = %v, want succeeded (err %v)", res.Outcome, res.Err)
	}

	var paths, keys []string
	for _, c := range env.storage.calls {
		paths = append(paths, c.path)
	}
	for _, r := range env.warehouse.records {
		keys = append(keys, r.DedupKey)
	}

	wantPaths := []string{"2024/01/31/m2_1_invoice.pdf", "2024/01/31/m2_receipt.pdf", "2024/01/31/m2_2_invoice.pdf"}
	wantKeys := []string{"m2_1_invoice.pdf", "m2_receipt.pdf", "m2_2_invoice.pdf"}
	if fmt.Sprint(paths) != fmt.Sprint(wantPaths) {
		t.Errorf("paths = %v, want %v", paths, wantPaths)
	}
	if fmt.Sprint(keys) != fmt.Sprint(wantKeys) {
		t.Errorf("keys = %v, want %v", keys, wantKeys)
	}
}

func TestProcess_UploadFailureMarksError(t *testing.T) {
	env := newTestEnv(nil)
	env.storage.err = errors.New("storage outage")
	env.mail.add(rawItem("m3", "a@example.com", "Invoice",
		attPart("a1", "one.pdf", "application/pdf"),
		attPart("a2", "two.pdf", "application/pdf")),
		map[string]string{"a1": "1", "a2": "2"})

	res := env.proc.Process(context.Background(), "m3")

	if res.Outcome != Failed || res.Err == nil {
		t.Fatalf("result = %+v, want failed with error", res)
	}
	if env.recorder.failures != 1 || env.recorder.successes != 0 {
		t.Errorf("recorder = %+v, want exactly 1 failure", env.recorder)
	}
	if got := env.mail.labelSet("m3"); fmt.Sprint(got) != "[INVOICE_ERROR TARGET]" {
		t.Errorf("labels = %v, want [INVOICE_ERROR TARGET]", got)
	}
	if env.warehouse.calls != 0 {
		t.Errorf("warehouse calls = %d, want 0", env.warehouse.calls)
	}
}

func TestProcess_FetchFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeMail)
	}{
		{"get item", func(m *fakeMail) { m.getErr = errors.New("unauthorized") }},
		{"get attachment", func(m *fakeMail) { m.attErr["a1"] = errors.New("timeout") }},
		{"decode", func(m *fakeMail) { m.attachments["m4/a1"] = "!!not base64!!" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(nil)
			env.mail.add(rawItem("m4", "a@example.com", "Invoice",
				attPart("a1", "one.pdf", "application/pdf")),
				map[string]string{"a1": "1"})
			tt.setup(env.mail)

			res := env.proc.Process(context.Background(), "m4")
			if res.Outcome != Failed {
				t.Fatalf("outcome = %v, want failed", res.Outcome)
			}
			if env.recorder.failures != 1 {
				t.Errorf("failures = %d, want 1", env.recorder.failures)
			}
			if got := env.mail.labelSet("m4"); fmt.Sprint(got) != "[INVOICE_ERROR TARGET]" {
				t.Errorf("labels = %v, want [INVOICE_ERROR TARGET]", got)
			}
		})
	}
}

func TestProcess_SkipsProduceNoSignal(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		raw     *parser.RawItem
		outcome Outcome
	}{
		{
			name:    "filtered",
			filter:  filter.NewPolicy([]string{"trusted.co.jp"}, []string{"請求書"}),
			raw:     rawItem("m5", "spam@unknown.example", "Hello", attPart("a1", "x.pdf", "application/pdf")),
			outcome: SkippedFiltered,
		},
		{
			name:    "no attachments",
			raw:     rawItem("m5", "a@example.com", "Invoice"),
			outcome: SkippedNoAttachments,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(tt.filter)
			env.mail.add(tt.raw, map[string]string{"a1": "x"})

			res := env.proc.Process(context.Background(), "m5")
			if res.Outcome != tt.outcome {
				t.Errorf("outcome = %v, want %v", res.Outcome, tt.outcome)
			}
			if len(env.storage.calls) != 0 || env.warehouse.calls != 0 {
				t.Errorf("storage/warehouse touched: %d uploads, %d inserts", len(env.storage.calls), env.warehouse.calls)
			}
			if env.recorder.successes != 0 || env.recorder.failures != 0 {
				t.Errorf("recorder = %+v, want no signal", env.recorder)
			}
			if env.mail.modifyCalls != 0 {
				t.Errorf("modify calls = %d, want 0", env.mail.modifyCalls)
			}
		})
	}
}

func TestProcess_RecordErrorContinues(t *testing.T) {
	env := newTestEnv(nil)
	env.warehouse.failOn["m6_one.pdf"] = true
	env.mail.add(rawItem("m6", "a@example.com", "Invoice",
		attPart("a1", "one.pdf", "application/pdf"),
		attPart("a2", "two.pdf", "application/pdf")),
		map[string]string{"a1": "1", "a2": "2"})

	res := env.proc.Process(context.Background(), "m6")

	if res.Outcome != Succeeded {
		t.Fatalf("outcome = %v, want succeeded", res.Outcome)
	}
	if res.Archived != 2 || res.RecordErrors != 1 {
		t.Errorf("archived = %d record_errors = %d, want 2 and 1", res.Archived, res.RecordErrors)
	}
	if len(env.warehouse.records) != 1 || env.warehouse.records[0].DedupKey != "m6_two.pdf" {
		t.Errorf("records = %+v, want only m6_two.pdf", env.warehouse.records)
	}
	if env.recorder.successes != 1 {
		t.Errorf("successes = %d, want 1", env.recorder.successes)
	}
}

func TestProcess_LabelTransitionFailure(t *testing.T) {
	env := newTestEnv(nil)
	env.storage.err = errors.New("storage outage")
	env.mail.modifyErr = errors.New("mail store down")
	env.mail.add(rawItem("m7", "a@example.com", "Invoice",
		attPart("a1", "one.pdf", "application/pdf")),
		map[string]string{"a1": "1"})

	res := env.proc.Process(context.Background(), "m7")

	if res.Outcome != Failed {
		t.Fatalf("outcome = %v, want failed", res.Outcome)
	}
	if env.recorder.failures != 1 {
		t.Errorf("failures = %d, want 1", env.recorder.failures)
	}
	if env.mail.modifyCalls != 1 {
		t.Errorf("modify calls = %d, want 1", env.mail.modifyCalls)
	}
	if got := env.mail.labelSet("m7"); fmt.Sprint(got) != "[INVOICE_PROCESSED TARGET]" {
		t.Errorf("labels = %v, want item left processed", got)
	}
}

func TestProcess_StoragePathUsesLocation(t *testing.T) {
	env := newTestEnv(nil)
	tokyo := time.FixedZone("JST", 9*60*60)
	env.proc.cfg.Location = tokyo
	raw := rawItem("m8", "a@example.com", "Invoice", attPart("a1", "x.pdf", "application/pdf"))
	raw.InternalDate = "1706713200000" // 2024-01-31 15:00 UTC, 2024-02-01 in Tokyo
	env.mail.add(raw, map[string]string{"a1": "x"})

	env.proc.Process(context.Background(), "m8")

	if len(env.storage.calls) != 1 || env.storage.calls[0].path != "2024/02/01/m8_x.pdf" {
		t.Errorf("uploads = %+v, want path 2024/02/01/m8_x.pdf", env.storage.calls)
	}
}

type panicStorage struct{}

func (panicStorage) Put(context.Context, string, string, []byte, string) (storage.Object, error) {
	panic("boom")
}

func TestProcess_PanicBecomesFailure(t *testing.T) {
	env := newTestEnv(nil)
	env.proc.storage = panicStorage{}
	env.mail.add(rawItem("m9", "a@example.com", "Invoice", attPart("a1", "x.pdf", "application/pdf")),
		map[string]string{"a1": "x"})

	res := env.proc.Process(context.Background(), "m9")

	if res.Outcome != Failed {
		t.Fatalf("outcome = %v, want failed", res.Outcome)
	}
	if env.recorder.failures != 1 {
		t.Errorf("failures = %d, want 1", env.recorder.failures)
	}
	if got := env.mail.labelSet("m9"); fmt.Sprint(got) != "[INVOICE_ERROR TARGET]" {
		t.Errorf("labels = %v, want [INVOICE_ERROR TARGET]", got)
	}
}

func TestDedupKeys(t *testing.T) {
	item := models.Item{ID: "id", Attachments: []models.Attachment{
		{Filename: "a.pdf"}, {Filename: "b.pdf"}, {Filename: "a.pdf"}, {Filename: "a.pdf"}, {Filename: "c.pdf"},
	}}
	got := dedupKeys(item)
	want := []string{"id_1_a.pdf", "id_b.pdf", "id_2_a.pdf", "id_3_a.pdf", "id_c.pdf"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("dedupKeys() = %v, want %v", got, want)
	}

	seen := map[string]bool{}
	for _, k := range got {
		if seen[k] {
			t.Errorf("duplicate key %q", k)
		}
		seen[k] = true
	}
}

func TestDedupKeys_Distinct(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  []string
	}{
		{
			name:  "numbered key taken by a real filename",
			files: []string{"a.pdf", "a.pdf", "1_a.pdf"},
			want:  []string{"id_2_a.pdf", "id_3_a.pdf", "id_1_a.pdf"},
		},
		{
			name:  "path separators",
			files: []string{"x/../other_b.pdf", `..\..\c.pdf`},
			want:  []string{"id_x_.._other_b.pdf", "id_.._.._c.pdf"},
		},
		{
			name:  "separator collapses onto duplicate",
			files: []string{"a/b.pdf", "a_b.pdf"},
			want:  []string{"id_1_a_b.pdf", "id_2_a_b.pdf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := models.Item{ID: "id"}
			for _, f := range tt.files {
				item.Attachments = append(item.Attachments, models.Attachment{Filename: f})
			}
			got := dedupKeys(item)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("dedupKeys() = %v, want %v", got, tt.want)
			}
			seen := map[string]bool{}
			for _, k := range got {
				if seen[k] {
					t.Errorf("duplicate key %q", k)
				}
				seen[k] = true
				if strings.ContainsAny(k, `/\`) {
					t.Errorf("key %q contains a path separator", k)
				}
			}
		})
	}
}

func TestStoragePath_KeepsLayout(t *testing.T) {
	p := New(Config{}, nil, nil, nil, nil, nil)
	received := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	item := models.Item{ID: "id", Attachments: []models.Attachment{{Filename: "x/../other_b.pdf"}}}

	got := p.storagePath(received, dedupKeys(item)[0])
	if want := "2024/01/02/id_x_.._other_b.pdf"; got != want {
		t.Errorf("storagePath() = %q, want %q", got, want)
	}
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"invoice.PDF":    "pdf",
		"archive.tar.gz": "gz",
		"README":         "",
		"請求書.xlsx":       "xlsx",
	}
	for in, want := range tests {
		if got := extension(in); got != want {
			t.Errorf("extension(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeAttachment(t *testing.T) {
	payload := []byte{0xfb, 0xff, 0xfe, 'h', 'i'}
	tests := []struct {
		name string
		in   string
	}{
		{"padded", base64.URLEncoding.EncodeToString(payload)},
		{"unpadded", base64.RawURLEncoding.EncodeToString(payload)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeAttachment(tt.in)
			if err != nil {
				t.Fatalf("decodeAttachment() error = %v", err)
			}
			if string(got) != string(payload) {
				t.Errorf("decodeAttachment() = %v, want %v", got, payload)
			}
		})
	}

	if _, err := decodeAttachment("***"); err == nil {
		t.Error("expected error for invalid input")
	}
}
