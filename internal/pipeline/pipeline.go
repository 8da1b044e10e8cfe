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

// Package pipeline archives the attachments of one claimed mail item.
//
// Process walks an item through parse, filter, and per-attachment
// fetch/upload/record steps. It never returns an error: a failed item is
// counted by the monitor and moved from the PROCESSED label to ERROR.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/bcem/invoicearchive/internal/models"
	"github.com/bcem/invoicearchive/internal/parser"
	"github.com/bcem/invoicearchive/internal/storage"
)

// MailStore is the mail provider as seen by the pipeline.
type MailStore interface {
	GetItem(ctx context.Context, id string) (*parser.RawItem, error)
	GetAttachment(ctx context.Context, itemID, attachmentID string) (string, error)
	ModifyLabels(ctx context.Context, id string, add, remove []string) error
	ResolveLabel(ctx context.Context, name string) (string, error)
}

// Storage uploads bytes and returns where they landed.
type Storage interface {
	Put(ctx context.Context, bucket, path string, data []byte, contentType string) (storage.Object, error)
}

// Warehouse persists insertion records.
type Warehouse interface {
	Insert(ctx context.Context, records []models.InsertionRecord) error
}

// Filter decides whether an item is in scope.
type Filter interface {
	Allowed(senderAddress, subject string) bool
}

// Recorder receives one outcome signal per attempted item.
type Recorder interface {
	RecordSuccess()
	RecordFailure()
}

// Publisher announces archived attachments to downstream consumers.
type Publisher interface {
	PublishArchived(ctx context.Context, record models.InsertionRecord) error
}

// Config holds the pipeline's naming and placement settings.
type Config struct {
	ProcessedLabel string
	ErrorLabel     string
	Bucket         string
	// Location sets the calendar date used in storage paths. Nil means UTC.
	Location *time.Location
}

// Processor runs the pipeline. It is safe for concurrent use if its
// collaborators are.
type Processor struct {
	cfg       Config
	mail      MailStore
	storage   Storage
	warehouse Warehouse
	filter    Filter
	recorder  Recorder
	publisher Publisher
	now       func() time.Time
}

// New creates a processor. filter and recorder may be nil.
func New(cfg Config, mail MailStore, store Storage, wh Warehouse, filter Filter, recorder Recorder) *Processor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Processor{
		cfg:       cfg,
		mail:      mail,
		storage:   store,
		warehouse: wh,
		filter:    filter,
		recorder:  recorder,
		now:       time.Now,
	}
}

// SetPublisher enables archived-attachment events.
func (p *Processor) SetPublisher(pub Publisher) {
	p.publisher = pub
}

// Process archives the attachments of item id and reports the outcome.
func (p *Processor) Process(ctx context.Context, id string) (res Result) {
	log := slog.With("message_id", id)
	log.Info("processing item")

	defer func() {
		if r := recover(); r != nil {
			res = failed(id, fmt.Errorf("panic: %v", r))
			p.fail(ctx, log, res)
		}
	}()

	res = p.run(ctx, log, id)

	switch res.Outcome {
	case Succeeded:
		if p.recorder != nil {
			p.recorder.RecordSuccess()
		}
		log.Info("item processed",
			"archived", res.Archived,
			"record_errors", res.RecordErrors,
		)
	case Failed:
		p.fail(ctx, log, res)
	default:
		log.Info("item skipped", "outcome", res.Outcome.String())
	}
	return res
}

func (p *Processor) run(ctx context.Context, log *slog.Logger, id string) Result {
	raw, err := p.mail.GetItem(ctx, id)
	if err != nil {
		return failed(id, fmt.Errorf("get item: %w", err))
	}
	item := parser.Parse(raw)
	if item.ID == "" {
		item.ID = id
	}

	if p.filter != nil && !p.filter.Allowed(item.SenderAddress, item.Subject) {
		log.Info("item blocked by filter policy",
			"sender_address", item.SenderAddress,
			"subject", item.Subject,
		)
		return Result{MessageID: id, Outcome: SkippedFiltered}
	}

	if len(item.Attachments) == 0 {
		log.Info("no attachments found")
		return Result{MessageID: id, Outcome: SkippedNoAttachments}
	}

	res := Result{MessageID: id, Outcome: Succeeded}
	keys := dedupKeys(item)
	for i, att := range item.Attachments {
		if err := ctx.Err(); err != nil {
			return failed(id, fmt.Errorf("process cancelled after %d attachments: %w", i, err))
		}

		rec, err := p.archive(ctx, item, att, keys[i])
		if err != nil {
			return failed(id, err)
		}
		res.Archived++

		if err := p.warehouse.Insert(ctx, []models.InsertionRecord{rec}); err != nil {
			res.RecordErrors++
			log.Error("failed to write insertion record",
				"dedup_key", rec.DedupKey,
				"error", err,
			)
			continue
		}
		log.Info("insertion record written", "dedup_key", rec.DedupKey)

		if p.publisher != nil {
			if err := p.publisher.PublishArchived(ctx, rec); err != nil {
				log.Warn("failed to publish archived event", "dedup_key", rec.DedupKey, "error", err)
			}
		}
	}
	return res
}

// archive fetches, decodes and uploads one attachment and builds its record.
func (p *Processor) archive(ctx context.Context, item models.Item, att models.Attachment, key string) (models.InsertionRecord, error) {
	encoded, err := p.mail.GetAttachment(ctx, item.ID, att.ID)
	if err != nil {
		return models.InsertionRecord{}, fmt.Errorf("get attachment %s: %w", att.Filename, err)
	}
	data, err := decodeAttachment(encoded)
	if err != nil {
		return models.InsertionRecord{}, fmt.Errorf("decode attachment %s: %w", att.Filename, err)
	}

	objectPath := p.storagePath(item.ReceivedAt, key)
	obj, err := p.storage.Put(ctx, p.cfg.Bucket, objectPath, data, att.MimeType)
	if err != nil {
		return models.InsertionRecord{}, fmt.Errorf("upload %s: %w", objectPath, err)
	}
	slog.Info("attachment uploaded",
		"message_id", item.ID,
		"attachment_id", att.ID,
		"storage_path", obj.URI,
		"size", len(data),
	)

	return models.InsertionRecord{
		DedupKey:      key,
		MessageID:     item.ID,
		ReceivedAt:    item.ReceivedAt,
		SenderName:    item.SenderName,
		SenderAddress: item.SenderAddress,
		Subject:       item.Subject,
		Filename:      att.Filename,
		Size:          att.Size,
		ContentType:   att.MimeType,
		Extension:     extension(att.Filename),
		StorageURL:    obj.URL,
		StoragePath:   obj.URI,
		ProcessedAt:   p.now().UTC(),
	}, nil
}

// fail reports a failed item and moves it from PROCESSED to ERROR.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, res Result) {
	log.Error("item processing failed", "error", res.Err)
	if p.recorder != nil {
		p.recorder.RecordFailure()
	}

	// The item's own deadline may be what failed it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), labelTimeout)
	defer cancel()

	if err := p.markError(ctx, res.MessageID); err != nil {
		log.Error("failed to move item to error label",
			"second_order", true,
			"error", err,
		)
	}
}

const labelTimeout = 30 * time.Second

func (p *Processor) markError(ctx context.Context, id string) error {
	errorID, err := p.mail.ResolveLabel(ctx, p.cfg.ErrorLabel)
	if err != nil {
		return fmt.Errorf("resolve error label: %w", err)
	}
	processedID, err := p.mail.ResolveLabel(ctx, p.cfg.ProcessedLabel)
	if err != nil {
		return fmt.Errorf("resolve processed label: %w", err)
	}
	return p.mail.ModifyLabels(ctx, id, []string{errorID}, []string{processedID})
}

func (p *Processor) storagePath(received time.Time, key string) string {
	return received.In(p.cfg.Location).Format("2006/01/02") + "/" + key
}

// dedupKeys returns one distinct key per attachment. Filenames that occur
// more than once in the item get a 1-based sequence number, skipping any
// number whose key another attachment already owns.
func dedupKeys(item models.Item) []string {
	names := make([]string, len(item.Attachments))
	counts := make(map[string]int, len(item.Attachments))
	for i, att := range item.Attachments {
		names[i] = keyName(att.Filename)
		counts[names[i]]++
	}

	used := make(map[string]bool, len(names))
	for _, name := range names {
		if counts[name] == 1 {
			used[item.ID+"_"+name] = true
		}
	}

	seq := make(map[string]int, len(counts))
	keys := make([]string, len(names))
	for i, name := range names {
		if counts[name] == 1 {
			keys[i] = item.ID + "_" + name
			continue
		}
		for {
			seq[name]++
			key := fmt.Sprintf("%s_%d_%s", item.ID, seq[name], name)
			if !used[key] {
				used[key] = true
				keys[i] = key
				break
			}
		}
	}
	return keys
}

// keyName makes a filename safe to use as one storage path segment.
func keyName(filename string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(filename)
}

func extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
}
