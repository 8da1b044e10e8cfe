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

// Package queue publishes archived-attachment events to a Redis list so
// that downstream workers (OCR, accounting import) can pick them up.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/invoicearchive/internal/models"
)

// DefaultQueue is the list consumers BRPOP from.
const DefaultQueue = "invoice:archived"

// EventArchived is the type of every event this package publishes.
const EventArchived = "attachment.archived"

// Event is the JSON document pushed for each archived attachment.
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	PublishedAt time.Time              `json:"published_at"`
	Record      models.InsertionRecord `json:"record"`
	DedupKey    string                 `json:"dedup_key"`
}

// Publisher pushes events onto a Redis list.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
	now       func() time.Time
}

// NewPublisher creates a publisher for queueName (DefaultQueue if empty).
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{rdb: rdb, queueName: queueName, now: time.Now}
}

// NewEvent wraps record in an event envelope.
func (p *Publisher) NewEvent(record models.InsertionRecord) Event {
	return Event{
		ID:          uuid.New().String(),
		Type:        EventArchived,
		PublishedAt: p.now().UTC(),
		Record:      record,
		DedupKey:    record.DedupKey,
	}
}

// PublishArchived serialises an event for record and LPUSHes it.
func (p *Publisher) PublishArchived(ctx context.Context, record models.InsertionRecord) error {
	event := p.NewEvent(record)
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal archived event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, body).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published archived event",
		"event_id", event.ID,
		"dedup_key", record.DedupKey,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
