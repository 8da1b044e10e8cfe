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

package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/invoicearchive/internal/models"
)

// Postgres stores records in an invoice_log table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and ensures the table exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure invoice_log schema: %w", err)
	}
	slog.Info("postgres warehouse initialised")
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS invoice_log (
			dedup_key      TEXT PRIMARY KEY,
			message_id     TEXT NOT NULL,
			received_at    TIMESTAMPTZ NOT NULL,
			sender_name    TEXT DEFAULT '',
			sender_address TEXT DEFAULT '',
			subject        TEXT DEFAULT '',
			filename       TEXT NOT NULL,
			size           BIGINT DEFAULT 0,
			content_type   TEXT DEFAULT '',
			extension      TEXT DEFAULT '',
			gcs_url        TEXT DEFAULT '',
			gcs_path       TEXT DEFAULT '',
			processed_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_invoice_log_message ON invoice_log(message_id);
		CREATE INDEX IF NOT EXISTS idx_invoice_log_processed ON invoice_log(processed_at);
	`)
	return err
}

// Insert writes records in one batch. Rows whose dedup key already exists
// are skipped.
func (p *Postgres) Insert(ctx context.Context, records []models.InsertionRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO invoice_log
				(dedup_key, message_id, received_at, sender_name, sender_address, subject,
				 filename, size, content_type, extension, gcs_url, gcs_path, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (dedup_key) DO NOTHING
		`, r.DedupKey, r.MessageID, r.ReceivedAt, r.SenderName, r.SenderAddress, r.Subject,
			r.Filename, r.Size, r.ContentType, r.Extension, r.StorageURL, r.StoragePath, r.ProcessedAt)
	}

	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert invoice_log: %w", err)
	}
	return nil
}

// CountProcessed counts records processed on day (UTC).
func (p *Postgres) CountProcessed(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM invoice_log
		WHERE (processed_at AT TIME ZONE 'UTC')::date = $1::date
	`, dayString(day)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
