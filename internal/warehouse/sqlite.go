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
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/bcem/invoicearchive/internal/models"
)

// DefaultSQLitePath is the database file used by local emulation.
const DefaultSQLitePath = "local_warehouse.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS invoice_log (
	dedup_key      TEXT PRIMARY KEY,
	message_id     TEXT NOT NULL,
	received_at    TEXT NOT NULL,
	sender_name    TEXT NOT NULL DEFAULT '',
	sender_address TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	filename       TEXT NOT NULL,
	size           INTEGER NOT NULL DEFAULT 0,
	content_type   TEXT NOT NULL DEFAULT '',
	extension      TEXT NOT NULL DEFAULT '',
	gcs_url        TEXT NOT NULL DEFAULT '',
	gcs_path       TEXT NOT NULL DEFAULT '',
	processed_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoice_log_processed ON invoice_log(processed_at);
`

// SQLite stores records in a local database file.
type SQLite struct {
	db *sqlx.DB
}

// sqliteRow is the column mapping for invoice_log. Timestamps are stored as
// RFC 3339 UTC text so a date prefix selects a calendar day.
type sqliteRow struct {
	DedupKey      string `db:"dedup_key"`
	MessageID     string `db:"message_id"`
	ReceivedAt    string `db:"received_at"`
	SenderName    string `db:"sender_name"`
	SenderAddress string `db:"sender_address"`
	Subject       string `db:"subject"`
	Filename      string `db:"filename"`
	Size          int64  `db:"size"`
	ContentType   string `db:"content_type"`
	Extension     string `db:"extension"`
	GCSURL        string `db:"gcs_url"`
	GCSPath       string `db:"gcs_path"`
	ProcessedAt   string `db:"processed_at"`
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One writer at a time; concurrent pipeline goroutines queue here.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating invoice_log: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Insert writes records in one transaction, ignoring known dedup keys.
func (s *SQLite) Insert(ctx context.Context, records []models.InsertionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT OR IGNORE INTO invoice_log (
			dedup_key, message_id, received_at, sender_name, sender_address, subject,
			filename, size, content_type, extension, gcs_url, gcs_path, processed_at
		) VALUES (
			:dedup_key, :message_id, :received_at, :sender_name, :sender_address, :subject,
			:filename, :size, :content_type, :extension, :gcs_url, :gcs_path, :processed_at
		)`

	for _, r := range records {
		if _, err := tx.NamedExecContext(ctx, query, toSQLiteRow(r)); err != nil {
			return fmt.Errorf("inserting %s: %w", r.DedupKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert: %w", err)
	}
	return nil
}

// CountProcessed counts records processed on day (UTC).
func (s *SQLite) CountProcessed(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM invoice_log WHERE substr(processed_at, 1, 10) = ?", dayString(day))
	if err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}

// Records returns every row for messageID, oldest first.
func (s *SQLite) Records(ctx context.Context, messageID string) ([]models.InsertionRecord, error) {
	var rows []sqliteRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM invoice_log WHERE message_id = ? ORDER BY processed_at, dedup_key", messageID)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}

	out := make([]models.InsertionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromSQLiteRow(r))
	}
	return out, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func toSQLiteRow(r models.InsertionRecord) sqliteRow {
	return sqliteRow{
		DedupKey:      r.DedupKey,
		MessageID:     r.MessageID,
		ReceivedAt:    r.ReceivedAt.UTC().Format(time.RFC3339),
		SenderName:    r.SenderName,
		SenderAddress: r.SenderAddress,
		Subject:       r.Subject,
		Filename:      r.Filename,
		Size:          r.Size,
		ContentType:   r.ContentType,
		Extension:     r.Extension,
		GCSURL:        r.StorageURL,
		GCSPath:       r.StoragePath,
		ProcessedAt:   r.ProcessedAt.UTC().Format(time.RFC3339),
	}
}

func fromSQLiteRow(r sqliteRow) models.InsertionRecord {
	received, _ := time.Parse(time.RFC3339, r.ReceivedAt)
	processed, _ := time.Parse(time.RFC3339, r.ProcessedAt)
	return models.InsertionRecord{
		DedupKey:      r.DedupKey,
		MessageID:     r.MessageID,
		ReceivedAt:    received,
		SenderName:    r.SenderName,
		SenderAddress: r.SenderAddress,
		Subject:       r.Subject,
		Filename:      r.Filename,
		Size:          r.Size,
		ContentType:   r.ContentType,
		Extension:     r.Extension,
		StorageURL:    r.GCSURL,
		StoragePath:   r.GCSPath,
		ProcessedAt:   processed,
	}
}
