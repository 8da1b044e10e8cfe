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
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bcem/invoicearchive/internal/models"
)

// BigQuery streams records into a table addressed as project.dataset.table.
type BigQuery struct {
	client   *bigquery.Client
	inserter *bigquery.Inserter
	tableID  string
}

// NewBigQuery opens a client for the project that owns tableID.
func NewBigQuery(ctx context.Context, tableID string, opts ...option.ClientOption) (*BigQuery, error) {
	project, dataset, table, err := splitTableID(tableID)
	if err != nil {
		return nil, err
	}

	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}

	return &BigQuery{
		client:   client,
		inserter: client.Dataset(dataset).Table(table).Inserter(),
		tableID:  tableID,
	}, nil
}

// row adapts an InsertionRecord to the streaming insert API. The dedup key
// becomes the insert ID so BigQuery drops retried rows.
type row models.InsertionRecord

func (r row) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"message_id":     r.MessageID,
		"received_at":    r.ReceivedAt,
		"sender_name":    r.SenderName,
		"sender_address": r.SenderAddress,
		"subject":        r.Subject,
		"filename":       r.Filename,
		"size":           r.Size,
		"content_type":   r.ContentType,
		"extension":      r.Extension,
		"gcs_url":        r.StorageURL,
		"gcs_path":       r.StoragePath,
		"processed_at":   r.ProcessedAt,
	}, r.DedupKey, nil
}

// Insert streams records. Per-row failures come back as one error that
// lists every rejected row.
func (b *BigQuery) Insert(ctx context.Context, records []models.InsertionRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]row, len(records))
	for i, r := range records {
		rows[i] = row(r)
	}

	err := b.inserter.Put(ctx, rows)
	var multi bigquery.PutMultiError
	if errors.As(err, &multi) {
		msgs := make([]string, 0, len(multi))
		for _, rowErr := range multi {
			msgs = append(msgs, fmt.Sprintf("row %d (%s): %v", rowErr.RowIndex, rowErr.InsertID, rowErr.Errors))
		}
		return fmt.Errorf("insert into %s: %s", b.tableID, strings.Join(msgs, "; "))
	}
	if err != nil {
		return fmt.Errorf("insert into %s: %w", b.tableID, err)
	}
	return nil
}

// CountProcessed counts records whose processed_at falls on day (UTC).
func (b *BigQuery) CountProcessed(ctx context.Context, day time.Time) (int, error) {
	q := b.client.Query(fmt.Sprintf(
		"SELECT COUNT(*) AS count FROM `%s` WHERE DATE(processed_at) = CAST(@day AS DATE)", b.tableID))
	q.Parameters = []bigquery.QueryParameter{{Name: "day", Value: dayString(day)}}

	it, err := q.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}

	var result struct {
		Count int64 `bigquery:"count"`
	}
	err = it.Next(&result)
	if err == iterator.Done {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read count: %w", err)
	}
	return int(result.Count), nil
}

// Close releases the client.
func (b *BigQuery) Close() error {
	return b.client.Close()
}

func splitTableID(tableID string) (project, dataset, table string, err error) {
	parts := strings.Split(tableID, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("table id %q: want project.dataset.table", tableID)
	}
	return parts[0], parts[1], parts[2], nil
}
