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

// Package warehouse records one row per archived attachment in an
// analytics store. Every backend treats InsertionRecord.DedupKey as an
// idempotency key: writing the same record twice leaves one row.
package warehouse

import (
	"context"
	"time"

	"github.com/bcem/invoicearchive/internal/models"
)

// Warehouse is implemented by BigQuery, Postgres and SQLite.
type Warehouse interface {
	Insert(ctx context.Context, records []models.InsertionRecord) error
	CountProcessed(ctx context.Context, day time.Time) (int, error)
	Close() error
}

// dayString formats the calendar date of day, in day's own location. The
// count queries compare it against the UTC date of processed_at.
func dayString(day time.Time) string {
	return day.Format(time.DateOnly)
}
