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

// Package claim turns a shared mailbox into an exclusive work queue.
//
// A Ledger lists items that nobody owns yet and claims them one at a time.
// The Locker runs one bounded claim round over any Ledger and returns only
// the items whose claim succeeded.
package claim

import (
	"context"
	"errors"
	"log/slog"
)

// DefaultBatchSize caps how many items a single claim round inspects.
const DefaultBatchSize = 10

// ErrAlreadyClaimed reports that another worker owns the item.
var ErrAlreadyClaimed = errors.New("item already claimed")

// Ledger is the minimal claim store: list unclaimed items, claim one.
type Ledger interface {
	ListUnclaimed(ctx context.Context, limit int) ([]string, error)
	TryClaim(ctx context.Context, id string) error
}

// Locker claims eligible items from a Ledger.
type Locker struct {
	ledger    Ledger
	batchSize int
}

// NewLocker creates a locker. A non-positive batch size uses DefaultBatchSize.
func NewLocker(ledger Ledger, batchSize int) *Locker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Locker{ledger: ledger, batchSize: batchSize}
}

// ClaimEligible returns the IDs this call now owns. It never returns an
// error: a failed listing yields nothing and a failed claim drops only that
// item.
func (l *Locker) ClaimEligible(ctx context.Context) []string {
	ids, err := l.ledger.ListUnclaimed(ctx, l.batchSize)
	if err != nil {
		slog.Error("failed to list unclaimed items", "error", err)
		return nil
	}
	if len(ids) == 0 {
		slog.Debug("no unclaimed items")
		return nil
	}

	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			slog.Warn("claim round cancelled", "claimed", len(claimed), "error", err)
			break
		}

		err := l.ledger.TryClaim(ctx, id)
		switch {
		case err == nil:
			claimed = append(claimed, id)
		case errors.Is(err, ErrAlreadyClaimed):
			slog.Debug("item claimed by another worker", "message_id", id)
		default:
			slog.Warn("failed to claim item", "message_id", id, "error", err)
		}
	}

	slog.Info("claim round complete",
		"candidates", len(ids),
		"claimed", len(claimed),
	)
	return claimed
}
