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

package claim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// UnreadLabel is cleared on claim so claimed mail stops showing as new.
const UnreadLabel = "UNREAD"

// Labels names the three state labels.
type Labels struct {
	Target    string
	Processed string
	Error     string
}

// LabelStore is the subset of the mail store the label ledger needs.
type LabelStore interface {
	ListItems(ctx context.Context, query string, max int64) ([]string, error)
	ModifyLabels(ctx context.Context, id string, add, remove []string) error
	ResolveLabel(ctx context.Context, name string) (string, error)
}

// Guard is a shared first-writer-wins key set, e.g. dedup.Filter.
type Guard interface {
	IsNew(ctx context.Context, key string) (bool, error)
}

// releaser is implemented by guards that can drop a key early.
type releaser interface {
	Forget(ctx context.Context, key string) error
}

// LabelLedger uses the mailbox's own labels as the claim record: an item
// is unclaimed while it carries TARGET without PROCESSED or ERROR.
type LabelLedger struct {
	store  LabelStore
	labels Labels
	guard  Guard
}

// NewLabelLedger builds a ledger over store. guard may be nil.
func NewLabelLedger(store LabelStore, labels Labels, guard Guard) *LabelLedger {
	return &LabelLedger{store: store, labels: labels, guard: guard}
}

// Query returns the mail search that selects unclaimed items.
func (l *LabelLedger) Query() string {
	return fmt.Sprintf("label:%s -label:%s -label:%s",
		searchName(l.labels.Target),
		searchName(l.labels.Processed),
		searchName(l.labels.Error),
	)
}

// ListUnclaimed returns up to limit unclaimed item IDs.
func (l *LabelLedger) ListUnclaimed(ctx context.Context, limit int) ([]string, error) {
	ids, err := l.store.ListItems(ctx, l.Query(), int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list unclaimed: %w", err)
	}
	return ids, nil
}

// TryClaim adds PROCESSED to the item. When a guard is configured it must
// be won first; losing it returns ErrAlreadyClaimed.
func (l *LabelLedger) TryClaim(ctx context.Context, id string) error {
	if l.guard != nil {
		won, err := l.guard.IsNew(ctx, id)
		switch {
		case err != nil:
			slog.Warn("claim guard unavailable, relying on label only",
				"message_id", id,
				"error", err,
			)
		case !won:
			return ErrAlreadyClaimed
		}
	}

	processedID, err := l.store.ResolveLabel(ctx, l.labels.Processed)
	if err != nil {
		l.release(ctx, id)
		return fmt.Errorf("resolve processed label: %w", err)
	}

	if err := l.store.ModifyLabels(ctx, id, []string{processedID}, []string{UnreadLabel}); err != nil {
		l.release(ctx, id)
		return fmt.Errorf("claim %s: %w", id, err)
	}
	return nil
}

// release drops the guard key after a failed mutation so the item stays
// claimable by the next round.
func (l *LabelLedger) release(ctx context.Context, id string) {
	r, ok := l.guard.(releaser)
	if !ok {
		return
	}
	if err := r.Forget(ctx, id); err != nil {
		slog.Warn("failed to release claim guard", "message_id", id, "error", err)
	}
}

// searchName formats a label name for the mail search syntax, which uses
// '-' in place of spaces.
func searchName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "-")
}
