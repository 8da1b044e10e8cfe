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

// Package dedup provides first-writer-wins key tracking using Redis SETNX
// with a TTL. It drops redelivered push notifications and guards item claims
// across service instances.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen notification ID is remembered.
	// Pub/Sub retries a push for at most a few hours.
	DefaultTTL = 24 * time.Hour

	// ClaimTTL bounds how long a claim guard outlives a crashed worker.
	ClaimTTL = 15 * time.Minute

	defaultPrefix = "invoice:seen:"

	// ClaimPrefix namespaces claim guard keys.
	ClaimPrefix = "invoice:claim:"
)

// Filter tracks which keys have already been seen.
type Filter struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewFilter creates a notification dedup filter backed by Redis.
func NewFilter(rdb redis.Cmdable) *Filter {
	return NewFilterWithPrefix(rdb, defaultPrefix, DefaultTTL)
}

// NewClaimGuard creates a filter for item claims.
func NewClaimGuard(rdb redis.Cmdable) *Filter {
	return NewFilterWithPrefix(rdb, ClaimPrefix, ClaimTTL)
}

// NewFilterWithPrefix creates a filter with its own key namespace and TTL.
func NewFilterWithPrefix(rdb redis.Cmdable, prefix string, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Key returns the Redis key used for id.
func (f *Filter) Key(id string) string {
	return fmt.Sprintf("%s%s", f.prefix, id)
}

// IsNew returns true if id has NOT been seen before.
// If true, id is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, id string) (bool, error) {
	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, f.Key(id), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget removes id so that it can be claimed or delivered again.
func (f *Filter) Forget(ctx context.Context, id string) error {
	if err := f.rdb.Del(ctx, f.Key(id)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
