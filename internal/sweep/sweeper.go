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

// Package sweep claims eligible items and hands each one to the pipeline
// in the background. It is the dispatch step behind the push webhook, the
// periodic safety-net loop and the one-shot CLI.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/invoicearchive/internal/pipeline"
)

// DefaultProcessTimeout bounds the work on one item.
const DefaultProcessTimeout = 5 * time.Minute

// Claimer returns the item IDs this caller now owns.
type Claimer interface {
	ClaimEligible(ctx context.Context) []string
}

// Processor archives one claimed item.
type Processor interface {
	Process(ctx context.Context, id string) pipeline.Result
}

// Config holds the sweeper dependencies.
type Config struct {
	Claimer        Claimer
	Processor      Processor
	Interval       time.Duration // periodic sweep; 0 disables
	ProcessTimeout time.Duration
}

// Sweeper runs claim rounds and tracks in-flight items.
type Sweeper struct {
	claimer   Claimer
	processor Processor
	interval  time.Duration
	timeout   time.Duration

	mu       sync.Mutex
	stopping bool
	inflight sync.WaitGroup

	cancel context.CancelFunc
	loop   sync.WaitGroup
}

// New creates a sweeper.
func New(cfg Config) *Sweeper {
	timeout := cfg.ProcessTimeout
	if timeout <= 0 {
		timeout = DefaultProcessTimeout
	}
	return &Sweeper{
		claimer:   cfg.Claimer,
		processor: cfg.Processor,
		interval:  cfg.Interval,
		timeout:   timeout,
	}
}

// Sweep claims a batch and starts processing each item in its own
// goroutine. It returns the number of items claimed without waiting for
// them. Item work is detached from ctx so that acknowledging the trigger
// does not cancel it. After Stop, Sweep claims nothing and returns 0.
func (s *Sweeper) Sweep(ctx context.Context) int {
	log := slog.With("sweep_id", uuid.New().String())

	// Held across the claim so Stop cannot start waiting between claiming
	// and dispatching.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		log.Info("sweeper stopping, ignoring trigger")
		return 0
	}

	ids := s.claimer.ClaimEligible(ctx)
	if len(ids) == 0 {
		log.Debug("sweep found nothing to claim")
		return 0
	}

	detached := context.WithoutCancel(ctx)
	for _, id := range ids {
		s.inflight.Add(1)
		go func(id string) {
			defer s.inflight.Done()
			s.process(detached, id)
		}(id)
	}

	log.Info("sweep dispatched items", "claimed", len(ids), "message_ids", ids)
	return len(ids)
}

// RunOnce claims a batch, processes it concurrently and waits for every
// item. Results are in claim order.
func (s *Sweeper) RunOnce(ctx context.Context) []pipeline.Result {
	ids := s.claimer.ClaimEligible(ctx)
	results := make([]pipeline.Result, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = s.process(ctx, id)
		}(i, id)
	}
	wg.Wait()
	return results
}

func (s *Sweeper) process(ctx context.Context, id string) pipeline.Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.processor.Process(ctx, id)
}

// Wait blocks until every item dispatched by Sweep has finished.
func (s *Sweeper) Wait() {
	s.inflight.Wait()
}

// StartPeriodic runs a sweep every interval as a safety net for missed
// push notifications.
func (s *Sweeper) StartPeriodic(ctx context.Context) {
	if s.interval <= 0 {
		slog.Info("periodic sweep disabled")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loop.Add(1)

	go func() {
		defer s.loop.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(loopCtx)
			}
		}
	}()

	slog.Info("periodic sweep started", "interval", s.interval)
}

// Stop ends the periodic loop, refuses further sweeps and waits for
// in-flight items.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.loop.Wait()
	s.inflight.Wait()
}
