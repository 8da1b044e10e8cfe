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

// Package app wires configuration into the running components shared by
// the server and the one-shot commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/invoicearchive/internal/alert"
	"github.com/bcem/invoicearchive/internal/claim"
	"github.com/bcem/invoicearchive/internal/config"
	"github.com/bcem/invoicearchive/internal/dedup"
	"github.com/bcem/invoicearchive/internal/filter"
	"github.com/bcem/invoicearchive/internal/gmail"
	"github.com/bcem/invoicearchive/internal/monitor"
	"github.com/bcem/invoicearchive/internal/pipeline"
	"github.com/bcem/invoicearchive/internal/queue"
	"github.com/bcem/invoicearchive/internal/report"
	"github.com/bcem/invoicearchive/internal/storage"
	"github.com/bcem/invoicearchive/internal/sweep"
	"github.com/bcem/invoicearchive/internal/warehouse"
	"github.com/bcem/invoicearchive/internal/watch"
)

// App holds the wired components. Redis, PushFilter, Publisher and Renewer
// are nil when not configured.
type App struct {
	Config    *config.Config
	Gmail     *gmail.Client
	Storage   pipeline.Storage
	Warehouse warehouse.Warehouse
	Slack     *alert.Slack
	Monitor   *monitor.Monitor
	Processor *pipeline.Processor
	Ledger    *claim.LabelLedger
	Locker    *claim.Locker
	Sweeper   *sweep.Sweeper
	Reporter  *report.Reporter
	Renewer   *watch.Renewer

	Redis      *redis.Client
	PushFilter *dedup.Filter
	Publisher  *queue.Publisher

	closers []func() error
}

// SetupLogging installs the JSON log handler at level.
func SetupLogging(level slog.Level) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

// New connects every backend named in cfg. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.Slack = alert.NewSlack(cfg.SlackWebhookURL)

	// --- Gmail ---
	svc, err := gmail.NewService(ctx, gmail.Credentials{
		ClientID:     cfg.Gmail.ClientID,
		ClientSecret: cfg.Gmail.ClientSecret,
		RefreshToken: cfg.Gmail.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	a.Gmail = gmail.NewClient(svc)
	a.Gmail.OnAuthFailure(func(authErr error) {
		if err := a.Slack.Send(context.Background(),
			fmt.Sprintf("Gmail API auth failure: %v", authErr), alert.SeverityError); err != nil {
			slog.Error("failed to send auth failure alert", "error", err)
		}
	})

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.openWarehouse(ctx); err != nil {
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		return nil, err
	}

	// --- Monitor ---
	a.Monitor = monitor.New(monitor.Config{
		Threshold:  cfg.Monitor.Threshold,
		Window:     cfg.Monitor.Window,
		Cooldown:   cfg.Monitor.Cooldown,
		MinSamples: cfg.Monitor.MinSamples,
		ProjectID:  cfg.ProjectID,
		ErrorLabel: cfg.Labels.Error,
	}, a.Slack)

	// --- Pipeline ---
	a.Processor = pipeline.New(pipeline.Config{
		ProcessedLabel: cfg.Labels.Processed,
		ErrorLabel:     cfg.Labels.Error,
		Bucket:         cfg.Storage.Bucket,
		Location:       cfg.Location,
	}, a.Gmail, a.Storage, a.Warehouse, filter.NewPolicy(cfg.AllowedDomains, cfg.SubjectWords), a.Monitor)
	if a.Publisher != nil {
		a.Processor.SetPublisher(a.Publisher)
	}

	// --- Claiming ---
	var guard claim.Guard
	if a.Redis != nil {
		guard = dedup.NewClaimGuard(a.Redis)
	}
	a.Ledger = claim.NewLabelLedger(a.Gmail, claim.Labels{
		Target:    cfg.Labels.Target,
		Processed: cfg.Labels.Processed,
		Error:     cfg.Labels.Error,
	}, guard)
	a.Locker = claim.NewLocker(a.Ledger, cfg.ClaimBatch)

	a.Sweeper = sweep.New(sweep.Config{
		Claimer:        a.Locker,
		Processor:      a.Processor,
		Interval:       cfg.SweepInterval,
		ProcessTimeout: cfg.ProcessTimeout,
	})

	a.Reporter = report.New(report.Config{
		Warehouse:  a.Warehouse,
		Mailbox:    a.Gmail,
		Notifier:   a.Slack,
		ErrorLabel: cfg.Labels.Error,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
	})

	if cfg.Gmail.WatchTopic != "" {
		a.Renewer = watch.NewRenewer(watch.Config{
			Mailbox:     a.Gmail,
			Topic:       cfg.Gmail.WatchTopic,
			TargetLabel: cfg.Labels.Target,
			Interval:    cfg.Gmail.WatchInterval,
		})
	}

	slog.Info("components ready",
		"env", cfg.Env,
		"storage", cfg.Storage.Backend,
		"warehouse", cfg.Warehouse.Backend,
		"redis", a.Redis != nil,
		"watch", a.Renewer != nil,
	)
	ok = true
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config.Storage
	switch cfg.Backend {
	case config.StorageLocal:
		l, err := storage.NewLocal(cfg.LocalDir)
		if err != nil {
			return fmt.Errorf("local storage: %w", err)
		}
		a.Storage = l
	default:
		g, err := storage.NewGCS(ctx)
		if err != nil {
			return fmt.Errorf("gcs storage: %w", err)
		}
		a.Storage = g
		a.closers = append(a.closers, g.Close)
	}
	return nil
}

func (a *App) openWarehouse(ctx context.Context) error {
	cfg := a.Config.Warehouse
	var (
		wh  warehouse.Warehouse
		err error
	)
	switch cfg.Backend {
	case config.WarehouseSQLite:
		wh, err = warehouse.NewSQLite(cfg.SQLitePath)
	case config.WarehousePostgres:
		wh, err = warehouse.NewPostgres(ctx, cfg.DatabaseURL)
	default:
		wh, err = warehouse.NewBigQuery(ctx, cfg.Table)
	}
	if err != nil {
		return fmt.Errorf("%s warehouse: %w", cfg.Backend, err)
	}
	a.Warehouse = wh
	a.closers = append(a.closers, wh.Close)
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	if a.Config.Redis.URL == "" {
		return nil
	}
	opt, err := redis.ParseURL(a.Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	a.closers = append(a.closers, rdb.Close)

	pub := queue.NewPublisher(rdb, a.Config.Redis.EventsQueue)
	if err := pub.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	slog.Info("connected to Redis")

	a.Redis = rdb
	a.Publisher = pub
	a.PushFilter = dedup.NewFilter(rdb)
	return nil
}

// Close releases backend connections. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
