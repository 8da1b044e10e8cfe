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

// Package config loads configuration from config.yaml, a .env file and
// environment variables. Environment variables win over the YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvLocal      = "local"
	EnvProduction = "production"

	StorageGCS   = "gcs"
	StorageLocal = "local"

	WarehouseBigQuery = "bigquery"
	WarehousePostgres = "postgres"
	WarehouseSQLite   = "sqlite"

	defaultConfigPath = "config.yaml"
)

// Labels names the Gmail state labels.
type Labels struct {
	Target    string
	Processed string
	Error     string
}

// GmailConfig holds mail credentials and push settings.
type GmailConfig struct {
	ClientID      string
	ClientSecret  string
	RefreshToken  string
	WatchTopic    string
	WatchInterval time.Duration // 0 disables in-process renewal
}

// StorageConfig selects where attachment bytes go.
type StorageConfig struct {
	Backend  string
	Bucket   string
	LocalDir string
}

// WarehouseConfig selects where insertion records go.
type WarehouseConfig struct {
	Backend     string
	Table       string
	DatabaseURL string
	SQLitePath  string
}

// RedisConfig enables notification dedup, the claim guard and archived
// events. An empty URL disables all three.
type RedisConfig struct {
	URL         string
	EventsQueue string
}

// MonitorConfig holds the error-rate alert thresholds.
type MonitorConfig struct {
	Threshold  float64
	Window     time.Duration
	Cooldown   time.Duration
	MinSamples int
}

// Config holds all configuration for the archiver.
type Config struct {
	Env       string
	ProjectID string

	Labels         Labels
	AllowedDomains []string
	SubjectWords   []string

	Gmail     GmailConfig
	Storage   StorageConfig
	Warehouse WarehouseConfig
	Redis     RedisConfig

	SlackWebhookURL string
	Monitor         MonitorConfig

	ClaimBatch     int
	SweepInterval  time.Duration
	ProcessTimeout time.Duration
	Location       *time.Location

	Port     int
	LogLevel slog.Level
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Env       string `yaml:"env"`
	ProjectID string `yaml:"project_id"`
	TimeZone  string `yaml:"time_zone"`
	LogLevel  string `yaml:"log_level"`
	Port      int    `yaml:"port"`

	Labels struct {
		Target    string `yaml:"target"`
		Processed string `yaml:"processed"`
		Error     string `yaml:"error"`
	} `yaml:"labels"`

	Filter struct {
		Domains  []string `yaml:"domains"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"filter"`

	Gmail struct {
		ClientID      string `yaml:"client_id"`
		ClientSecret  string `yaml:"client_secret"`
		RefreshToken  string `yaml:"refresh_token"`
		WatchTopic    string `yaml:"watch_topic"`
		WatchInterval string `yaml:"watch_interval"`
	} `yaml:"gmail"`

	Storage struct {
		Backend  string `yaml:"backend"`
		Bucket   string `yaml:"bucket"`
		LocalDir string `yaml:"local_dir"`
	} `yaml:"storage"`

	Warehouse struct {
		Backend     string `yaml:"backend"`
		Table       string `yaml:"table"`
		DatabaseURL string `yaml:"database_url"`
		SQLitePath  string `yaml:"sqlite_path"`
	} `yaml:"warehouse"`

	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Archived string `yaml:"archived"`
		} `yaml:"queues"`
	} `yaml:"redis"`

	Slack struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"slack"`

	Monitor struct {
		Threshold  float64 `yaml:"threshold"`
		Window     string  `yaml:"window"`
		Cooldown   string  `yaml:"cooldown"`
		MinSamples int     `yaml:"min_samples"`
	} `yaml:"monitor"`

	Claim struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"claim"`

	Sweep struct {
		Interval       string `yaml:"interval"`
		ProcessTimeout string `yaml:"process_timeout"`
	} `yaml:"sweep"`
}

// Load reads .env (if present), then the YAML file named by CONFIG_PATH
// (default config.yaml, optional), then environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	raw, err := readFile(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return nil, err
	}
	return build(raw)
}

// readFile parses the YAML file at path. An empty path means the default
// file, which may be absent.
func readFile(path string) (*rawConfig, error) {
	optional := path == ""
	if optional {
		path = defaultConfigPath
	}

	var raw rawConfig
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && optional {
		return &raw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	return &raw, nil
}

func build(raw *rawConfig) (*Config, error) {
	env := strings.ToLower(firstNonEmpty(os.Getenv("APP_ENV"), raw.Env, EnvProduction))
	project := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), raw.ProjectID)

	cfg := &Config{
		Env:       env,
		ProjectID: project,
		Labels: Labels{
			Target:    firstNonEmpty(os.Getenv("TARGET_LABEL"), raw.Labels.Target, "TARGET"),
			Processed: firstNonEmpty(os.Getenv("PROCESSED_LABEL_NAME"), raw.Labels.Processed, "INVOICE_PROCESSED"),
			Error:     firstNonEmpty(os.Getenv("ERROR_LABEL_NAME"), raw.Labels.Error, "INVOICE_ERROR"),
		},
		AllowedDomains: listOrDefault("ALLOWED_DOMAINS", raw.Filter.Domains),
		SubjectWords:   listOrDefault("SUBJECT_KEYWORDS", raw.Filter.Keywords),
		Gmail: GmailConfig{
			ClientID:     firstNonEmpty(os.Getenv("GMAIL_CLIENT_ID"), raw.Gmail.ClientID),
			ClientSecret: firstNonEmpty(os.Getenv("GMAIL_CLIENT_SECRET"), raw.Gmail.ClientSecret),
			RefreshToken: firstNonEmpty(os.Getenv("GMAIL_REFRESH_TOKEN"), raw.Gmail.RefreshToken),
			WatchTopic:   firstNonEmpty(os.Getenv("WATCH_TOPIC"), raw.Gmail.WatchTopic),
		},
		Storage: StorageConfig{
			Backend:  strings.ToLower(firstNonEmpty(os.Getenv("STORAGE_BACKEND"), raw.Storage.Backend)),
			Bucket:   firstNonEmpty(os.Getenv("BUCKET_NAME"), raw.Storage.Bucket),
			LocalDir: firstNonEmpty(os.Getenv("LOCAL_STORAGE_DIR"), raw.Storage.LocalDir, "local_storage"),
		},
		Warehouse: WarehouseConfig{
			Backend:     strings.ToLower(firstNonEmpty(os.Getenv("WAREHOUSE_BACKEND"), raw.Warehouse.Backend)),
			Table:       firstNonEmpty(os.Getenv("BQ_TABLE_ID"), raw.Warehouse.Table),
			DatabaseURL: firstNonEmpty(os.Getenv("DATABASE_URL"), raw.Warehouse.DatabaseURL),
			SQLitePath:  firstNonEmpty(os.Getenv("SQLITE_PATH"), raw.Warehouse.SQLitePath, "local_warehouse.db"),
		},
		Redis: RedisConfig{
			URL:         firstNonEmpty(os.Getenv("REDIS_URL"), raw.Redis.URL),
			EventsQueue: firstNonEmpty(os.Getenv("ARCHIVED_QUEUE"), raw.Redis.Queues.Archived, "invoice:archived"),
		},
		SlackWebhookURL: firstNonEmpty(os.Getenv("SLACK_WEBHOOK_URL"), raw.Slack.WebhookURL),
		Monitor: MonitorConfig{
			Threshold:  envOrDefaultFloat("ERROR_RATE_THRESHOLD", orFloat(raw.Monitor.Threshold, 0.05)),
			MinSamples: envOrDefaultInt("ERROR_MIN_SAMPLES", orInt(raw.Monitor.MinSamples, 10)),
		},
		ClaimBatch: envOrDefaultInt("CLAIM_BATCH_SIZE", orInt(raw.Claim.BatchSize, 10)),
		Port:       envOrDefaultInt("PORT", orInt(raw.Port, 8080)),
	}

	var err error
	durations := []struct {
		dst      *time.Duration
		env      string
		yaml     string
		fallback time.Duration
	}{
		{&cfg.Monitor.Window, "ERROR_WINDOW", raw.Monitor.Window, time.Hour},
		{&cfg.Monitor.Cooldown, "ALERT_COOLDOWN", raw.Monitor.Cooldown, time.Hour},
		{&cfg.SweepInterval, "SWEEP_INTERVAL", raw.Sweep.Interval, 5 * time.Minute},
		{&cfg.ProcessTimeout, "PROCESS_TIMEOUT", raw.Sweep.ProcessTimeout, 5 * time.Minute},
		{&cfg.Gmail.WatchInterval, "WATCH_INTERVAL", raw.Gmail.WatchInterval, 24 * time.Hour},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.env, d.yaml, d.fallback); err != nil {
			return nil, err
		}
	}

	tz := firstNonEmpty(os.Getenv("TIME_ZONE"), raw.TimeZone, "UTC")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("time zone %q: %w", tz, err)
	}

	level := firstNonEmpty(os.Getenv("LOG_LEVEL"), raw.LogLevel, "info")
	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills backend choices and resource names that depend on the
// environment and project.
func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageGCS
		if c.IsLocal() {
			c.Storage.Backend = StorageLocal
		}
	}
	if c.Warehouse.Backend == "" {
		c.Warehouse.Backend = WarehouseBigQuery
		if c.IsLocal() {
			c.Warehouse.Backend = WarehouseSQLite
		}
	}

	project := firstNonEmpty(c.ProjectID, "local")
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = fmt.Sprintf("invoice-archive-%s", project)
	}
	if c.Warehouse.Table == "" {
		c.Warehouse.Table = fmt.Sprintf("%s.invoice_data.invoice_log", project)
	}
	if c.Gmail.WatchTopic == "" && c.ProjectID != "" {
		c.Gmail.WatchTopic = fmt.Sprintf("projects/%s/topics/gmail-notification", c.ProjectID)
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case StorageGCS, StorageLocal:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Warehouse.Backend {
	case WarehouseBigQuery, WarehouseSQLite:
	case WarehousePostgres:
		if c.Warehouse.DatabaseURL == "" {
			return fmt.Errorf("warehouse backend postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown warehouse backend %q", c.Warehouse.Backend)
	}

	needsProject := !c.IsLocal() || c.Storage.Backend == StorageGCS || c.Warehouse.Backend == WarehouseBigQuery
	if needsProject && c.ProjectID == "" {
		return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required when APP_ENV=%s", c.Env)
	}
	if c.Monitor.Threshold <= 0 || c.Monitor.Threshold > 1 {
		return fmt.Errorf("error rate threshold %v out of range (0, 1]", c.Monitor.Threshold)
	}
	return nil
}

// IsLocal reports whether local emulation backends are the default.
func (c *Config) IsLocal() bool {
	return c.Env == EnvLocal
}

func parseDuration(envKey, yamlValue string, fallback time.Duration) (time.Duration, error) {
	v := firstNonEmpty(os.Getenv(envKey), yamlValue)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", envKey, err)
	}
	return d, nil
}

// listOrDefault splits a comma-separated env var, falling back to the YAML
// list. Blank entries are dropped.
func listOrDefault(key string, fallback []string) []string {
	src := fallback
	if v := os.Getenv(key); v != "" {
		src = strings.Split(v, ",")
	}
	var out []string
	for _, s := range src {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orFloat(v, fallback float64) float64 {
	if v != 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
