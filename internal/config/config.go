// Copyright 2025 Tom Barlow
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

// Package config loads the engine's runtime configuration: snapshot and
// truncation cadence, the default activity retry policy, reader/delay
// polling intervals, and the connection strings for the store, cache, and
// wakeup channel backends.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/doomervibe/fleuve/internal/log"
	"github.com/doomervibe/fleuve/pkg/ferrors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// RetryStrategy selects the backoff curve an activity's retry policy uses.
type RetryStrategy string

const (
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetryPolicy configures how the Activity Executor backs off between
// attempts at the same event. See spec §4.6.
type RetryPolicy struct {
	// MaxRetries is the number of retries permitted after the first
	// attempt; exceeding it moves the Activity Record to status=failed.
	MaxRetries int `yaml:"max_retries"`

	// Strategy selects linear or exponential backoff.
	Strategy RetryStrategy `yaml:"strategy"`

	// Factor multiplies Min on each attempt (exponential) or is added
	// once per attempt (linear).
	Factor float64 `yaml:"factor"`

	// Min is the smallest backoff duration.
	Min time.Duration `yaml:"min"`

	// Max is the largest backoff duration; the computed delay is clamped
	// to this ceiling.
	Max time.Duration `yaml:"max"`

	// Jitter is a fraction in [0,1] of uniform random variance applied to
	// the computed delay.
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryPolicy is used by adapters that do not specify their own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Strategy:   RetryExponential,
		Factor:     2.0,
		Min:        time.Second,
		Max:        5 * time.Minute,
		Jitter:     0.2,
	}
}

// Config is the complete engine configuration.
type Config struct {
	Log LogConfig `yaml:"log"`

	// SnapshotInterval is the number of events (domain and system) between snapshots;
	// 0 disables snapshotting entirely.
	SnapshotInterval int `yaml:"snapshot_interval"`

	EnableTruncation        bool          `yaml:"enable_truncation"`
	TruncationMinRetention  time.Duration `yaml:"truncation_min_retention"`
	TruncationBatchSize     int           `yaml:"truncation_batch_size"`
	TruncationCheckInterval time.Duration `yaml:"truncation_check_interval"`

	RetryPolicy RetryPolicy `yaml:"retry_policy"`

	ReaderPollInterval time.Duration `yaml:"reader_poll_interval"`
	ReaderBatchSize    int           `yaml:"reader_batch_size"`

	DelayPollInterval time.Duration `yaml:"delay_poll_interval"`

	// EnableTracing emits spans at the Repository, Reader, Executor, and
	// Delay Scheduler boundaries; a no-op when the tracer is absent.
	EnableTracing bool `yaml:"enable_tracing"`

	// DatabaseURL selects the Event Store backend by scheme
	// (sqlite:// or postgres://). Environment: DATABASE_URL.
	DatabaseURL string `yaml:"database_url,omitempty"`

	// NATSURL enables the reader wakeup channel when set; absent means
	// pure polling. Environment: NATS_URL.
	NATSURL string `yaml:"nats_url,omitempty"`

	// RedisURL selects the redis-backed State Cache when set; absent
	// means an in-process cache. Environment: REDIS_URL.
	RedisURL string `yaml:"redis_url,omitempty"`
}

// LogConfig configures logging behavior, mirroring internal/log.Config.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns a Config with sensible defaults for local development
// against the sqlite Event Store.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		SnapshotInterval:        100,
		EnableTruncation:        true,
		TruncationMinRetention:  24 * time.Hour,
		TruncationBatchSize:     500,
		TruncationCheckInterval: 5 * time.Minute,
		RetryPolicy:             DefaultRetryPolicy(),
		ReaderPollInterval:      500 * time.Millisecond,
		ReaderBatchSize:         100,
		DelayPollInterval:       time.Second,
		EnableTracing:           false,
		DatabaseURL:             "sqlite://fleuve.db",
	}
}

// Load loads configuration from environment variables and, optionally, a
// YAML file. Environment variables take precedence over file-based values.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &ferrors.ConfigurationError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &ferrors.ConfigurationError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("FLEUVE_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	} else if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_SOURCE"); v != "" {
		c.Log.AddSource = v == "1" || strings.ToLower(v) == "true"
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATSURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}

	if v := os.Getenv("FLEUVE_SNAPSHOT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SnapshotInterval = n
		}
	}
	if v := os.Getenv("FLEUVE_ENABLE_TRUNCATION"); v != "" {
		c.EnableTruncation = v == "1" || strings.ToLower(v) == "true"
	}
	if v := os.Getenv("FLEUVE_ENABLE_TRACING"); v != "" {
		c.EnableTracing = v == "1" || strings.ToLower(v) == "true"
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.SnapshotInterval < 0 {
		errs = append(errs, "snapshot_interval must be >= 0")
	}
	if c.EnableTruncation && c.TruncationBatchSize <= 0 {
		errs = append(errs, "truncation_batch_size must be positive when enable_truncation is true")
	}
	if c.RetryPolicy.MaxRetries < 0 {
		errs = append(errs, "retry_policy.max_retries must be >= 0")
	}
	switch c.RetryPolicy.Strategy {
	case RetryLinear, RetryExponential:
	default:
		errs = append(errs, fmt.Sprintf("retry_policy.strategy must be one of [linear, exponential], got %q", c.RetryPolicy.Strategy))
	}
	if c.RetryPolicy.Jitter < 0 || c.RetryPolicy.Jitter > 1 {
		errs = append(errs, "retry_policy.jitter must be between 0.0 and 1.0")
	}
	if c.ReaderBatchSize <= 0 {
		errs = append(errs, "reader_batch_size must be positive")
	}
	if c.DatabaseURL == "" {
		errs = append(errs, "database_url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// LoggerConfig converts the configuration's logging section into an
// internal/log.Config ready for internal/log.New.
func (c *Config) LoggerConfig() *log.Config {
	return &log.Config{
		Level:  c.Log.Level,
		Format: log.Format(c.Log.Format),
		Output: os.Stderr,
	}
}
