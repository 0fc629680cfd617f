package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/randalmurphal/beacon/pkg/beacon/policy"
	"github.com/randalmurphal/beacon/pkg/beacon/visitor"
)

// Defaults for settings that have no owning package constant.
const (
	DefaultFlushSchedule   = "@every 30s"
	DefaultMaxRecordAge    = 7 * 24 * time.Hour
	DefaultDedupeWindow    = 5 * time.Minute
	DefaultDedupeSize      = 1024
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
)

// Settings is the resolved pipeline configuration.
//
// File layout:
//
//	account: acme
//	profile: main
//	data_dir: /var/lib/beacon
//	collector:
//	  endpoint: https://collect.example.com/v1/batch
//	  gzip: true
//	  rate_limit: 5
//	  rate_burst: 10
//	  breaker_failures: 5
//	  breaker_timeout: 30s
//	batch:
//	  size: 10
//	  max_queue_size: 100
//	  flush_schedule: "@every 30s"
//	  max_record_age: 168h
//	  dedupe_window: 5m
//	visitor:
//	  url_template: https://profiles.example.com/{{account}}/{{profile}}/{{visitorId}}
//	  refresh_interval: 300s
//	  backoff_base: 750ms
//	  max_attempts: 5
type Settings struct {
	Account string
	Profile string
	DataDir string

	Endpoint        string
	Gzip            bool
	RateLimit       float64
	RateBurst       int
	BreakerFailures int
	BreakerTimeout  time.Duration

	BatchSize     int
	MaxQueueSize  int
	FlushSchedule string
	MaxRecordAge  time.Duration
	DedupeWindow  time.Duration
	DedupeSize    int

	VisitorURLTemplate string
	RefreshInterval    time.Duration
	BackoffBase        time.Duration
	MaxAttempts        int
}

// DefaultSettings returns settings with every default applied.
func DefaultSettings() Settings {
	return SettingsFrom(New(nil))
}

// SettingsFrom resolves settings from a config, applying defaults for
// missing keys.
func SettingsFrom(c Config) Settings {
	collector := c.Sub("collector")
	batch := c.Sub("batch")
	vis := c.Sub("visitor")

	return Settings{
		Account: c.String("account", ""),
		Profile: c.String("profile", ""),
		DataDir: c.String("data_dir", ""),

		Endpoint:        collector.String("endpoint", ""),
		Gzip:            collector.Bool("gzip", false),
		RateLimit:       collector.Float("rate_limit", 0),
		RateBurst:       collector.Int("rate_burst", 1),
		BreakerFailures: collector.Int("breaker_failures", DefaultBreakerFailures),
		BreakerTimeout:  collector.Duration("breaker_timeout", DefaultBreakerTimeout),

		BatchSize:     batch.Int("size", policy.DefaultBatchSize),
		MaxQueueSize:  batch.Int("max_queue_size", policy.DefaultMaxQueueSize),
		FlushSchedule: batch.String("flush_schedule", DefaultFlushSchedule),
		MaxRecordAge:  batch.Duration("max_record_age", DefaultMaxRecordAge),
		DedupeWindow:  batch.Duration("dedupe_window", DefaultDedupeWindow),
		DedupeSize:    batch.Int("dedupe_size", DefaultDedupeSize),

		VisitorURLTemplate: vis.String("url_template", visitor.DefaultURLTemplate),
		RefreshInterval:    vis.Duration("refresh_interval", visitor.DefaultRefreshInterval),
		BackoffBase:        vis.Duration("backoff_base", visitor.DefaultBackoffBase),
		MaxAttempts:        vis.Int("max_attempts", visitor.DefaultMaxAttempts),
	}
}

// Policy returns the batching thresholds.
func (s Settings) Policy() policy.Settings {
	return policy.Settings{BatchSize: s.BatchSize, MaxQueueSize: s.MaxQueueSize}
}

// Validate reports every invalid value at once.
func (s Settings) Validate() error {
	var errs []error
	if err := s.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.FlushSchedule != "" {
		if _, err := cron.ParseStandard(s.FlushSchedule); err != nil {
			errs = append(errs, fmt.Errorf("flush schedule %q: %w", s.FlushSchedule, err))
		}
	}
	if s.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %v", s.RateLimit))
	}
	if s.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker failures must not be negative, got %d", s.BreakerFailures))
	}
	if s.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max attempts must be positive, got %d", s.MaxAttempts))
	}
	if s.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("refresh interval must be positive, got %s", s.RefreshInterval))
	}
	return errors.Join(errs...)
}
