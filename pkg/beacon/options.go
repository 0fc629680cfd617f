package beacon

import (
	"log/slog"

	"github.com/randalmurphal/beacon/pkg/beacon/config"
	"github.com/randalmurphal/beacon/pkg/beacon/observability"
	"github.com/randalmurphal/beacon/pkg/beacon/sender"
	"github.com/randalmurphal/beacon/pkg/beacon/store"
	"github.com/randalmurphal/beacon/pkg/beacon/visitor"
)

// pipelineConfig holds construction options.
type pipelineConfig struct {
	settings   config.Settings
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	store      store.Store
	transport  sender.Transport
	fetcher    visitor.Fetcher
	visitorID  func() string
	busBuffer  int
	visitorCfg func(*visitor.Config)
}

func defaultPipelineConfig() pipelineConfig {
	return pipelineConfig{
		settings: config.DefaultSettings(),
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
}

// Option configures a Pipeline.
type Option func(*pipelineConfig)

// WithSettings replaces the default settings.
//
// Example:
//
//	s, _ := config.LoadSettings("beacon.yaml")
//	p, err := beacon.New("main", beacon.WithSettings(s))
func WithSettings(s config.Settings) Option {
	return func(c *pipelineConfig) {
		c.settings = s
	}
}

// WithLogger sets the logger. It is enriched with the pipeline name.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *pipelineConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics.
//
// Example:
//
//	p, err := beacon.New("main", beacon.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *pipelineConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpans enables OpenTelemetry tracing.
func WithSpans(s observability.SpanManager) Option {
	return func(c *pipelineConfig) {
		if s != nil {
			c.spans = s
		}
	}
}

// WithStore sets the dispatch store. The pipeline takes ownership and
// closes it.
// Default: SQLite under Settings.DataDir with in-memory fallback, or an
// in-memory store when no data directory is set.
func WithStore(st store.Store) Option {
	return func(c *pipelineConfig) {
		c.store = st
	}
}

// WithTransport sets the batch transport.
// Default: an HTTPTransport built from the collector settings.
func WithTransport(t sender.Transport) Option {
	return func(c *pipelineConfig) {
		c.transport = t
	}
}

// WithFetcher sets the visitor profile source.
// Default: an HTTPFetcher when WithVisitorID is given, otherwise none.
func WithFetcher(f visitor.Fetcher) Option {
	return func(c *pipelineConfig) {
		c.fetcher = f
	}
}

// WithVisitorID supplies the visitor id for the default HTTPFetcher.
// It is read on every fetch.
func WithVisitorID(fn func() string) Option {
	return func(c *pipelineConfig) {
		c.visitorID = fn
	}
}

// WithBusBuffer selects asynchronous notification delivery with the
// given per-listener queue size. Default: 0 (synchronous).
func WithBusBuffer(n int) Option {
	return func(c *pipelineConfig) {
		if n >= 0 {
			c.busBuffer = n
		}
	}
}

// withVisitorConfig adjusts the coordinator config. Used by tests to
// inject a clock and a wait function.
func withVisitorConfig(fn func(*visitor.Config)) Option {
	return func(c *pipelineConfig) {
		c.visitorCfg = fn
	}
}
