// Package visitor keeps the cached visitor profile fresh.
//
// The Coordinator refetches the profile after batches are delivered,
// at most once per refresh interval, and retries stale or empty
// responses with a linear backoff. Only one refresh sequence runs at a
// time.
package visitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
	"github.com/randalmurphal/beacon/pkg/beacon/event"
	"github.com/randalmurphal/beacon/pkg/beacon/observability"
	"github.com/randalmurphal/beacon/pkg/beacon/profile"
)

// Defaults.
const (
	DefaultRefreshInterval = 300 * time.Second
	DefaultMaxAttempts     = 5
	DefaultBackoffBase     = 750 * time.Millisecond
)

// Config configures a Coordinator.
type Config struct {
	// RefreshInterval is the minimum time between due refreshes.
	// Default: DefaultRefreshInterval
	RefreshInterval time.Duration

	// MaxAttempts bounds one refresh sequence. Default: DefaultMaxAttempts
	MaxAttempts int

	// BackoffBase is multiplied by the attempt number to get the wait
	// after a failed attempt. Default: DefaultBackoffBase
	BackoffBase time.Duration

	// Cache persists the last good profile. Nil disables persistence.
	Cache *profile.FileCache

	// Bus receives ProfileUpdated and, when set, drives refreshes from
	// BatchSent notifications.
	Bus event.Bus

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager

	// Now and Wait replace the clock and the backoff sleep, for tests.
	Now  func() time.Time
	Wait func(ctx context.Context, d time.Duration) error
}

// Result describes one refresh request.
type Result struct {
	// NotDue is set when the refresh interval had not elapsed.
	NotDue bool

	// Skipped is set when another refresh sequence was in flight.
	Skipped bool

	// Updated reports whether a new profile was stored.
	Updated bool

	// Attempts is the number of fetches made.
	Attempts int

	// Err is the last attempt's failure when nothing was stored.
	Err error
}

// Coordinator owns the cached profile and its refresh sequence.
type Coordinator struct {
	fetcher Fetcher
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	current     atomic.Pointer[profile.Profile]
	lastSuccess atomic.Int64 // unix nanos, 0 = never
	updating    atomic.Bool

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	reg    event.Registration
}

// New creates a coordinator, loading the cached profile if one exists.
func New(fetcher Fetcher, cfg Config) *Coordinator {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Coordinator{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		spans:   cfg.Spans,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observability.NoopMetrics{}
	}
	if c.spans == nil {
		c.spans = observability.NoopSpanManager{}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.current.Store(&profile.Profile{})
	if cfg.Cache != nil {
		cached, err := cfg.Cache.Load()
		switch {
		case err != nil:
			c.logger.Debug("cached visitor profile unreadable", slog.String("error", err.Error()))
		case cached != nil:
			c.current.Store(cached)
		}
	}

	if cfg.Bus != nil {
		l, kind := event.OnBatchSent(func(context.Context, dispatch.Batch) {
			c.RequestIfDueAsync()
		})
		c.reg = cfg.Bus.Register(l, kind)
	}
	return c
}

// Profile returns the current profile. Never nil.
func (c *Coordinator) Profile() *profile.Profile {
	return c.current.Load()
}

// LastSuccess returns when the profile was last refreshed, zero if never.
func (c *Coordinator) LastSuccess() time.Time {
	ns := c.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Updating reports whether a refresh sequence is in flight.
func (c *Coordinator) Updating() bool {
	return c.updating.Load()
}

// Due reports whether the refresh interval has elapsed.
func (c *Coordinator) Due() bool {
	last := c.lastSuccess.Load()
	if last == 0 {
		return true
	}
	return c.cfg.Now().Sub(time.Unix(0, last)) >= c.cfg.RefreshInterval
}

// RequestIfDue refreshes only when the interval has elapsed.
func (c *Coordinator) RequestIfDue() Result {
	if !c.Due() {
		c.logger.Debug("visitor profile refresh interval not reached")
		return Result{NotDue: true}
	}
	return c.refresh("due")
}

// Request refreshes regardless of the interval.
func (c *Coordinator) Request() Result {
	return c.refresh("explicit")
}

// RequestIfDueAsync runs RequestIfDue on a tracked goroutine.
func (c *Coordinator) RequestIfDueAsync() {
	c.goTracked(func() { c.RequestIfDue() })
}

// RequestAsync runs Request on a tracked goroutine.
func (c *Coordinator) RequestAsync() {
	c.goTracked(func() { c.Request() })
}

// Wait blocks until every background request has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops listening for batches, aborts any backoff wait, and
// waits for background requests.
func (c *Coordinator) Close() error {
	if c.reg != nil {
		c.reg.Unregister()
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Coordinator) goTracked(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// refresh runs one single-flight fetch sequence. Waits use the
// coordinator's own context so a caller cannot abandon a sequence
// halfway; only Close does.
func (c *Coordinator) refresh(reason string) Result {
	if !c.updating.CompareAndSwap(false, true) {
		c.logger.Debug("visitor profile is already being updated")
		return Result{Skipped: true}
	}
	defer c.updating.Store(false)

	ctx, span := c.spans.StartProfileSpan(c.ctx, reason)

	cfg := berrors.NewRetryConfig(
		berrors.WithMaxAttempts(c.cfg.MaxAttempts),
		berrors.WithSchedule(berrors.LinearBackoff(c.cfg.BackoffBase)),
		berrors.WithWait(c.cfg.Wait),
		// every failure consumes an attempt
		berrors.WithRetryableFunc(func(error) bool { return true }),
		berrors.WithOnAttempt(func(attempt int, err error) {
			observability.LogProfileAttempt(c.logger, attempt, err)
			c.metrics.RecordProfileAttempt(ctx, attempt, err)
			c.spans.AddSpanEvent(ctx, "attempt_failed",
				attribute.Int("attempt", attempt),
				attribute.String("error", err.Error()),
			)
		}),
	)

	res := berrors.WithRetryContext(ctx, cfg, c.fetchOnce)
	if res.Err != nil {
		c.spans.EndSpanWithError(span, res.Err)
		c.logger.Debug("visitor profile refresh gave up",
			slog.Int("attempts", res.Attempts),
			slog.String("error", res.Err.Error()),
		)
		return Result{Attempts: res.Attempts, Err: res.Err}
	}

	c.metrics.RecordProfileAttempt(ctx, res.Attempts, nil)
	c.store(ctx, res.Value)
	c.metrics.RecordProfileUpdate(ctx, res.Attempts)
	observability.LogProfileUpdated(c.logger, res.Value.TotalEventCount(), res.Attempts)
	c.spans.EndSpanWithError(span, nil)
	return Result{Updated: true, Attempts: res.Attempts}
}

func (c *Coordinator) fetchOnce(ctx context.Context) (*profile.Profile, error) {
	body, err := c.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	p, err := profile.Decode(body)
	if err != nil {
		return nil, err
	}
	if profile.SameCounter(c.current.Load(), p) {
		return nil, berrors.ErrStale
	}
	return p, nil
}

func (c *Coordinator) store(ctx context.Context, p *profile.Profile) {
	if c.cfg.Cache != nil {
		if err := c.cfg.Cache.Save(p); err != nil {
			observability.LogPersistenceError(c.logger, "profile_save", err)
		}
	}
	c.current.Store(p)
	c.lastSuccess.Store(c.cfg.Now().UnixNano())

	if c.cfg.Bus != nil {
		if err := c.cfg.Bus.Publish(ctx, event.ProfileUpdated{Profile: p}); err != nil && !errors.Is(err, event.ErrBusClosed) {
			c.logger.Debug("profile notification not delivered", slog.String("error", err.Error()))
		}
	}
}
