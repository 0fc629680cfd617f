package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/beacon/pkg/beacon/config"
	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
	"github.com/randalmurphal/beacon/pkg/beacon/event"
	"github.com/randalmurphal/beacon/pkg/beacon/observability"
	"github.com/randalmurphal/beacon/pkg/beacon/policy"
	"github.com/randalmurphal/beacon/pkg/beacon/profile"
	"github.com/randalmurphal/beacon/pkg/beacon/sender"
	"github.com/randalmurphal/beacon/pkg/beacon/store"
	"github.com/randalmurphal/beacon/pkg/beacon/visitor"
)

// StoreFilename is the SQLite file created under Settings.DataDir.
const StoreFilename = "dispatch.db"

// AccountHeader carries Settings.Account on every batch request.
const AccountHeader = "X-Account"

// Pipeline accepts telemetry records, persists them, and delivers them
// in batches. It also keeps the visitor profile fresh after deliveries.
//
// A Pipeline is safe for concurrent use.
type Pipeline struct {
	name     string
	settings config.Settings
	logger   *slog.Logger
	metrics  observability.MetricsRecorder

	store       store.Store
	bus         *event.LocalBus
	policy      *policy.Policy
	sender      *sender.Sender
	coordinator *visitor.Coordinator
	scheduler   *cron.Cron

	seq    *dispatch.Sequencer
	dedupe *expirable.LRU[string, struct{}]

	// submitMu serializes the count-check-append sequence so the queue
	// bound holds under concurrent submits.
	submitMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds a pipeline. The name tags log output and keys the
// Instances registry; it is not otherwise interpreted.
func New(name string, opts ...Option) (*Pipeline, error) {
	cfg := defaultPipelineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	p := &Pipeline{
		name:     name,
		settings: cfg.settings,
		logger:   observability.EnrichLogger(cfg.logger, name),
		metrics:  cfg.metrics,
	}

	transport, err := p.buildTransport(cfg)
	if err != nil {
		return nil, err
	}
	fetcher, err := p.buildFetcher(cfg)
	if err != nil {
		return nil, err
	}
	st, err := p.buildStore(cfg)
	if err != nil {
		return nil, err
	}
	p.store = st

	last, err := st.LastSequence(context.Background())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("read last sequence: %w", err)
	}
	p.seq = dispatch.NewSequencer(last)

	if w := cfg.settings.DedupeWindow; w > 0 {
		p.dedupe = expirable.NewLRU[string, struct{}](cfg.settings.DedupeSize, nil, w)
	}

	p.bus = event.NewBus(event.BusConfig{
		BufferSize: cfg.busBuffer,
		Logger:     p.logger,
	})

	tracker := policy.NewLifecycleTracker(p.revalidate)
	p.policy = policy.New(st, cfg.settings.Policy(), tracker, p.revalidate)

	p.sender = sender.New(st, p.policy, transport, p.bus, sender.Config{
		Logger:  p.logger,
		Metrics: cfg.metrics,
		Spans:   cfg.spans,
	})

	if fetcher != nil {
		vc := visitor.Config{
			RefreshInterval: cfg.settings.RefreshInterval,
			MaxAttempts:     cfg.settings.MaxAttempts,
			BackoffBase:     cfg.settings.BackoffBase,
			Bus:             p.bus,
			Logger:          p.logger,
			Metrics:         cfg.metrics,
			Spans:           cfg.spans,
		}
		if cfg.settings.DataDir != "" {
			vc.Cache = profile.NewFileCache(filepath.Join(cfg.settings.DataDir, profile.DefaultFilename))
		}
		if cfg.visitorCfg != nil {
			cfg.visitorCfg(&vc)
		}
		p.coordinator = visitor.New(fetcher, vc)
	}

	if err := p.startScheduler(); err != nil {
		p.Close()
		return nil, err
	}

	p.logger.Debug("pipeline started",
		slog.Int("batch_size", cfg.settings.BatchSize),
		slog.Int("max_queue_size", cfg.settings.MaxQueueSize),
		slog.Uint64("last_sequence", last),
	)
	return p, nil
}

func (p *Pipeline) buildTransport(cfg pipelineConfig) (sender.Transport, error) {
	if cfg.transport != nil {
		return cfg.transport, nil
	}
	s := cfg.settings
	if s.Endpoint == "" {
		return nil, ErrNoTransport
	}
	var headers map[string]string
	if s.Account != "" {
		headers = map[string]string{AccountHeader: s.Account}
	}
	return sender.NewHTTPTransport(sender.HTTPConfig{
		Endpoint:        s.Endpoint,
		Gzip:            s.Gzip,
		Headers:         headers,
		RateLimit:       s.RateLimit,
		RateBurst:       s.RateBurst,
		BreakerFailures: uint32(s.BreakerFailures),
		BreakerTimeout:  s.BreakerTimeout,
		Logger:          p.logger,
	})
}

func (p *Pipeline) buildFetcher(cfg pipelineConfig) (visitor.Fetcher, error) {
	if cfg.fetcher != nil {
		return cfg.fetcher, nil
	}
	if cfg.visitorID == nil {
		return nil, nil
	}
	return visitor.NewHTTPFetcher(visitor.HTTPFetcherConfig{
		URLTemplate: cfg.settings.VisitorURLTemplate,
		Account:     cfg.settings.Account,
		Profile:     cfg.settings.Profile,
		VisitorID:   cfg.visitorID,
	})
}

func (p *Pipeline) buildStore(cfg pipelineConfig) (store.Store, error) {
	if cfg.store != nil {
		return cfg.store, nil
	}
	if cfg.settings.DataDir == "" {
		return store.NewMemoryStore(), nil
	}
	primary, err := store.NewSQLiteStore(
		filepath.Join(cfg.settings.DataDir, StoreFilename),
		store.WithLogger(p.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open dispatch store: %w", err)
	}
	return store.NewFallbackStore(primary), nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// Submit accepts a record. It returns once the record is persisted;
// delivery happens in the background. A record without an ID gets a
// fresh one, and a zero timestamp is set to now.
//
// Returns ErrDropped when the store is saturated, ErrDuplicate when a
// record with the same ID is still pending, or a *errors.PersistenceError
// when the store failed. A PersistenceError with Retained set means the
// record is held in memory and will still be delivered. Re-submitting a
// record ID seen within the dedupe window is a no-op.
func (p *Pipeline) Submit(ctx context.Context, rec dispatch.Record) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	rec = rec.WithDefaults()

	p.submitMu.Lock()
	if p.dedupe != nil && p.dedupe.Contains(rec.ID) {
		p.submitMu.Unlock()
		p.logger.Debug("duplicate record ignored", slog.String("record_id", rec.ID))
		return nil
	}

	n, err := p.store.Count(ctx)
	if err != nil {
		p.submitMu.Unlock()
		observability.LogPersistenceError(p.logger, "count", err)
		return err
	}

	state := p.policy.StateFor(n)
	if state.ShouldDrop() {
		p.submitMu.Unlock()
		observability.LogDropped(p.logger, rec.ID, rec.Name, n)
		p.metrics.RecordDropped(ctx, "queue_full")
		return ErrDropped
	}

	rec = rec.WithSequence(p.seq.Next())
	err = p.store.Append(ctx, rec)
	if err == nil || isRetained(err) {
		if p.dedupe != nil {
			p.dedupe.Add(rec.ID, struct{}{})
		}
	}
	p.submitMu.Unlock()

	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			p.logger.Warn("record already pending", slog.String("record_id", rec.ID))
			return err
		}
		observability.LogPersistenceError(p.logger, "append", err)
		if !isRetained(err) {
			return err
		}
	}

	p.metrics.RecordSubmitted(ctx, rec.Name)

	if !p.policy.StateFor(n + 1).ShouldQueue() {
		p.sender.TriggerAsync()
	}
	return err
}

func isRetained(err error) bool {
	var pe *berrors.PersistenceError
	return errors.As(err, &pe) && pe.Retained
}

// Track builds a record from name and fields, merges the segments in
// order, and submits it. The submitted record is returned so callers
// can correlate it later.
func (p *Pipeline) Track(ctx context.Context, name string, fields dispatch.Fields, segments ...dispatch.Segment) (dispatch.Record, error) {
	rec := dispatch.New(name, fields)
	for _, seg := range segments {
		rec = rec.WithSegment(seg)
	}
	err := p.Submit(ctx, rec)
	return rec, err
}

// Trigger sends full batches now. A call that overlaps an in-flight
// send returns a Skipped result.
func (p *Pipeline) Trigger(ctx context.Context) (sender.Result, error) {
	if p.closed.Load() {
		return sender.Result{}, ErrPipelineClosed
	}
	return p.sender.Trigger(ctx)
}

// Flush sends everything pending, including a final partial batch.
func (p *Pipeline) Flush(ctx context.Context) (sender.Result, error) {
	if p.closed.Load() {
		return sender.Result{}, ErrPipelineClosed
	}
	return p.sender.Flush(ctx)
}

// Pending returns the number of records awaiting delivery.
func (p *Pipeline) Pending(ctx context.Context) (int, error) {
	return p.store.Count(ctx)
}

// State snapshots the batching policy inputs.
func (p *Pipeline) State(ctx context.Context) (policy.State, error) {
	return p.policy.State(ctx)
}

// OnForegroundEnter records a foreground activity starting.
func (p *Pipeline) OnForegroundEnter() {
	p.policy.Tracker().Enter()
}

// OnForegroundExit records a foreground activity ending. When the last
// one ends the pipeline flushes everything pending. Transient exits
// are ignored.
func (p *Pipeline) OnForegroundExit(transient bool) {
	p.policy.Tracker().Exit(transient)
}

// Register adds a listener for the given notification kinds; none means
// all. Unregister through the returned handle.
func (p *Pipeline) Register(l event.Listener, kinds ...event.Kind) event.Registration {
	return p.bus.Register(l, kinds...)
}

// Settings returns the current batching thresholds.
func (p *Pipeline) Settings() policy.Settings {
	return p.policy.Settings()
}

// UpdateSettings replaces the batching thresholds and re-evaluates the
// pending queue against them.
func (p *Pipeline) UpdateSettings(s policy.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.policy.Update(s)
	return nil
}

// WatchSettings applies the batching thresholds from the settings file
// at path each time it changes. Invalid files are logged and skipped.
// Other settings only take effect on the next New. WatchSettings blocks
// until ctx is cancelled.
func (p *Pipeline) WatchSettings(ctx context.Context, path string, opts ...config.WatchOption) error {
	opts = append([]config.WatchOption{config.WithWatchLogger(p.logger)}, opts...)
	return config.Watch(ctx, path, func(s config.Settings) {
		if p.closed.Load() {
			return
		}
		ps := s.Policy()
		if err := p.UpdateSettings(ps); err != nil {
			p.logger.Warn("reloaded settings rejected", slog.String("error", err.Error()))
			return
		}
		p.logger.Info("batching settings reloaded",
			slog.Int("batch_size", ps.BatchSize),
			slog.Int("max_queue_size", ps.MaxQueueSize),
		)
	}, opts...)
}

// Profile returns the cached visitor profile. It is empty, never nil,
// when nothing has been fetched or no profile source is configured.
func (p *Pipeline) Profile() *profile.Profile {
	if p.coordinator == nil {
		return &profile.Profile{}
	}
	return p.coordinator.Profile()
}

// RequestProfile refreshes the visitor profile now, ignoring the
// refresh interval. It blocks through the whole retry sequence.
func (p *Pipeline) RequestProfile() visitor.Result {
	if p.coordinator == nil {
		return visitor.Result{Err: ErrNoFetcher}
	}
	return p.coordinator.Request()
}

// Close stops the schedule, waits for in-flight sends, then closes the
// profile coordinator, bus and store. Records still pending stay in a
// durable store for the next run. Close is idempotent.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.scheduler != nil {
			<-p.scheduler.Stop().Done()
		}
		p.sender.Close()

		var g errgroup.Group
		if p.coordinator != nil {
			g.Go(p.coordinator.Close)
		}
		g.Go(p.bus.Close)
		g.Go(p.store.Close)
		p.closeErr = g.Wait()

		if p.dedupe != nil {
			p.dedupe.Purge()
		}

		p.logger.Debug("pipeline closed")
	})
	return p.closeErr
}

// revalidate re-evaluates the queue. Leaving the foreground forces a
// full flush; a settings change only sends what the new thresholds
// call for.
func (p *Pipeline) revalidate(reason string) {
	if p.closed.Load() {
		return
	}
	err := p.bus.Publish(context.Background(), event.RevalidationRequested{Reason: reason})
	if err != nil && !errors.Is(err, event.ErrBusClosed) {
		p.logger.Debug("revalidation notification not delivered", slog.String("error", err.Error()))
	}

	switch reason {
	case policy.ReasonBackground:
		p.sender.FlushAsync()
	default:
		p.sender.TriggerAsync()
	}
}
