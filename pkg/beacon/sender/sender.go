// Package sender drains the dispatch store in batches and hands each
// batch to a Transport.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
	"github.com/randalmurphal/beacon/pkg/beacon/event"
	"github.com/randalmurphal/beacon/pkg/beacon/observability"
	"github.com/randalmurphal/beacon/pkg/beacon/policy"
	"github.com/randalmurphal/beacon/pkg/beacon/store"
)

// Config configures a Sender.
type Config struct {
	// Logger receives send outcomes. Default: slog.Default()
	Logger *slog.Logger

	// Metrics records batch metrics. Default: NoopMetrics
	Metrics observability.MetricsRecorder

	// Spans traces batch sends. Default: NoopSpanManager
	Spans observability.SpanManager
}

// Result summarizes one Trigger or Flush.
type Result struct {
	// Skipped is set when another send was already in flight.
	Skipped bool

	// Batches is the number of batches the collector accepted.
	Batches int

	// Sent is the number of records in accepted batches.
	Sent int

	// Requeued is the number of records put back after a failure.
	Requeued int
}

// Sender turns pending records into batches. At most one send loop
// runs at a time; overlapping calls return Result{Skipped: true}.
type Sender struct {
	store     store.Store
	policy    *policy.Policy
	transport Transport
	bus       event.Bus

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	sending atomic.Bool
	pending atomic.Bool // a trigger was skipped while sending

	// mu guards closed and wg.Add so no goroutine starts after Close
	// has begun waiting.
	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sender. bus may be nil.
func New(st store.Store, pol *policy.Policy, transport Transport, bus event.Bus, cfg Config) *Sender {
	s := &Sender{
		store:     st,
		policy:    pol,
		transport: transport,
		bus:       bus,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		spans:     cfg.Spans,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observability.NoopMetrics{}
	}
	if s.spans == nil {
		s.spans = observability.NoopSpanManager{}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Trigger sends full batches while the policy says records should not
// keep accumulating.
func (s *Sender) Trigger(ctx context.Context) (Result, error) {
	return s.run(ctx, false)
}

// Flush sends everything pending regardless of the batch threshold.
func (s *Sender) Flush(ctx context.Context) (Result, error) {
	return s.run(ctx, true)
}

// TriggerAsync runs Trigger in the background.
func (s *Sender) TriggerAsync() {
	s.async(false)
}

// FlushAsync runs Flush in the background.
func (s *Sender) FlushAsync() {
	s.async(true)
}

// Wait blocks until every background send has returned.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// Sending reports whether a send loop is in flight.
func (s *Sender) Sending() bool {
	return s.sending.Load()
}

// Close cancels background sends and waits for them.
func (s *Sender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Sender) async(force bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			res, err := s.run(s.ctx, force)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("background send stopped", slog.String("error", err.Error()))
				}
				return
			}
			// a trigger that lost the race gets one follow-up pass
			if res.Skipped || !s.pending.Swap(false) {
				return
			}
			force = false
		}
	}()
}

func (s *Sender) run(ctx context.Context, force bool) (Result, error) {
	if !s.sending.CompareAndSwap(false, true) {
		s.pending.Store(true)
		s.logger.Debug("send already in flight, skipping")
		return Result{Skipped: true}, nil
	}
	defer s.sending.Store(false)

	var res Result

	st, err := s.policy.State(ctx)
	if err != nil {
		return res, err
	}
	batchSize := max(st.BatchSize, 1)
	// records arriving mid-loop wait for the next trigger
	limit := st.QueueSize/batchSize + 1

	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if i > 0 {
			if st, err = s.policy.State(ctx); err != nil {
				return res, err
			}
			batchSize = max(st.BatchSize, 1)
		}
		if st.QueueSize == 0 || (!force && st.ShouldQueue()) {
			break
		}

		recs, err := s.store.Drain(ctx, batchSize)
		if err != nil {
			return res, err
		}
		if len(recs) == 0 {
			break
		}

		batch := dispatch.NewBatch(recs)
		if err := s.send(ctx, batch); err != nil {
			res.Requeued += s.requeue(batch)
			return res, err
		}

		res.Batches++
		res.Sent += batch.Len()
		s.publish(ctx, batch)
	}
	return res, nil
}

func (s *Sender) send(ctx context.Context, batch dispatch.Batch) error {
	ctx, span := s.spans.StartBatchSpan(ctx, batch.ID, batch.Len())
	done := observability.TimedOperation()
	start := time.Now()

	err := s.transport.Send(ctx, batch)
	if err != nil {
		var te *berrors.TransportError
		if !errors.As(err, &te) {
			err = &berrors.TransportError{Err: err}
		}
	}

	s.spans.EndSpanWithError(span, err)
	s.metrics.RecordBatch(ctx, batch.Len(), time.Since(start), err)
	if err != nil {
		observability.LogBatchFailed(s.logger, batch.ID, batch.Len(), err)
		return err
	}
	observability.LogBatchSent(s.logger, batch.ID, batch.Len(), done())
	return nil
}

// requeue puts a failed batch back at the front of the store. It uses
// a fresh context so a cancelled trigger cannot lose records.
func (s *Sender) requeue(batch dispatch.Batch) int {
	if err := s.store.Requeue(context.Background(), batch.Records); err != nil {
		observability.LogPersistenceError(s.logger, "requeue", err)
		var pe *berrors.PersistenceError
		if errors.As(err, &pe) && pe.Retained {
			return batch.Len()
		}
		return 0
	}
	return batch.Len()
}

func (s *Sender) publish(ctx context.Context, batch dispatch.Batch) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event.BatchSent{Batch: batch}); err != nil {
		s.logger.Debug("batch sent notification not delivered", slog.String("error", err.Error()))
	}
}
