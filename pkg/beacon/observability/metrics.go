package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSubmitted records a record accepted into the store.
	RecordSubmitted(ctx context.Context, name string)

	// RecordDropped records a record rejected at submission.
	RecordDropped(ctx context.Context, reason string)

	// RecordBatch records a batch send with its size, duration and error status.
	RecordBatch(ctx context.Context, size int, duration time.Duration, err error)

	// RecordProfileAttempt records one profile fetch attempt.
	RecordProfileAttempt(ctx context.Context, attempt int, err error)

	// RecordProfileUpdate records a successful profile refresh.
	RecordProfileUpdate(ctx context.Context, attempts int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	submitted       metric.Int64Counter
	dropped         metric.Int64Counter
	batchSent       metric.Int64Counter
	batchFailed     metric.Int64Counter
	batchSize       metric.Int64Histogram
	batchLatency    metric.Float64Histogram
	profileAttempts metric.Int64Counter
	profileUpdates  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("beacon")

	submitted, err := meter.Int64Counter("beacon.records.submitted",
		metric.WithDescription("Number of records accepted into the dispatch store"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("beacon.records.dropped",
		metric.WithDescription("Number of records rejected at submission"),
	)
	if err != nil {
		return nil, err
	}

	batchSent, err := meter.Int64Counter("beacon.batch.sent",
		metric.WithDescription("Number of batches accepted by the collector"),
	)
	if err != nil {
		return nil, err
	}

	batchFailed, err := meter.Int64Counter("beacon.batch.failed",
		metric.WithDescription("Number of batches requeued after a transport failure"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("beacon.batch.size",
		metric.WithDescription("Records per batch"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	batchLatency, err := meter.Float64Histogram("beacon.batch.latency_ms",
		metric.WithDescription("Batch send latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	profileAttempts, err := meter.Int64Counter("beacon.profile.attempts",
		metric.WithDescription("Number of visitor profile fetch attempts"),
	)
	if err != nil {
		return nil, err
	}

	profileUpdates, err := meter.Int64Counter("beacon.profile.updates",
		metric.WithDescription("Number of successful visitor profile refreshes"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		submitted:       submitted,
		dropped:         dropped,
		batchSent:       batchSent,
		batchFailed:     batchFailed,
		batchSize:       batchSize,
		batchLatency:    batchLatency,
		profileAttempts: profileAttempts,
		profileUpdates:  profileUpdates,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordSubmitted records an accepted record.
func (m *otelMetrics) RecordSubmitted(ctx context.Context, name string) {
	m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
}

// RecordDropped records a rejected record.
func (m *otelMetrics) RecordDropped(ctx context.Context, reason string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBatch records a batch send.
func (m *otelMetrics) RecordBatch(ctx context.Context, size int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))

	m.batchLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.batchFailed.Add(ctx, 1, attrs)
		return
	}
	m.batchSent.Add(ctx, 1, attrs)
	m.batchSize.Record(ctx, int64(size), attrs)
}

// RecordProfileAttempt records one fetch attempt.
func (m *otelMetrics) RecordProfileAttempt(ctx context.Context, attempt int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.profileAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.String("outcome", outcome),
	))
}

// RecordProfileUpdate records a refreshed profile.
func (m *otelMetrics) RecordProfileUpdate(ctx context.Context, attempts int) {
	m.profileUpdates.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempts", attempts)))
}
