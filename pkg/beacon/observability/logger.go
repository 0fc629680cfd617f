// Package observability provides the pipeline's structured logging
// helpers, metrics, and tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds pipeline context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "media")
//	enriched.Info("batch sent") // includes pipeline=media
func EnrichLogger(logger *slog.Logger, pipeline string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("pipeline", pipeline))
}

// LogBatchSent logs a batch the collector accepted.
func LogBatchSent(logger *slog.Logger, batchID string, size int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("batch sent",
		slog.String("batch_id", batchID),
		slog.Int("size", size),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogBatchFailed logs a batch that was requeued after a transport failure.
func LogBatchFailed(logger *slog.Logger, batchID string, size int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("batch send failed, records requeued",
		slog.String("batch_id", batchID),
		slog.Int("size", size),
		slog.String("error", err.Error()),
	)
}

// LogDropped logs a record rejected because the queue is saturated.
func LogDropped(logger *slog.Logger, recordID, name string, queueSize int) {
	if logger == nil {
		return
	}
	logger.Warn("record dropped, queue full",
		slog.String("record_id", recordID),
		slog.String("name", name),
		slog.Int("queue_size", queueSize),
	)
}

// LogPersistenceError logs a store failure (non-fatal).
func LogPersistenceError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("persistence failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogProfileAttempt logs one failed profile fetch attempt.
func LogProfileAttempt(logger *slog.Logger, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Debug("profile fetch attempt failed",
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// LogProfileUpdated logs a refreshed visitor profile.
func LogProfileUpdated(logger *slog.Logger, totalEventCount, attempts int) {
	if logger == nil {
		return
	}
	logger.Info("visitor profile updated",
		slog.Int("total_event_count", totalEventCount),
		slog.Int("attempts", attempts),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
