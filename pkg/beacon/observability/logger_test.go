package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler captures log records for testing.
type testHandler struct {
	buf   *bytes.Buffer
	level slog.Level
	attrs []slog.Attr
}

func newTestHandler() *testHandler {
	return &testHandler{
		buf:   &bytes.Buffer{},
		level: slog.LevelDebug,
	}
}

func (h *testHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *testHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	for _, attr := range h.attrs {
		data[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	return json.NewEncoder(h.buf).Encode(data)
}

func (h *testHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newH := &testHandler{
		buf:   h.buf,
		level: h.level,
		attrs: make([]slog.Attr, len(h.attrs)+len(attrs)),
	}
	copy(newH.attrs, h.attrs)
	copy(newH.attrs[len(h.attrs):], attrs)
	return newH
}

func (h *testHandler) WithGroup(string) slog.Handler {
	return h
}

func (h *testHandler) getLastRecord() map[string]any {
	lines := bytes.Split(h.buf.Bytes(), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if len(lines[i]) > 0 {
			var m map[string]any
			if err := json.Unmarshal(lines[i], &m); err == nil {
				return m
			}
		}
	}
	return nil
}

func TestEnrichLogger(t *testing.T) {
	t.Run("adds pipeline name", func(t *testing.T) {
		h := newTestHandler()
		enriched := EnrichLogger(slog.New(h), "media")
		enriched.Info("test message")

		record := h.getLastRecord()
		require.NotNil(t, record)
		assert.Equal(t, "media", record["pipeline"])
		assert.Equal(t, "test message", record["msg"])
	})

	t.Run("nil logger returns nil", func(t *testing.T) {
		assert.Nil(t, EnrichLogger(nil, "media"))
	})
}

func TestLogBatchSent(t *testing.T) {
	h := newTestHandler()
	LogBatchSent(slog.New(h), "batch-1", 10, 42.5)

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "batch sent", record["msg"])
	assert.Equal(t, "batch-1", record["batch_id"])
	assert.Equal(t, float64(10), record["size"]) // JSON decodes ints as float64
	assert.Equal(t, 42.5, record["duration_ms"])
}

func TestLogBatchFailed(t *testing.T) {
	h := newTestHandler()
	LogBatchFailed(slog.New(h), "batch-2", 3, errors.New("connection refused"))

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "connection refused", record["error"])
	assert.Equal(t, float64(3), record["size"])
}

func TestLogDropped(t *testing.T) {
	h := newTestHandler()
	LogDropped(slog.New(h), "rec-1", "play", 100)

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "rec-1", record["record_id"])
	assert.Equal(t, "play", record["name"])
	assert.Equal(t, float64(100), record["queue_size"])
}

func TestLogPersistenceError(t *testing.T) {
	h := newTestHandler()
	LogPersistenceError(slog.New(h), "append", errors.New("disk full"))

	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "append", record["operation"])
	assert.Equal(t, "disk full", record["error"])
}

func TestLogProfile(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogProfileAttempt(logger, 2, errors.New("stale data"))
	record := h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "DEBUG", record["level"])
	assert.Equal(t, float64(2), record["attempt"])

	LogProfileUpdated(logger, 7, 5)
	record = h.getLastRecord()
	require.NotNil(t, record)
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, float64(7), record["total_event_count"])
	assert.Equal(t, float64(5), record["attempts"])
}

func TestLogHelpers_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogBatchSent(nil, "b", 1, 1)
		LogBatchFailed(nil, "b", 1, errors.New("x"))
		LogDropped(nil, "r", "n", 1)
		LogPersistenceError(nil, "append", errors.New("x"))
		LogProfileAttempt(nil, 1, errors.New("x"))
		LogProfileUpdated(nil, 1, 1)
	})
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), float64(10))
}
