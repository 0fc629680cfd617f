package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordSubmitted(ctx, "play")
		m.RecordDropped(ctx, "queue_full")
		m.RecordBatch(ctx, 10, time.Millisecond, nil)
		m.RecordBatch(ctx, 10, time.Millisecond, errors.New("x"))
		m.RecordProfileAttempt(ctx, 1, nil)
		m.RecordProfileUpdate(ctx, 1)
	})
}

func TestNoopSpanManager(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartBatchSpan(ctx, "b", 1)
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())

	got, span = sm.StartProfileSpan(ctx, "due")
	assert.Equal(t, ctx, got)

	assert.NotPanics(t, func() {
		sm.EndSpanWithError(span, errors.New("x"))
		sm.AddSpanEvent(ctx, "event", attribute.String("k", "v"))
	})
}
