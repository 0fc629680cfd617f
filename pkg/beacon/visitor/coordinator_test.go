package visitor_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
	"github.com/randalmurphal/beacon/pkg/beacon/event"
	"github.com/randalmurphal/beacon/pkg/beacon/profile"
	"github.com/randalmurphal/beacon/pkg/beacon/visitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profileBody(total int) []byte {
	return []byte(fmt.Sprintf(`{"metrics": {"22": %d}, "properties": {"5": "chrome"}}`, total))
}

// scriptedFetcher returns one response per call, repeating the last.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []func() ([]byte, error)
	calls     int
}

func (f *scriptedFetcher) Fetch(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.responses)-1)
	f.calls++
	return f.responses[i]()
}

func (f *scriptedFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func body(total int) func() ([]byte, error) {
	return func() ([]byte, error) { return profileBody(total), nil }
}

func failing(err error) func() ([]byte, error) {
	return func() ([]byte, error) { return nil, err }
}

// waitRecorder records backoff waits without sleeping.
type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waitRecorder) recorded() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.waits...)
}

func seedCache(t *testing.T, total int) *profile.FileCache {
	t.Helper()
	cache := profile.NewFileCache(filepath.Join(t.TempDir(), profile.DefaultFilename))
	require.NoError(t, cache.Save(&profile.Profile{
		Metrics: map[string]float64{profile.TotalEventCountMetric: float64(total)},
	}))
	return cache
}

func TestCoordinator_StaleUntilFifthAttempt(t *testing.T) {
	cache := seedCache(t, 3)
	fetcher := &scriptedFetcher{responses: []func() ([]byte, error){
		body(3), body(3), body(3), body(3), body(7),
	}}
	waits := &waitRecorder{}
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	var updates []int
	l, kind := event.OnProfileUpdated(func(_ context.Context, p *profile.Profile) {
		updates = append(updates, p.TotalEventCount())
	})
	bus.Register(l, kind)

	c := visitor.New(fetcher, visitor.Config{Cache: cache, Bus: bus, Wait: waits.wait})
	defer c.Close()
	require.Equal(t, 3, c.Profile().TotalEventCount())

	res := c.Request()
	assert.True(t, res.Updated)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, 5, fetcher.count())
	assert.Equal(t, []time.Duration{
		750 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3000 * time.Millisecond,
	}, waits.recorded())

	assert.Equal(t, 7, c.Profile().TotalEventCount())
	assert.Equal(t, []int{7}, updates)
	assert.False(t, c.LastSuccess().IsZero())

	// persisted
	saved, err := cache.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, saved.TotalEventCount())
}

func TestCoordinator_ExhaustsAttempts(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []func() ([]byte, error){
		failing(&berrors.TransportError{Err: errors.New("connection reset")}),
	}}
	waits := &waitRecorder{}
	c := visitor.New(fetcher, visitor.Config{Wait: waits.wait})
	defer c.Close()

	res := c.Request()
	assert.False(t, res.Updated)
	assert.Error(t, res.Err)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, 5, fetcher.count())

	recorded := waits.recorded()
	require.Len(t, recorded, 4)
	for i := 1; i < len(recorded); i++ {
		assert.Greater(t, recorded[i], recorded[i-1], "waits must strictly increase")
	}

	assert.True(t, c.LastSuccess().IsZero())
	assert.False(t, c.Updating())
}

func TestCoordinator_EmptyAndMalformedConsumeAttempts(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []func() ([]byte, error){
		func() ([]byte, error) { return nil, nil },
		func() ([]byte, error) { return []byte("{}"), nil },
		func() ([]byte, error) { return []byte(`{"metrics": [`), nil },
		body(1),
	}}
	c := visitor.New(fetcher, visitor.Config{Wait: (&waitRecorder{}).wait})
	defer c.Close()

	res := c.Request()
	assert.True(t, res.Updated)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 1, c.Profile().TotalEventCount())
}

func TestCoordinator_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int32
	fetcher := visitor.FetcherFunc(func(context.Context) ([]byte, error) {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return profileBody(9), nil
	})
	c := visitor.New(fetcher, visitor.Config{Wait: (&waitRecorder{}).wait})
	defer c.Close()

	done := make(chan visitor.Result)
	go func() { done <- c.Request() }()
	<-entered
	assert.True(t, c.Updating())

	second := c.Request()
	assert.True(t, second.Skipped)

	close(release)
	first := <-done
	assert.True(t, first.Updated)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCoordinator_RequestIfDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	total := 0
	fetcher := visitor.FetcherFunc(func(context.Context) ([]byte, error) {
		total++
		return profileBody(total), nil
	})
	c := visitor.New(fetcher, visitor.Config{
		RefreshInterval: time.Minute,
		Now:             clock,
		Wait:            (&waitRecorder{}).wait,
	})
	defer c.Close()

	// never refreshed: due
	assert.True(t, c.RequestIfDue().Updated)

	advance(30 * time.Second)
	res := c.RequestIfDue()
	assert.True(t, res.NotDue)
	assert.Equal(t, 1, total)

	// explicit requests ignore the interval
	assert.True(t, c.Request().Updated)
	assert.Equal(t, 2, total)

	advance(time.Minute)
	assert.True(t, c.RequestIfDue().Updated)
	assert.Equal(t, 3, total)
}

func TestCoordinator_RefreshesAfterBatchSent(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	var calls atomic.Int32
	fetcher := visitor.FetcherFunc(func(context.Context) ([]byte, error) {
		return profileBody(int(calls.Add(1))), nil
	})
	c := visitor.New(fetcher, visitor.Config{Bus: bus, Wait: (&waitRecorder{}).wait})
	defer c.Close()

	require.NoError(t, bus.Publish(context.Background(), event.BatchSent{Batch: dispatch.NewBatch(nil)}))
	c.Wait()
	assert.Equal(t, int32(1), calls.Load())

	// inside the interval: no second fetch
	require.NoError(t, bus.Publish(context.Background(), event.BatchSent{}))
	c.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestCoordinator_CloseAbortsBackoff(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []func() ([]byte, error){
		failing(berrors.ErrNoData),
	}}
	c := visitor.New(fetcher, visitor.Config{BackoffBase: time.Hour})

	c.RequestAsync()
	require.Eventually(t, func() bool { return fetcher.count() == 1 }, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not abort the backoff wait")
	}
	assert.False(t, c.Updating())
	assert.True(t, c.LastSuccess().IsZero())
}

func TestCoordinator_CorruptCacheIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), profile.DefaultFilename)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	c := visitor.New(&scriptedFetcher{responses: []func() ([]byte, error){body(1)}}, visitor.Config{
		Cache: profile.NewFileCache(path),
	})
	defer c.Close()

	require.NotNil(t, c.Profile())
	assert.Equal(t, 0, c.Profile().TotalEventCount())
}

func TestCoordinator_MissingCacheStartsEmpty(t *testing.T) {
	cache := profile.NewFileCache(filepath.Join(t.TempDir(), "nested", profile.DefaultFilename))
	c := visitor.New(&scriptedFetcher{responses: []func() ([]byte, error){body(4)}}, visitor.Config{
		Cache: cache,
		Wait:  (&waitRecorder{}).wait,
	})
	defer c.Close()

	require.NotNil(t, c.Profile())
	assert.True(t, c.Request().Updated)

	reloaded := visitor.New(&scriptedFetcher{responses: []func() ([]byte, error){body(4)}}, visitor.Config{Cache: cache})
	defer reloaded.Close()
	assert.Equal(t, 4, reloaded.Profile().TotalEventCount())
}

func TestCoordinator_AsyncAfterCloseIsNoop(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []func() ([]byte, error){body(1)}}
	c := visitor.New(fetcher, visitor.Config{Wait: (&waitRecorder{}).wait})
	require.NoError(t, c.Close())

	c.RequestAsync()
	c.RequestIfDueAsync()
	c.Wait()

	assert.Zero(t, fetcher.count())
	assert.Equal(t, 0, c.Profile().TotalEventCount())
}
