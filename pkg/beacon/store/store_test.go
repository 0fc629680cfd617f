package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
	"github.com/randalmurphal/beacon/pkg/beacon/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) store.Store

func TestMemoryStore(t *testing.T) {
	storeContractTest(t, "memory", func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeContractTest(t, "sqlite", func(t *testing.T) store.Store {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "dispatch.db"))
		require.NoError(t, err)
		return s
	})
	storeContractTest(t, "sqlite_memory", func(t *testing.T) store.Store {
		s, err := store.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		return s
	})
}

func TestFallbackStore(t *testing.T) {
	storeContractTest(t, "fallback", func(t *testing.T) store.Store {
		return store.NewFallbackStore(store.NewMemoryStore())
	})
}

func record(seq uint64, name string) dispatch.Record {
	return dispatch.New(name, dispatch.NewFields("n", seq)).WithSequence(seq)
}

func sequences(recs []dispatch.Record) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.Sequence
	}
	return out
}

func appendN(t *testing.T, s store.Store, from, to uint64) []dispatch.Record {
	t.Helper()
	var recs []dispatch.Record
	for seq := from; seq <= to; seq++ {
		r := record(seq, "evt")
		require.NoError(t, s.Append(context.Background(), r))
		recs = append(recs, r)
	}
	return recs
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Append_and_Drain", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		appendN(t, s, 1, 5)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		got, err := s.Drain(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, sequences(got))
		assert.Equal(t, "evt", got[0].Name)

		n, err = s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run(name+"/Drain_Empty", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		got, err := s.Drain(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run(name+"/Requeue_PreservesOrder", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		appendN(t, s, 1, 4)
		drained, err := s.Drain(ctx, 2)
		require.NoError(t, err)

		// new arrivals while the batch is in flight
		appendN(t, s, 5, 5)

		require.NoError(t, s.Requeue(ctx, drained))

		all, err := s.Drain(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3, 4, 5}, sequences(all))
	})

	t.Run(name+"/Requeue_Idempotent", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		appendN(t, s, 1, 2)
		drained, err := s.Drain(ctx, 2)
		require.NoError(t, err)

		require.NoError(t, s.Requeue(ctx, drained))
		require.NoError(t, s.Requeue(ctx, drained))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run(name+"/Fields_Survive", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		rec := dispatch.New("play", dispatch.NewFields("title", "Intro", "position", 3)).WithSequence(1)
		require.NoError(t, s.Append(ctx, rec))

		got, err := s.Drain(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, rec.ID, got[0].ID)
		assert.Equal(t, []string{"title", "position"}, got[0].Fields.Keys())
		title, _ := got[0].Fields.Get("title")
		assert.Equal(t, "Intro", title)
	})

	t.Run(name+"/RemoveAll", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		recs := appendN(t, s, 1, 3)
		require.NoError(t, s.RemoveAll(ctx, []string{recs[0].ID, recs[2].ID, "unknown"}))

		got, err := s.Drain(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []uint64{2}, sequences(got))
	})

	t.Run(name+"/Prune", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		old := record(1, "old")
		old.Timestamp = time.Now().Add(-48 * time.Hour).UTC()
		require.NoError(t, s.Append(ctx, old))
		appendN(t, s, 2, 3)

		n, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		count, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run(name+"/LastSequence", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		last, err := s.LastSequence(ctx)
		require.NoError(t, err)
		assert.Zero(t, last)

		appendN(t, s, 1, 7)
		_, err = s.Drain(ctx, 7)
		require.NoError(t, err)

		// high-water mark survives an empty store
		last, err = s.LastSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), last)
	})

	t.Run(name+"/Append_AssignsSequence", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		appendN(t, s, 1, 2)
		require.NoError(t, s.Append(ctx, dispatch.New("unsequenced", dispatch.Fields{})))

		got, err := s.Drain(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, sequences(got))
	})

	t.Run(name+"/ConcurrentAppendDuringDrain", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		const total = 200
		seq := dispatch.NewSequencer(0)

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < total/4; i++ {
					assert.NoError(t, s.Append(ctx, record(seq.Next(), "evt")))
				}
			}()
		}

		seen := make(map[uint64]int)
		var mu sync.Mutex
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				got, err := s.Drain(ctx, 7)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, r := range got {
					seen[r.Sequence]++
				}
				n := len(seen)
				mu.Unlock()
				if n == total {
					return
				}
				if len(got) == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}()

		wg.Wait()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("drainer did not observe every record")
		}

		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, seen, total)
		for seq, n := range seen {
			assert.Equal(t, 1, n, "sequence %d drained %d times", seq, n)
		}
	})

	t.Run(name+"/Append_DuplicateID", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		first := record(1, "evt")
		require.NoError(t, s.Append(ctx, first))

		again := first.WithSequence(2)
		err := s.Append(ctx, again)
		assert.ErrorIs(t, err, store.ErrDuplicate)

		var pe *berrors.PersistenceError
		require.ErrorAs(t, err, &pe)
		assert.False(t, pe.Retained)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// once delivered, the id may be reused
		_, err = s.Drain(ctx, 10)
		require.NoError(t, err)
		require.NoError(t, s.Append(ctx, again))
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Close())

		err := s.Append(ctx, record(1, "evt"))
		assert.ErrorIs(t, err, store.ErrStoreClosed)
		assert.ErrorIs(t, err, berrors.ErrClosed)

		var pe *berrors.PersistenceError
		assert.ErrorAs(t, err, &pe)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dispatch.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	appendN(t, s, 1, 3)
	_, err = s.Drain(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	last, err := reopened.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	got, err := reopened.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, sequences(got))
}

// failingStore fails every append until healed.
type failingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	broken bool
}

func (f *failingStore) Append(ctx context.Context, rec dispatch.Record) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return &berrors.PersistenceError{Op: "append", Err: errors.New("disk full")}
	}
	return f.MemoryStore.Append(ctx, rec)
}

func (f *failingStore) heal() {
	f.mu.Lock()
	f.broken = false
	f.mu.Unlock()
}

func TestFallbackStore_RetainsOnPrimaryFailure(t *testing.T) {
	ctx := context.Background()
	primary := &failingStore{MemoryStore: store.NewMemoryStore()}
	s := store.NewFallbackStore(primary)
	defer s.Close()

	require.NoError(t, s.Append(ctx, record(1, "evt")))

	primary.mu.Lock()
	primary.broken = true
	primary.mu.Unlock()

	err := s.Append(ctx, record(2, "evt"))
	var pe *berrors.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retained)
	assert.Equal(t, "append", pe.Op)
	assert.Equal(t, berrors.CategoryPermanent, berrors.Categorize(err))
	assert.Equal(t, 1, s.Overflow())

	primary.heal()
	require.NoError(t, s.Append(ctx, record(3, "evt")))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// merged by sequence, split across two drains
	first, err := s.Drain(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, sequences(first))

	second, err := s.Drain(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, sequences(second))
}

func TestFallbackStore_LeftoversReturnToTheirTier(t *testing.T) {
	ctx := context.Background()
	primary := &failingStore{MemoryStore: store.NewMemoryStore()}
	s := store.NewFallbackStore(primary)
	defer s.Close()

	require.NoError(t, s.Append(ctx, record(1, "evt")))
	primary.broken = true
	_ = s.Append(ctx, record(2, "evt"))
	primary.heal()
	require.NoError(t, s.Append(ctx, record(3, "evt")))
	require.NoError(t, s.Append(ctx, record(4, "evt")))

	got, err := s.Drain(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, sequences(got))
	assert.Equal(t, 1, s.Overflow())

	n, err := primary.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFallbackStore_DuplicateIsNotRetained(t *testing.T) {
	ctx := context.Background()
	primary, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	s := store.NewFallbackStore(primary)
	defer s.Close()

	rec := record(1, "evt")
	require.NoError(t, s.Append(ctx, rec))

	err = s.Append(ctx, rec.WithSequence(2))
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.Zero(t, s.Overflow())

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFallbackStore_DuplicateOfOverflowRecord(t *testing.T) {
	ctx := context.Background()
	primary := &failingStore{MemoryStore: store.NewMemoryStore(), broken: true}
	s := store.NewFallbackStore(primary)
	defer s.Close()

	rec := record(1, "evt")
	var pe *berrors.PersistenceError
	require.ErrorAs(t, s.Append(ctx, rec), &pe)
	require.True(t, pe.Retained)

	primary.heal()
	assert.ErrorIs(t, s.Append(ctx, rec.WithSequence(2)), store.ErrDuplicate)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
