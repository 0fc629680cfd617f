package benchmarks

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	"github.com/randalmurphal/beacon/pkg/beacon/store"
)

// sampleRecord builds a record with a realistic field set.
func sampleRecord(seq uint64) dispatch.Record {
	return dispatch.New("media_progress", dispatch.NewFields(
		"content_id", "episode-1042",
		"position", 1312,
		"duration", 2640,
		"chapter", "act-2",
		"ad", false,
		"tags", []any{"drama", "s02"},
	)).WithSequence(seq)
}

func createSQLiteStore(b *testing.B) *store.SQLiteStore {
	b.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { st.Close() })
	return st
}

func benchAppendDrain(b *testing.B, st store.Store, batch int) {
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = st.Append(ctx, sampleRecord(uint64(i+1)))
		if (i+1)%batch == 0 {
			_, _ = st.Drain(ctx, batch)
		}
	}
}

// BenchmarkMemoryStore_AppendDrain measures the in-memory hot path.
func BenchmarkMemoryStore_AppendDrain(b *testing.B) {
	benchAppendDrain(b, store.NewMemoryStore(), 10)
}

// BenchmarkSQLiteStore_AppendDrain measures the durable hot path.
func BenchmarkSQLiteStore_AppendDrain(b *testing.B) {
	benchAppendDrain(b, createSQLiteStore(b), 10)
}

// BenchmarkFallbackStore_AppendDrain measures the wrapper overhead.
func BenchmarkFallbackStore_AppendDrain(b *testing.B) {
	benchAppendDrain(b, store.NewFallbackStore(createSQLiteStore(b)), 10)
}

// BenchmarkSQLiteStore_Count measures the per-submit count query.
func BenchmarkSQLiteStore_Count(b *testing.B) {
	st := createSQLiteStore(b)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_ = st.Append(ctx, sampleRecord(uint64(i+1)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = st.Count(ctx)
	}
}
