package dispatch_test

import (
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFields_KeepInsertionOrder(t *testing.T) {
	f := dispatch.NewFields("b", 1, "a", 2, "c", 3)
	f.Set("a", 20)

	assert.Equal(t, []string{"b", "a", "c"}, f.Keys())
	v, ok := f.Get("a")
	require.True(t, ok)
	assert.Equal(t, 20, v)
}

func TestFields_Delete(t *testing.T) {
	f := dispatch.NewFields("a", 1, "b", 2, "c", 3)
	f.Delete("b")
	f.Delete("missing")

	assert.Equal(t, []string{"a", "c"}, f.Keys())
	assert.Equal(t, 2, f.Len())
}

func TestFields_JSONPreservesOrder(t *testing.T) {
	f := dispatch.NewFields("zeta", "z", "alpha", 1, "mid", []any{"x", 2})

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"z","alpha":1,"mid":["x",2]}`, string(data))

	var decoded dispatch.Fields
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, decoded.Keys())

	alpha, _ := decoded.Get("alpha")
	assert.Equal(t, int64(1), alpha)
}

func TestFields_UnmarshalRejectsNonObject(t *testing.T) {
	var f dispatch.Fields
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &f))
}

func TestRecord_WithSegmentOverwrites(t *testing.T) {
	rec := dispatch.New("media_start", dispatch.NewFields("title", "film", "duration", 120))
	chapter := dispatch.SegmentFunc(func() dispatch.Fields {
		return dispatch.NewFields("title", "chapter 1", "chapter_position", 1)
	})

	merged := rec.WithSegment(chapter)

	title, _ := merged.Fields.Get("title")
	assert.Equal(t, "chapter 1", title)
	assert.Equal(t, []string{"title", "duration", "chapter_position"}, merged.Fields.Keys())

	// original untouched
	orig, _ := rec.Fields.Get("title")
	assert.Equal(t, "film", orig)
	assert.Equal(t, 2, rec.Fields.Len())
}

func TestRecord_NewCopiesFields(t *testing.T) {
	f := dispatch.NewFields("a", 1)
	rec := dispatch.New("evt", f)
	f.Set("b", 2)

	assert.Equal(t, 1, rec.Fields.Len())
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestSequencer_Concurrent(t *testing.T) {
	seq := dispatch.NewSequencer(41)

	const n = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			v := seq.Next()
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.True(t, seen[42])
	assert.True(t, seen[241])
}

func TestBatch_IDs(t *testing.T) {
	a := dispatch.New("a", dispatch.Fields{})
	b := dispatch.New("b", dispatch.Fields{})
	batch := dispatch.NewBatch([]dispatch.Record{a, b})

	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, []string{a.ID, b.ID}, batch.IDs())
	assert.NotEmpty(t, batch.ID)
}

func TestRecord_WithDefaults(t *testing.T) {
	a := dispatch.Record{Name: "play"}.WithDefaults()
	b := dispatch.Record{Name: "play"}.WithDefaults()

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Timestamp.IsZero())

	// set values are kept
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := dispatch.Record{ID: "fixed", Timestamp: ts}.WithDefaults()
	assert.Equal(t, "fixed", c.ID)
	assert.Equal(t, ts, c.Timestamp)
}
