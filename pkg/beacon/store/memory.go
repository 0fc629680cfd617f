package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
)

// MemoryStore is an in-memory dispatch store.
// Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.Mutex
	records []dispatch.Record // sequence order
	ids     map[string]struct{}
	lastSeq uint64
	closed  bool
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, rec dispatch.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistErr("append", ErrStoreClosed)
	}
	if _, dup := m.ids[rec.ID]; dup {
		return duplicateErr(rec.ID)
	}
	m.ids[rec.ID] = struct{}{}

	if rec.Sequence == 0 {
		rec = rec.WithSequence(m.lastSeq + 1)
	}
	if rec.Sequence > m.lastSeq {
		m.lastSeq = rec.Sequence
	}

	// Appends normally arrive in order; fall back to an ordered insert.
	if n := len(m.records); n == 0 || m.records[n-1].Sequence <= rec.Sequence {
		m.records = append(m.records, rec)
		return nil
	}
	m.records = insertOrdered(m.records, []dispatch.Record{rec})
	return nil
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, persistErr("count", ErrStoreClosed)
	}
	return len(m.records), nil
}

// Drain implements Store.
func (m *MemoryStore) Drain(_ context.Context, max int) ([]dispatch.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, persistErr("drain", ErrStoreClosed)
	}
	if max <= 0 || len(m.records) == 0 {
		return []dispatch.Record{}, nil
	}

	n := min(max, len(m.records))
	out := make([]dispatch.Record, n)
	copy(out, m.records[:n])
	m.records = slices.Delete(m.records, 0, n)
	for _, r := range out {
		delete(m.ids, r.ID)
	}
	return out, nil
}

// Requeue implements Store.
func (m *MemoryStore) Requeue(_ context.Context, recs []dispatch.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistErr("requeue", ErrStoreClosed)
	}
	if len(recs) == 0 {
		return nil
	}

	fresh := make([]dispatch.Record, 0, len(recs))
	for _, r := range recs {
		if _, dup := m.ids[r.ID]; !dup {
			m.ids[r.ID] = struct{}{}
			fresh = append(fresh, r)
		}
	}
	m.records = insertOrdered(m.records, fresh)
	return nil
}

// RemoveAll implements Store.
func (m *MemoryStore) RemoveAll(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistErr("remove", ErrStoreClosed)
	}

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	m.records = slices.DeleteFunc(m.records, func(r dispatch.Record) bool {
		_, ok := drop[r.ID]
		return ok
	})
	for _, id := range ids {
		delete(m.ids, id)
	}
	return nil
}

// Prune implements Store.
func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, persistErr("prune", ErrStoreClosed)
	}

	before := len(m.records)
	m.records = slices.DeleteFunc(m.records, func(r dispatch.Record) bool {
		if r.Timestamp.Before(cutoff) {
			delete(m.ids, r.ID)
			return true
		}
		return false
	})
	return before - len(m.records), nil
}

// LastSequence implements Store.
func (m *MemoryStore) LastSequence(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, persistErr("last_sequence", ErrStoreClosed)
	}
	return m.lastSeq, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	m.ids = nil
	return nil
}

// Has reports whether a record with id is pending.
func (m *MemoryStore) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok
}

// insertOrdered merges recs into dst by sequence. Ties keep recs first
// so requeued records go ahead of anything appended with the same
// sequence.
func insertOrdered(dst, recs []dispatch.Record) []dispatch.Record {
	if len(recs) == 0 {
		return dst
	}
	merged := make([]dispatch.Record, 0, len(dst)+len(recs))
	merged = append(merged, recs...)
	merged = append(merged, dst...)
	slices.SortStableFunc(merged, func(a, b dispatch.Record) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		default:
			return 0
		}
	})
	return merged
}
