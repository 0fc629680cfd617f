package store

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
)

// FallbackStore keeps records in memory when the durable primary fails.
//
// A failed primary Append still returns a PersistenceError so the
// caller can log it, but the error reports Retained and the record is
// delivered with the rest. Reads merge both tiers by sequence.
type FallbackStore struct {
	primary  Store
	overflow *MemoryStore
}

// Compile-time interface check.
var _ Store = (*FallbackStore)(nil)

// NewFallbackStore wraps primary with an in-memory overflow tier.
func NewFallbackStore(primary Store) *FallbackStore {
	return &FallbackStore{
		primary:  primary,
		overflow: NewMemoryStore(),
	}
}

// Append implements Store. Duplicate and closed-store errors from the
// primary are returned as is; only storage failures fall back to memory.
func (f *FallbackStore) Append(ctx context.Context, rec dispatch.Record) error {
	if f.overflow.Has(rec.ID) {
		return duplicateErr(rec.ID)
	}
	err := f.primary.Append(ctx, rec)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreClosed) || errors.Is(err, ErrDuplicate) {
		return err
	}

	if oerr := f.overflow.Append(ctx, rec); oerr != nil {
		return persistErr("append", errors.Join(err, oerr))
	}
	return &berrors.PersistenceError{Op: "append", Retained: true, Err: unwrapPersist(err)}
}

// Count implements Store.
func (f *FallbackStore) Count(ctx context.Context) (int, error) {
	extra, _ := f.overflow.Count(ctx)
	n, err := f.primary.Count(ctx)
	if err != nil {
		return extra, err
	}
	return n + extra, nil
}

// Drain implements Store. Up to max records are taken from each tier
// and the oldest max of the union are returned; the rest go back to
// the tier they came from.
func (f *FallbackStore) Drain(ctx context.Context, max int) ([]dispatch.Record, error) {
	fromOverflow, err := f.overflow.Drain(ctx, max)
	if err != nil {
		return nil, err
	}
	fromPrimary, perr := f.primary.Drain(ctx, max)
	if perr != nil {
		if len(fromOverflow) == 0 {
			return nil, perr
		}
		// Primary unreadable: still deliver what memory holds.
		return fromOverflow, nil
	}
	if len(fromOverflow) == 0 {
		return fromPrimary, nil
	}

	merged := insertOrdered(fromPrimary, fromOverflow)
	if len(merged) <= max {
		return merged, nil
	}

	out, rest := merged[:max], merged[max:]
	inOverflow := make(map[string]struct{}, len(fromOverflow))
	for _, r := range fromOverflow {
		inOverflow[r.ID] = struct{}{}
	}
	var backPrimary, backOverflow []dispatch.Record
	for _, r := range rest {
		if _, ok := inOverflow[r.ID]; ok {
			backOverflow = append(backOverflow, r)
		} else {
			backPrimary = append(backPrimary, r)
		}
	}
	if err := f.primary.Requeue(ctx, backPrimary); err != nil {
		backOverflow = append(backOverflow, backPrimary...)
	}
	if err := f.overflow.Requeue(ctx, backOverflow); err != nil {
		return nil, err
	}
	return out, nil
}

// Requeue implements Store.
func (f *FallbackStore) Requeue(ctx context.Context, recs []dispatch.Record) error {
	err := f.primary.Requeue(ctx, recs)
	if err == nil || errors.Is(err, ErrStoreClosed) {
		return err
	}
	if oerr := f.overflow.Requeue(ctx, recs); oerr != nil {
		return persistErr("requeue", errors.Join(err, oerr))
	}
	return &berrors.PersistenceError{Op: "requeue", Retained: true, Err: unwrapPersist(err)}
}

// RemoveAll implements Store.
func (f *FallbackStore) RemoveAll(ctx context.Context, ids []string) error {
	return errors.Join(f.primary.RemoveAll(ctx, ids), f.overflow.RemoveAll(ctx, ids))
}

// Prune implements Store.
func (f *FallbackStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := f.primary.Prune(ctx, cutoff)
	m, oerr := f.overflow.Prune(ctx, cutoff)
	return n + m, errors.Join(err, oerr)
}

// LastSequence implements Store.
func (f *FallbackStore) LastSequence(ctx context.Context) (uint64, error) {
	over, _ := f.overflow.LastSequence(ctx)
	last, err := f.primary.LastSequence(ctx)
	if err != nil {
		return over, err
	}
	return max(last, over), nil
}

// Overflow returns the number of records held only in memory.
func (f *FallbackStore) Overflow() int {
	n, _ := f.overflow.Count(context.Background())
	return n
}

// Close implements Store.
func (f *FallbackStore) Close() error {
	return errors.Join(f.primary.Close(), f.overflow.Close())
}

func unwrapPersist(err error) error {
	var pe *berrors.PersistenceError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}
