// Package store provides durable storage for records awaiting dispatch.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
)

// Store holds records that have been accepted but not yet delivered.
// Records are kept in sequence order. Implementations must be safe for
// concurrent use, and every mutation is linearizable: an Append racing a
// Drain either lands in the drained slice or stays in the store.
type Store interface {
	// Append adds a record at the tail. A record with a zero sequence
	// is assigned the next sequence after the store's high-water mark.
	// A record whose ID is already pending fails with ErrDuplicate.
	Append(ctx context.Context, rec dispatch.Record) error

	// Count returns the number of pending records.
	Count(ctx context.Context) (int, error)

	// Drain atomically removes and returns up to max of the oldest
	// records. Returns an empty slice (not error) when the store is empty.
	Drain(ctx context.Context, max int) ([]dispatch.Record, error)

	// Requeue puts previously drained records back at their original
	// position so they are the first to drain next time.
	Requeue(ctx context.Context, recs []dispatch.Record) error

	// RemoveAll deletes the records with the given IDs. Unknown IDs are
	// ignored.
	RemoveAll(ctx context.Context, ids []string) error

	// Prune deletes records whose timestamp is before cutoff and
	// returns how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	// LastSequence returns the highest sequence ever appended.
	LastSequence(ctx context.Context) (uint64, error)

	// Close releases any resources (connections, files).
	Close() error
}

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = fmt.Errorf("dispatch store: %w", berrors.ErrClosed)

// ErrDuplicate indicates a record with the same ID is already pending.
// The store is unchanged.
var ErrDuplicate = errors.New("dispatch store: duplicate record id")

func duplicateErr(id string) error {
	return persistErr("append", fmt.Errorf("%w: %s", ErrDuplicate, id))
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &berrors.PersistenceError{Op: op, Err: err}
}
