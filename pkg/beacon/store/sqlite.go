package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"modernc.org/sqlite" // Pure Go SQLite driver
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
)

// SQLiteStore persists pending records to SQLite so they survive a
// restart. Rows are keyed by sequence, which puts a requeued record
// back at its original position.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithLogger sets the logger used for rows that fail to decode.
func WithLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		s.logger = logger
	}
}

// NewSQLiteStore opens (or creates) a store at path.
// The path should be a file path (e.g., "./dispatch.db") or ":memory:" for testing.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: the store mutex serializes access anyway, and
	// ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatches (
			sequence INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			timestamp INTEGER NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatch_meta (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_dispatches_timestamp
		ON dispatches(timestamp)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	s := &SQLiteStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, rec dispatch.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistErr("append", ErrStoreClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("append", fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	if rec.Sequence == 0 {
		last, err := lastSequence(ctx, tx)
		if err != nil {
			return persistErr("append", err)
		}
		rec = rec.WithSequence(last + 1)
	}

	if err := insertRecord(ctx, tx, rec, false); err != nil {
		if isUniqueViolation(err) {
			return duplicateErr(rec.ID)
		}
		return persistErr("append", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dispatch_meta (key, value) VALUES ('last_sequence', ?)
		ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)
	`, int64(rec.Sequence)); err != nil {
		return persistErr("append", fmt.Errorf("update high-water mark: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return persistErr("append", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, persistErr("count", ErrStoreClosed)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatches`).Scan(&n); err != nil {
		return 0, persistErr("count", err)
	}
	return n, nil
}

// Drain implements Store. Selection and deletion share one transaction.
func (s *SQLiteStore) Drain(ctx context.Context, max int) ([]dispatch.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, persistErr("drain", ErrStoreClosed)
	}
	if max <= 0 {
		return []dispatch.Record{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("drain", fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, data FROM dispatches
		ORDER BY sequence
		LIMIT ?
	`, max)
	if err != nil {
		return nil, persistErr("drain", fmt.Errorf("select: %w", err))
	}

	out := make([]dispatch.Record, 0, max)
	var upTo int64
	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			rows.Close()
			return nil, persistErr("drain", fmt.Errorf("scan: %w", err))
		}
		upTo = seq

		var rec dispatch.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			// Undecodable rows are dropped with the rest of the drain
			// rather than blocking the head of the queue forever.
			s.logger.Warn("dropping undecodable record",
				slog.Int64("sequence", seq),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, persistErr("drain", fmt.Errorf("iterate: %w", err))
	}
	rows.Close()

	if upTo == 0 {
		return out, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dispatches WHERE sequence <= ?`, upTo); err != nil {
		return nil, persistErr("drain", fmt.Errorf("delete: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("drain", fmt.Errorf("commit: %w", err))
	}
	return out, nil
}

// Requeue implements Store. Records already present are left alone.
func (s *SQLiteStore) Requeue(ctx context.Context, recs []dispatch.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistErr("requeue", ErrStoreClosed)
	}
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("requeue", fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if err := insertRecord(ctx, tx, rec, true); err != nil {
			return persistErr("requeue", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persistErr("requeue", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// RemoveAll implements Store.
func (s *SQLiteStore) RemoveAll(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistErr("remove", ErrStoreClosed)
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("remove", fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM dispatches WHERE id = ?`)
	if err != nil {
		return persistErr("remove", fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return persistErr("remove", fmt.Errorf("delete %s: %w", id, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return persistErr("remove", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, persistErr("prune", ErrStoreClosed)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM dispatches WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, persistErr("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("prune", err)
	}
	return int(n), nil
}

// LastSequence implements Store.
func (s *SQLiteStore) LastSequence(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, persistErr("last_sequence", ErrStoreClosed)
	}

	last, err := lastSequence(ctx, s.db)
	if err != nil {
		return 0, persistErr("last_sequence", err)
	}
	return last, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lastSequence(ctx context.Context, q queryer) (uint64, error) {
	var last int64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT value FROM dispatch_meta WHERE key = 'last_sequence'), 0),
			COALESCE((SELECT MAX(sequence) FROM dispatches), 0)
		)
	`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read high-water mark: %w", err)
	}
	return uint64(last), nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec dispatch.Record, ignoreExisting bool) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	query := `INSERT INTO dispatches (sequence, id, timestamp, data) VALUES (?, ?, ?, ?)`
	if ignoreExisting {
		query = `INSERT OR IGNORE INTO dispatches (sequence, id, timestamp, data) VALUES (?, ?, ?, ?)`
	}
	if _, err := tx.ExecContext(ctx, query, int64(rec.Sequence), rec.ID, rec.Timestamp.UnixNano(), data); err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

// isUniqueViolation reports a UNIQUE constraint failure, which on the
// dispatches table can only be the record id.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
