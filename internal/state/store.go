// internal/state/store.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/chronicle/internal/retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a session lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrContention is returned when a write could not get the database
	// lock within the retry policy.
	ErrContention = errors.New("store contention")
)

// Store is the embedded SQLite store. It is safe for concurrent use and for
// use by several processes sharing the same file.
type Store struct {
	db     *sql.DB
	path   string
	policy *retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*options)

type options struct {
	policy      *retry.Policy
	logger      *slog.Logger
	busyTimeout time.Duration
	now         func() time.Time
}

// WithRetryPolicy replaces the lock-contention retry policy. The policy's
// classifier is always overridden with the store's busy detection.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger sets the logger used for contention warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBusyTimeout sets SQLite's own busy wait per statement. Keep it small;
// the retry policy does the rest.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	o := options{
		policy:      retry.DefaultPolicy(),
		logger:      slog.Default(),
		busyTimeout: 10 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	policy := *o.policy
	policy.Retryable = isBusy

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path, o.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		policy: &policy,
		logger: o.logger,
		now:    o.now,
	}

	// Schema creation takes the write lock too, so a fresh file opened by
	// several producers at once goes through the same retry loop.
	res := s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, schema)
		return err
	})
	if !res.OK() {
		db.Close()
		return nil, s.writeError("init schema", res)
	}
	return s, nil
}

func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// isBusy reports whether err is SQLite lock contention.
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// writeError turns a failed retry result into a returned error, marking
// exhausted contention with ErrContention.
func (s *Store) writeError(op string, res retry.Result) error {
	if res.Outcome == retry.Exhausted && isBusy(res.Err) {
		s.logger.Warn("store write gave up on lock contention",
			"op", op, "attempts", res.Attempts, "waited", res.Waited, "error", res.Err)
		return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrContention, res.Attempts, res.Err)
	}
	return fmt.Errorf("%s: %w", op, res.Err)
}

// write runs fn inside an immediate transaction, retrying on contention.
func (s *Store) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	res := s.policy.Do(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if !res.OK() {
		return s.writeError(op, res)
	}
	if res.Attempts > 1 {
		s.logger.Debug("store write retried", "op", op, "attempts", res.Attempts, "waited", res.Waited)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Size returns the on-disk size of the database and its WAL in bytes.
func (s *Store) Size() int64 {
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// Ping verifies the database is reachable and readable.
func (s *Store) Ping(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'events'").Scan(&n); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("ping store: events table missing")
	}
	return nil
}

// Checkpoint copies committed WAL frames back into the database file
// without blocking readers or writers. It reports how many frames the WAL
// held and how many were moved.
func (s *Store) Checkpoint(ctx context.Context) (logFrames, checkpointed int, err error) {
	var busy int
	row := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	if err := row.Scan(&busy, &logFrames, &checkpointed); err != nil {
		return 0, 0, fmt.Errorf("checkpoint: %w", err)
	}
	return logFrames, checkpointed, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
