// internal/state/session.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/user/chronicle/internal/types"
)

const sessionColumns = `id, external_session_id, project_path, branch, commit_sha,
	start_time, end_time, event_count, duration_ms, orphan, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		sess                    types.Session
		id                      string
		start, created, updated string
		end                     sql.NullString
		eventCount, durationMs  sql.NullInt64
		orphan                  int
	)
	err := row.Scan(&id, &sess.ExternalID, &sess.ProjectPath, &sess.Branch, &sess.Commit,
		&start, &end, &eventCount, &durationMs, &orphan, &created, &updated)
	if err != nil {
		return nil, err
	}
	sess.ID = types.SessionID(id)
	sess.Orphan = orphan != 0
	if eventCount.Valid {
		sess.EventCount = &eventCount.Int64
	}
	if durationMs.Valid {
		sess.DurationMs = &durationMs.Int64
	}
	if sess.StartTime, err = parseTime(start); err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	if sess.EndTime, err = parseNullTime(end); err != nil {
		return nil, fmt.Errorf("parse end_time: %w", err)
	}
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &sess, nil
}

// UpsertSession inserts a session keyed on its external id, or updates the
// mutable fields of the existing row. Empty input fields leave the stored
// value alone. A session first created as an orphan by an early event is
// adopted here: its placeholder start time is replaced and the orphan flag
// cleared.
func (s *Store) UpsertSession(ctx context.Context, in *types.SessionInput) (*types.Session, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var out *types.Session
	err := s.write(ctx, "upsert session", func(tx *sql.Tx) error {
		now := formatTime(s.now())
		start := in.StartTime
		if start.IsZero() {
			start = s.now()
		}
		var end any
		if in.EndTime != nil {
			end = formatTime(*in.EndTime)
		}

		existing, err := scanSession(tx.QueryRowContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE external_session_id = ?", in.ExternalID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id := types.NewSessionID()
			_, err = tx.ExecContext(ctx, `INSERT INTO sessions
				(id, external_session_id, project_path, branch, commit_sha, start_time, end_time, orphan, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
				string(id), in.ExternalID, in.ProjectPath, in.Branch, in.Commit, formatTime(start), end, now, now)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			startValue := formatTime(existing.StartTime)
			if existing.Orphan && !in.StartTime.IsZero() {
				startValue = formatTime(in.StartTime)
			}
			_, err = tx.ExecContext(ctx, `UPDATE sessions SET
				project_path = COALESCE(NULLIF(?, ''), project_path),
				branch = COALESCE(NULLIF(?, ''), branch),
				commit_sha = COALESCE(NULLIF(?, ''), commit_sha),
				end_time = COALESCE(?, end_time),
				start_time = ?,
				orphan = 0,
				updated_at = ?
				WHERE id = ?`,
				in.ProjectPath, in.Branch, in.Commit, end, startValue, now, string(existing.ID))
			if err != nil {
				return err
			}
		}

		out, err = scanSession(tx.QueryRowContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE external_session_id = ?", in.ExternalID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession returns the session with the given external id.
func (s *Store) GetSession(ctx context.Context, externalID string) (*types.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE external_session_id = ?", externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetSessionByID returns the session with the given server-assigned id.
func (s *Store) GetSessionByID(ctx context.Context, id types.SessionID) (*types.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recently started sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*types.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY start_time DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
