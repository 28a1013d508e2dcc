// internal/state/event.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/chronicle/internal/types"
)

const eventColumns = `id, session_id, event_type, timestamp, tool_name, duration_ms, data, sequence, created_at`

// InsertEvent stores one event. The session is resolved by external id; an
// unknown id creates an orphan session so no event is ever rejected for
// arriving before its session_start. The sequence number is assigned inside
// the write transaction, so sequence order is commit order across every
// process sharing the file.
//
// A session_end event also fills the session's end time, duration and event
// count, once.
func (s *Store) InsertEvent(ctx context.Context, in *types.EventInput) (*types.Event, error) {
	in.Normalize(s.now())
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var out *types.Event
	err := s.write(ctx, "insert event", func(tx *sql.Tx) error {
		created := s.now()

		sessionID, start, err := s.resolveSession(ctx, tx, in, created)
		if err != nil {
			return err
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) + 1 FROM events").Scan(&seq); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		ev := &types.Event{
			ID:         types.NewEventID(),
			SessionID:  sessionID,
			Type:       in.Type,
			Timestamp:  in.Timestamp,
			DurationMs: in.DurationMs,
			Data:       in.Data,
			Sequence:   seq,
			CreatedAt:  created,
		}
		var toolName any
		if in.ToolName != "" {
			name := in.ToolName
			ev.ToolName = &name
			toolName = name
		}
		var duration any
		if in.DurationMs != nil {
			duration = *in.DurationMs
		}

		_, err = tx.ExecContext(ctx, "INSERT INTO events ("+eventColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			string(ev.ID), string(ev.SessionID), string(ev.Type), formatTime(ev.Timestamp),
			toolName, duration, string(ev.Data), ev.Sequence, formatTime(ev.CreatedAt))
		if err != nil {
			return err
		}

		if in.Type == types.EventSessionEnd {
			if err := s.closeSession(ctx, tx, sessionID, start, in.Timestamp, created); err != nil {
				return err
			}
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolveSession returns the internal id and start time for the event's
// session, creating an orphan row when the external id is unknown.
func (s *Store) resolveSession(ctx context.Context, tx *sql.Tx, in *types.EventInput, now time.Time) (types.SessionID, time.Time, error) {
	var id, start string
	err := tx.QueryRowContext(ctx,
		"SELECT id, start_time FROM sessions WHERE external_session_id = ?", in.ExternalSessionID).Scan(&id, &start)
	if err == nil {
		t, err := parseTime(start)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("parse start_time: %w", err)
		}
		return types.SessionID(id), t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, err
	}

	sid := types.NewSessionID()
	orphan := 1
	if in.Type == types.EventSessionStart {
		orphan = 0
	}
	stamp := formatTime(now)
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions
		(id, external_session_id, start_time, orphan, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(sid), in.ExternalSessionID, formatTime(in.Timestamp), orphan, stamp, stamp)
	if err != nil {
		return "", time.Time{}, err
	}
	if orphan == 1 {
		s.logger.Debug("created orphan session", "external_session_id", in.ExternalSessionID, "event_type", in.Type)
	}
	return sid, in.Timestamp, nil
}

// closeSession sets the aggregate columns the first time a session_end is
// stored. Later session_end events leave them untouched.
func (s *Store) closeSession(ctx context.Context, tx *sql.Tx, id types.SessionID, start, end, now time.Time) error {
	var count int64
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE session_id = ? AND event_type != ?",
		string(id), string(types.EventSessionStart)).Scan(&count)
	if err != nil {
		return fmt.Errorf("count session events: %w", err)
	}
	duration := end.Sub(start).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET
		end_time = COALESCE(end_time, ?),
		event_count = ?,
		duration_ms = ?,
		updated_at = ?
		WHERE id = ? AND event_count IS NULL`,
		formatTime(end), count, duration, formatTime(now), string(id))
	return err
}

// CountEventsForSession returns the number of stored events for a session.
func (s *Store) CountEventsForSession(ctx context.Context, id types.SessionID) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE session_id = ?", string(id)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// MaxSequence returns the highest stored sequence number, or 0 when empty.
func (s *Store) MaxSequence(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return n, nil
}

// EventsAfter returns up to limit undecoded rows with sequence greater than
// seq, in ascending sequence order.
func (s *Store) EventsAfter(ctx context.Context, seq int64, limit int) ([]types.EventRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?", seq, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.EventRow
	for rows.Next() {
		row, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// TailEvents returns the last limit events of a session in sequence order.
func (s *Store) TailEvents(ctx context.Context, id types.SessionID, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM (
		SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY sequence DESC LIMIT ?
	) ORDER BY sequence ASC`, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("tail events: %w", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		row, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := row.Decode()
		if err != nil {
			s.logger.Warn("skipping undecodable event", "sequence", row.Sequence, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEventRow(rows *sql.Rows) (types.EventRow, error) {
	var (
		row      types.EventRow
		toolName sql.NullString
		duration sql.NullInt64
	)
	err := rows.Scan(&row.ID, &row.SessionID, &row.Type, &row.Timestamp,
		&toolName, &duration, &row.Data, &row.Sequence, &row.CreatedAt)
	if err != nil {
		return row, err
	}
	if toolName.Valid {
		row.ToolName = &toolName.String
	}
	if duration.Valid {
		row.DurationMs = &duration.Int64
	}
	return row, nil
}
