// internal/types/row.go
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventRow is an event as read from storage, before decoding. Rows are
// handed out undecoded so a single corrupt row can be skipped by the reader
// instead of failing a whole batch.
type EventRow struct {
	ID         string
	SessionID  string
	Type       string
	Timestamp  string
	ToolName   *string
	DurationMs *int64
	Data       string
	Sequence   int64
	CreatedAt  string
}

// Decode parses the row into an Event, checking the event type, both
// timestamps, and the payload shape.
func (r *EventRow) Decode() (*Event, error) {
	t := EventType(r.Type)
	if !t.Valid() {
		return nil, fmt.Errorf("event %s: unknown event type %q", r.ID, r.Type)
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("event %s: parse timestamp: %w", r.ID, err)
	}
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("event %s: parse created_at: %w", r.ID, err)
	}
	data := json.RawMessage(r.Data)
	if _, err := DecodePayload(t, data); err != nil {
		return nil, fmt.Errorf("event %s: %w", r.ID, err)
	}
	return &Event{
		ID:         EventID(r.ID),
		SessionID:  SessionID(r.SessionID),
		Type:       t,
		Timestamp:  ts,
		ToolName:   r.ToolName,
		DurationMs: r.DurationMs,
		Data:       data,
		Sequence:   r.Sequence,
		CreatedAt:  created,
	}, nil
}
