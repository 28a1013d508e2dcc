// internal/types/models.go
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType is the closed set of event kinds a producer may emit.
type EventType string

const (
	EventSessionStart  EventType = "session_start"
	EventSessionEnd    EventType = "session_end"
	EventToolUsePre    EventType = "tool_use-pre"
	EventToolUsePost   EventType = "tool_use-post"
	EventPrompt        EventType = "prompt"
	EventNotification  EventType = "notification"
	EventPreCompaction EventType = "pre_compaction"
	EventSubagentStop  EventType = "subagent_stop"
)

var eventTypes = []EventType{
	EventSessionStart,
	EventSessionEnd,
	EventToolUsePre,
	EventToolUsePost,
	EventPrompt,
	EventNotification,
	EventPreCompaction,
	EventSubagentStop,
}

// EventTypes returns every known event type in declaration order.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	for _, known := range eventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsToolUse reports whether t is a pre or post tool-use event.
func (t EventType) IsToolUse() bool {
	return t == EventToolUsePre || t == EventToolUsePost
}

// ParseEventType accepts the canonical names plus the underscore spelling
// of the tool-use types ("tool_use_pre").
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.TrimSpace(s))
	switch t {
	case "tool_use_pre", "pre_tool_use":
		t = EventToolUsePre
	case "tool_use_post", "post_tool_use":
		t = EventToolUsePost
	}
	if !t.Valid() {
		return "", invalid("event_type", "unknown event type %q", s)
	}
	return t, nil
}

type Session struct {
	ID          SessionID  `json:"id"`
	ExternalID  string     `json:"external_session_id"`
	ProjectPath string     `json:"project_path,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	Commit      string     `json:"commit,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	EventCount  *int64     `json:"event_count,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	Orphan      bool       `json:"orphan,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Event struct {
	ID         EventID         `json:"id"`
	SessionID  SessionID       `json:"session_id"`
	Type       EventType       `json:"event_type"`
	Timestamp  time.Time       `json:"timestamp"`
	ToolName   *string         `json:"tool_name,omitempty"`
	DurationMs *int64          `json:"duration_ms,omitempty"`
	Data       json.RawMessage `json:"data"`
	Sequence   int64           `json:"sequence"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SessionInput is what a producer submits to open or update a session.
type SessionInput struct {
	ExternalID  string     `json:"external_session_id"`
	ProjectPath string     `json:"project_path,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	Commit      string     `json:"commit,omitempty"`
	StartTime   time.Time  `json:"start_time,omitzero"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

const maxExternalIDLen = 256

func (in *SessionInput) Validate() error {
	if in == nil {
		return invalid("session", "missing")
	}
	if strings.TrimSpace(in.ExternalID) == "" {
		return invalid("external_session_id", "required")
	}
	if len(in.ExternalID) > maxExternalIDLen {
		return invalid("external_session_id", "longer than %d bytes", maxExternalIDLen)
	}
	if in.EndTime != nil && !in.StartTime.IsZero() && in.EndTime.Before(in.StartTime) {
		return invalid("end_time", "before start_time")
	}
	return nil
}

// EventInput is what a producer submits for a single event. The session is
// referenced by its producer-assigned external id.
type EventInput struct {
	ExternalSessionID string          `json:"external_session_id"`
	Type              EventType       `json:"event_type"`
	Timestamp         time.Time       `json:"timestamp,omitzero"`
	ToolName          string          `json:"tool_name,omitempty"`
	DurationMs        *int64          `json:"duration_ms,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
}

// Normalize fills defaults: an empty payload becomes {}, a missing timestamp
// becomes now, and a tool name present only in a tool-use payload is lifted
// to ToolName.
func (in *EventInput) Normalize(now time.Time) {
	if len(in.Data) == 0 {
		in.Data = json.RawMessage(`{}`)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}
	if in.ToolName == "" && in.Type.IsToolUse() {
		var p ToolUsePayload
		if json.Unmarshal(in.Data, &p) == nil {
			in.ToolName = p.ToolName
		}
	}
}

// Validate checks the envelope and decodes the typed payload for the event
// type. It does not mutate the input; call Normalize first.
func (in *EventInput) Validate() error {
	if in == nil {
		return invalid("event", "missing")
	}
	if strings.TrimSpace(in.ExternalSessionID) == "" {
		return invalid("external_session_id", "required")
	}
	if len(in.ExternalSessionID) > maxExternalIDLen {
		return invalid("external_session_id", "longer than %d bytes", maxExternalIDLen)
	}
	if !in.Type.Valid() {
		return invalid("event_type", "unknown event type %q", in.Type)
	}
	if in.Timestamp.IsZero() {
		return invalid("timestamp", "required")
	}
	if in.DurationMs != nil && *in.DurationMs < 0 {
		return invalid("duration_ms", "negative")
	}
	if in.Type.IsToolUse() && in.ToolName == "" {
		return invalid("tool_name", "required for %s", in.Type)
	}
	if _, err := DecodePayload(in.Type, in.Data); err != nil {
		return err
	}
	return nil
}

// BroadcastMessage is the wire shape pushed to subscribers. ToolName and
// CreatedAt are carried for filtering and latency accounting only.
type BroadcastMessage struct {
	ID        EventID         `json:"id"`
	EventType EventType       `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID SessionID       `json:"sessionId"`
	Sequence  int64           `json:"sequence"`
	Data      json.RawMessage `json:"data"`

	ToolName  string    `json:"-"`
	CreatedAt time.Time `json:"-"`
}

// NewBroadcastMessage builds the subscriber view of a stored event.
func NewBroadcastMessage(e *Event) *BroadcastMessage {
	msg := &BroadcastMessage{
		ID:        e.ID,
		EventType: e.Type,
		Timestamp: e.Timestamp,
		SessionID: e.SessionID,
		Sequence:  e.Sequence,
		Data:      e.Data,
		CreatedAt: e.CreatedAt,
	}
	if e.ToolName != nil {
		msg.ToolName = *e.ToolName
	}
	return msg
}
