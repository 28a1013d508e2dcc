// internal/types/payload.go
package types

import (
	"bytes"
	"encoding/json"
)

// Payload is the typed view of an event's data blob. Each event type has
// exactly one payload type; unknown fields are kept in the stored blob.
type Payload interface {
	EventType() EventType
	Validate() error
}

type SessionStartPayload struct {
	Source      string `json:"source,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	GitBranch   string `json:"git_branch,omitempty"`
}

type SessionEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ToolUsePayload struct {
	Phase    EventType       `json:"-"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"tool_input,omitempty"`
	Response json.RawMessage `json:"tool_response,omitempty"`
}

type PromptPayload struct {
	Prompt string `json:"prompt,omitempty"`
}

type NotificationPayload struct {
	Message string `json:"message,omitempty"`
	Title   string `json:"title,omitempty"`
}

type CompactionPayload struct {
	Trigger            string `json:"trigger,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
}

type SubagentStopPayload struct {
	StopHookActive bool `json:"stop_hook_active,omitempty"`
}

func (SessionStartPayload) EventType() EventType { return EventSessionStart }
func (SessionEndPayload) EventType() EventType   { return EventSessionEnd }
func (p ToolUsePayload) EventType() EventType    { return p.Phase }
func (PromptPayload) EventType() EventType       { return EventPrompt }
func (NotificationPayload) EventType() EventType { return EventNotification }
func (CompactionPayload) EventType() EventType   { return EventPreCompaction }
func (SubagentStopPayload) EventType() EventType { return EventSubagentStop }

func (SessionStartPayload) Validate() error { return nil }
func (SessionEndPayload) Validate() error   { return nil }
func (PromptPayload) Validate() error       { return nil }
func (SubagentStopPayload) Validate() error { return nil }

func (p ToolUsePayload) Validate() error {
	if len(p.Input) > 0 && !json.Valid(p.Input) {
		return invalid("data.tool_input", "not valid JSON")
	}
	return nil
}

func (p NotificationPayload) Validate() error {
	if p.Message == "" && p.Title == "" {
		return invalid("data", "notification needs a message or title")
	}
	return nil
}

func (p CompactionPayload) Validate() error {
	switch p.Trigger {
	case "", "manual", "auto":
		return nil
	}
	return invalid("data.trigger", "unknown compaction trigger %q", p.Trigger)
}

// DecodePayload decodes raw into the payload type for t and validates it.
// The blob must be a JSON object; an empty blob decodes as {}.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) || trimmed[0] != '{' {
		return nil, invalid("data", "must be a JSON object")
	}

	var p Payload
	switch t {
	case EventSessionStart:
		p = &SessionStartPayload{}
	case EventSessionEnd:
		p = &SessionEndPayload{}
	case EventToolUsePre, EventToolUsePost:
		p = &ToolUsePayload{Phase: t}
	case EventPrompt:
		p = &PromptPayload{}
	case EventNotification:
		p = &NotificationPayload{}
	case EventPreCompaction:
		p = &CompactionPayload{}
	case EventSubagentStop:
		p = &SubagentStopPayload{}
	default:
		return nil, invalid("event_type", "unknown event type %q", t)
	}

	if err := json.Unmarshal(trimmed, p); err != nil {
		return nil, invalid("data", "%v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
