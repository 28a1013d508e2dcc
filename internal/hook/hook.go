// Package hook is the producer side: one short-lived invocation per
// instrumented event. It reads the hook payload, writes through the
// backend selector and manages the server lifecycle, all inside a fixed
// time budget. It never fails the caller.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/user/chronicle/internal/lifecycle"
	"github.com/user/chronicle/internal/types"
)

// Writer is the write side of the backend selector.
type Writer interface {
	SaveSession(ctx context.Context, in *types.SessionInput) (bool, string)
	SaveEvent(ctx context.Context, in *types.EventInput) bool
}

// Lifecycle starts the server on session start and releases it on
// session end.
type Lifecycle interface {
	StartIfNeeded(ref string) (lifecycle.Result, error)
	StopSession(ref string) (lifecycle.Result, error)
}

// Input is the JSON document the agent writes to the hook's stdin. Only
// the fields needed for routing are decoded; the whole document becomes
// the event payload.
type Input struct {
	SessionID      string `json:"session_id"`
	HookEventName  string `json:"hook_event_name"`
	Cwd            string `json:"cwd"`
	TranscriptPath string `json:"transcript_path"`
	ToolName       string `json:"tool_name"`
}

// agentEvents maps agent hook names onto event types.
var agentEvents = map[string]types.EventType{
	"SessionStart":     types.EventSessionStart,
	"SessionEnd":       types.EventSessionEnd,
	"PreToolUse":       types.EventToolUsePre,
	"PostToolUse":      types.EventToolUsePost,
	"UserPromptSubmit": types.EventPrompt,
	"Notification":     types.EventNotification,
	"PreCompact":       types.EventPreCompaction,
	"SubagentStop":     types.EventSubagentStop,
}

// ResolveEventType picks the event type from the command argument, or
// from the hook payload's event name when the argument is empty.
func ResolveEventType(arg, hookEventName string) (types.EventType, error) {
	if arg == "" {
		if t, ok := agentEvents[hookEventName]; ok {
			return t, nil
		}
		arg = hookEventName
	}
	if t, ok := agentEvents[arg]; ok {
		return t, nil
	}
	return types.ParseEventType(arg)
}

// Options configure a hook run.
type Options struct {
	Writer    Writer
	Lifecycle Lifecycle // nil disables server management
	// Budget is the hard limit for the whole run. Default DefaultBudget.
	Budget time.Duration
	// Start is the wall-clock time the producer process began. When set,
	// the budget runs from Start rather than from the call to Run, so work
	// done before Run counts against it.
	Start time.Time
	// Git resolves branch and commit for a project directory. Default
	// reads .git directly.
	Git    func(dir string) (branch, commit string)
	Logger *slog.Logger
	Clock  func() time.Time
}

// Report describes what a run did. It is for logging only.
type Report struct {
	EventType types.EventType   `json:"event_type,omitempty"`
	Session   string            `json:"session,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Stored    bool              `json:"stored"`
	Lifecycle *lifecycle.Result `json:"lifecycle,omitempty"`
	Error     string            `json:"error,omitempty"`
	Elapsed   time.Duration     `json:"elapsed_ns"`
}

const maxInput = 1 << 20

// DefaultBudget is the producer budget when Options.Budget is unset.
const DefaultBudget = 90 * time.Millisecond

// Run handles one hook invocation.
func Run(ctx context.Context, arg string, stdin io.Reader, opts Options) Report {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Git == nil {
		opts.Git = GitInfo
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	start := opts.Start
	var cancel context.CancelFunc
	if start.IsZero() {
		start = opts.Clock()
		ctx, cancel = context.WithTimeout(ctx, opts.Budget)
	} else {
		ctx, cancel = context.WithDeadline(ctx, start.Add(opts.Budget))
	}
	defer cancel()

	rep := run(ctx, arg, stdin, opts, start)
	rep.Elapsed = opts.Clock().Sub(start)
	if rep.Error != "" {
		opts.Logger.Warn("hook failed", "event_type", rep.EventType, "session", rep.Session, "error", rep.Error, "elapsed", rep.Elapsed)
	}
	return rep
}

func run(ctx context.Context, arg string, stdin io.Reader, opts Options, now time.Time) Report {
	var rep Report

	raw, err := io.ReadAll(io.LimitReader(stdin, maxInput))
	if err != nil {
		rep.Error = fmt.Sprintf("read input: %v", err)
		return rep
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		rep.Error = fmt.Sprintf("decode input: %v", err)
		return rep
	}

	typ, err := ResolveEventType(arg, in.HookEventName)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.EventType = typ
	rep.Session = in.SessionID

	if typ == types.EventSessionStart {
		if opts.Lifecycle != nil {
			rep.Lifecycle = manage(opts.Lifecycle.StartIfNeeded, in.SessionID, &rep)
		}
		branch, commit := opts.Git(in.Cwd)
		ok, id := opts.Writer.SaveSession(ctx, &types.SessionInput{
			ExternalID:  in.SessionID,
			ProjectPath: in.Cwd,
			Branch:      branch,
			Commit:      commit,
			StartTime:   now,
		})
		if !ok {
			rep.Error = "session not stored"
			return rep
		}
		rep.SessionID = id
	}

	rep.Stored = opts.Writer.SaveEvent(ctx, &types.EventInput{
		ExternalSessionID: in.SessionID,
		Type:              typ,
		Timestamp:         now,
		ToolName:          in.ToolName,
		Data:              json.RawMessage(raw),
	})
	if !rep.Stored && rep.Error == "" {
		rep.Error = "event not stored"
	}

	if typ == types.EventSessionEnd && opts.Lifecycle != nil {
		rep.Lifecycle = manage(opts.Lifecycle.StopSession, in.SessionID, &rep)
	}
	return rep
}

func manage(call func(string) (lifecycle.Result, error), ref string, rep *Report) *lifecycle.Result {
	res, err := call(ref)
	if err != nil && rep.Error == "" {
		rep.Error = fmt.Sprintf("lifecycle: %v", err)
	}
	return &res
}
