package hook

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/chronicle/internal/backend"
	"github.com/user/chronicle/internal/lifecycle"
	"github.com/user/chronicle/internal/state"
	"github.com/user/chronicle/internal/types"
	"github.com/user/chronicle/pkg/ingest"
)

type fakeWriter struct {
	mu       sync.Mutex
	sessions []*types.SessionInput
	events   []*types.EventInput
	fail     bool
}

func (w *fakeWriter) SaveSession(ctx context.Context, in *types.SessionInput) (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessions = append(w.sessions, in)
	return !w.fail, "sess-1"
}

func (w *fakeWriter) SaveEvent(ctx context.Context, in *types.EventInput) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, in)
	return !w.fail
}

type fakeLifecycle struct {
	calls []string
	err   error
}

func (l *fakeLifecycle) StartIfNeeded(ref string) (lifecycle.Result, error) {
	l.calls = append(l.calls, "start:"+ref)
	return lifecycle.Result{State: lifecycle.StateStarting, Spawned: true, Refs: 1}, l.err
}

func (l *fakeLifecycle) StopSession(ref string) (lifecycle.Result, error) {
	l.calls = append(l.calls, "stop:"+ref)
	return lifecycle.Result{State: lifecycle.StateStopping, Stopped: true}, l.err
}

func noGit(string) (string, string) { return "main", "abc123" }

func TestResolveEventType(t *testing.T) {
	tests := []struct {
		arg, hookName string
		want          types.EventType
		wantErr       bool
	}{
		{"session_start", "", types.EventSessionStart, false},
		{"tool_use_pre", "", types.EventToolUsePre, false},
		{"", "PostToolUse", types.EventToolUsePost, false},
		{"PreCompact", "", types.EventPreCompaction, false},
		{"", "UserPromptSubmit", types.EventPrompt, false},
		{"", "", "", true},
		{"bogus", "", "", true},
	}
	for _, tt := range tests {
		got, err := ResolveEventType(tt.arg, tt.hookName)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveEventType(%q, %q): unexpected error %v", tt.arg, tt.hookName, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveEventType(%q, %q): expected %q, got %q", tt.arg, tt.hookName, tt.want, got)
		}
	}
}

func TestSessionStartStartsServerAndWritesSession(t *testing.T) {
	w := &fakeWriter{}
	lc := &fakeLifecycle{}
	in := `{"session_id":"ext-1","hook_event_name":"SessionStart","cwd":"/work/proj","source":"startup"}`

	rep := Run(context.Background(), "", strings.NewReader(in), Options{Writer: w, Lifecycle: lc, Git: noGit})

	if rep.Error != "" || !rep.Stored {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(lc.calls) != 1 || lc.calls[0] != "start:ext-1" {
		t.Errorf("expected lifecycle start, got %v", lc.calls)
	}
	if len(w.sessions) != 1 {
		t.Fatalf("expected 1 session write, got %d", len(w.sessions))
	}
	s := w.sessions[0]
	if s.ExternalID != "ext-1" || s.ProjectPath != "/work/proj" || s.Branch != "main" || s.Commit != "abc123" {
		t.Errorf("unexpected session input %+v", s)
	}
	if rep.SessionID != "sess-1" {
		t.Errorf("expected assigned id, got %q", rep.SessionID)
	}
	if len(w.events) != 1 || w.events[0].Type != types.EventSessionStart {
		t.Errorf("expected session_start event, got %+v", w.events)
	}
}

func TestToolUseCarriesPayload(t *testing.T) {
	w := &fakeWriter{}
	in := `{"session_id":"ext-1","tool_name":"Bash","tool_input":{"command":"ls"}}`

	rep := Run(context.Background(), "tool_use-pre", strings.NewReader(in), Options{Writer: w, Git: noGit})
	if !rep.Stored {
		t.Fatalf("expected stored, got %+v", rep)
	}
	ev := w.events[0]
	if ev.ToolName != "Bash" {
		t.Errorf("expected tool name Bash, got %q", ev.ToolName)
	}
	if !strings.Contains(string(ev.Data), `"command":"ls"`) {
		t.Errorf("expected raw payload preserved, got %s", ev.Data)
	}
	if len(w.sessions) != 0 {
		t.Error("tool use must not write a session")
	}
}

func TestSessionEndReleasesServer(t *testing.T) {
	w := &fakeWriter{}
	lc := &fakeLifecycle{}
	Run(context.Background(), "session_end", strings.NewReader(`{"session_id":"ext-1"}`), Options{Writer: w, Lifecycle: lc})
	if len(lc.calls) != 1 || lc.calls[0] != "stop:ext-1" {
		t.Errorf("expected lifecycle stop, got %v", lc.calls)
	}
}

func TestFailuresAreReportedNotRaised(t *testing.T) {
	w := &fakeWriter{fail: true}
	lc := &fakeLifecycle{err: errors.New("lock busy")}

	rep := Run(context.Background(), "session_start", strings.NewReader(`{"session_id":"ext-1"}`), Options{Writer: w, Lifecycle: lc, Git: noGit})
	if rep.Error == "" {
		t.Error("expected error in report")
	}

	rep = Run(context.Background(), "prompt", strings.NewReader(`{not json`), Options{Writer: &fakeWriter{}})
	if rep.Error == "" || rep.Stored {
		t.Errorf("expected decode failure in report, got %+v", rep)
	}
}

func TestRunWithinBudgetAgainstStore(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(ctx, filepath.Join(t.TempDir(), "chronicle.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// A local backend that is down: the write must still land in the store.
	down := backend.NewHTTPBackend("local", ingest.New(&ingest.Config{BaseURL: "http://127.0.0.1:1", Timeout: 50 * time.Millisecond}))
	sel := backend.New(backend.NewStoreBackend(store, nil), down, nil, backend.Options{})

	opts := Options{Writer: sel, Git: noGit, Budget: 90 * time.Millisecond}
	inputs := []struct{ arg, body string }{
		{"session_start", `{"session_id":"ext-b","cwd":"/p"}`},
		{"tool_use-pre", `{"session_id":"ext-b","tool_name":"Read"}`},
		{"session_end", `{"session_id":"ext-b"}`},
	}
	for _, in := range inputs {
		start := time.Now()
		rep := Run(ctx, in.arg, strings.NewReader(in.body), opts)
		if !rep.Stored {
			t.Fatalf("%s not stored: %+v", in.arg, rep)
		}
		if d := time.Since(start); d > 100*time.Millisecond {
			t.Errorf("%s took %v, over budget", in.arg, d)
		}
	}

	sess, err := store.GetSession(ctx, "ext-b")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Branch != "main" || sess.EndTime == nil {
		t.Errorf("unexpected session %+v", sess)
	}
}

type deadlineWriter struct {
	fakeWriter
	deadline time.Time
}

func (w *deadlineWriter) SaveEvent(ctx context.Context, in *types.EventInput) bool {
	w.deadline, _ = ctx.Deadline()
	return w.fakeWriter.SaveEvent(ctx, in)
}

func TestBudgetRunsFromProcessStart(t *testing.T) {
	w := &deadlineWriter{}
	start := time.Now().Add(-80 * time.Millisecond)

	rep := Run(context.Background(), "prompt", strings.NewReader(`{"session_id":"ext-1"}`),
		Options{Writer: w, Budget: 90 * time.Millisecond, Start: start})
	if !rep.Stored {
		t.Fatalf("expected stored, got %+v", rep)
	}
	if want := start.Add(90 * time.Millisecond); !w.deadline.Equal(want) {
		t.Errorf("expected deadline %v, got %v", want, w.deadline)
	}
	if rep.Elapsed < 80*time.Millisecond {
		t.Errorf("expected elapsed to include time before Run, got %v", rep.Elapsed)
	}
}

func TestGitInfo(t *testing.T) {
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	if err := os.MkdirAll(filepath.Join(gitDir, "refs", "heads"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/feature/x\n"), 0o644)
	os.MkdirAll(filepath.Join(gitDir, "refs", "heads", "feature"), 0o755)
	os.WriteFile(filepath.Join(gitDir, "refs", "heads", "feature", "x"), []byte("deadbeef\n"), 0o644)

	sub := filepath.Join(dir, "pkg", "inner")
	os.MkdirAll(sub, 0o755)

	branch, commit := GitInfo(sub)
	if branch != "feature/x" || commit != "deadbeef" {
		t.Errorf("expected feature/x@deadbeef, got %s@%s", branch, commit)
	}

	os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644)
	os.WriteFile(filepath.Join(gitDir, "packed-refs"), []byte("# pack-refs with: peeled\ncafef00d refs/heads/main\n"), 0o644)
	branch, commit = GitInfo(dir)
	if branch != "main" || commit != "cafef00d" {
		t.Errorf("expected main@cafef00d from packed refs, got %s@%s", branch, commit)
	}

	if b, c := GitInfo(t.TempDir()); b != "" || c != "" {
		t.Errorf("expected nothing outside a repo, got %s@%s", b, c)
	}
}
