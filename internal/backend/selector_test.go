package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/chronicle/internal/state"
	"github.com/user/chronicle/internal/types"
	"github.com/user/chronicle/pkg/ingest"
)

type fakeBackend struct {
	name   string
	fail   atomic.Bool
	delay  time.Duration
	events atomic.Int32
	saves  atomic.Int32
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBackend) SaveSession(ctx context.Context, in *types.SessionInput) (string, error) {
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	if f.fail.Load() {
		return "", ErrBackendUnavailable
	}
	f.saves.Add(1)
	return f.name + "-id", nil
}

func (f *fakeBackend) SaveEvent(ctx context.Context, in *types.EventInput) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	if f.fail.Load() {
		return ErrBackendUnavailable
	}
	f.events.Add(1)
	return nil
}

func (f *fakeBackend) HealthCheck(ctx context.Context) error {
	if f.fail.Load() {
		return ErrBackendUnavailable
	}
	return nil
}

func setupSelector(t *testing.T, mode Mode, local, remote Backend) (*Selector, *state.Store, *atomic.Int32) {
	t.Helper()
	store, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "chronicle.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	var stored atomic.Int32
	sb := NewStoreBackend(store, func(*types.Event) { stored.Add(1) })
	sel := New(sb, local, remote, Options{Mode: mode})
	return sel, store, &stored
}

func promptEvent(ext string) *types.EventInput {
	return &types.EventInput{
		ExternalSessionID: ext,
		Type:              types.EventPrompt,
		Timestamp:         time.Now(),
		Data:              json.RawMessage(`{"prompt":"hello"}`),
	}
}

func TestAutoPrefersLocalWithoutDualWrite(t *testing.T) {
	local := &fakeBackend{name: "local"}
	remote := &fakeBackend{name: "remote"}
	sel, store, stored := setupSelector(t, ModeAuto, local, remote)

	if !sel.SaveEvent(context.Background(), promptEvent("ext-1")) {
		t.Fatal("expected write to succeed")
	}
	if local.events.Load() != 1 {
		t.Errorf("expected local to receive the event, got %d", local.events.Load())
	}
	if remote.events.Load() != 0 || stored.Load() != 0 {
		t.Errorf("expected no dual write, remote=%d store=%d", remote.events.Load(), stored.Load())
	}
	max, _ := store.MaxSequence(context.Background())
	if max != 0 {
		t.Errorf("expected store untouched, max sequence %d", max)
	}
	if sel.Status().Active != "local" {
		t.Errorf("expected active local, got %s", sel.Status().Active)
	}
}

func TestAutoFallsThroughToRemoteThenStore(t *testing.T) {
	local := &fakeBackend{name: "local"}
	remote := &fakeBackend{name: "remote"}
	local.fail.Store(true)
	sel, _, stored := setupSelector(t, ModeAuto, local, remote)

	if !sel.SaveEvent(context.Background(), promptEvent("ext-1")) {
		t.Fatal("expected write to succeed via remote")
	}
	if remote.events.Load() != 1 {
		t.Errorf("expected remote write, got %d", remote.events.Load())
	}

	remote.fail.Store(true)
	if !sel.SaveEvent(context.Background(), promptEvent("ext-1")) {
		t.Fatal("expected write to succeed via store")
	}
	if stored.Load() != 1 {
		t.Errorf("expected store write, got %d", stored.Load())
	}

	st := sel.Status()
	if st.Active != "store" {
		t.Errorf("expected active store, got %s", st.Active)
	}
	if st.Fallbacks != 1 {
		t.Errorf("expected 1 fallback, got %d", st.Fallbacks)
	}
	for _, b := range st.Backends {
		if b.Name == "local" && (b.Healthy || b.LastError == "") {
			t.Errorf("expected local marked unhealthy with error, got %+v", b)
		}
	}
}

func TestAnyFailureSequenceStillStores(t *testing.T) {
	local := &fakeBackend{name: "local"}
	remote := &fakeBackend{name: "remote"}
	sel, store, _ := setupSelector(t, ModeAuto, local, remote)
	ctx := context.Background()

	patterns := [][2]bool{{true, true}, {true, false}, {false, true}, {true, true}, {false, false}, {true, true}}
	for i, p := range patterns {
		local.fail.Store(p[0])
		remote.fail.Store(p[1])
		if !sel.HealthCheck(ctx) {
			t.Fatalf("pattern %d: expected store to keep health true", i)
		}
		if !sel.SaveEvent(ctx, promptEvent("ext-1")) {
			t.Fatalf("pattern %d: write lost", i)
		}
	}

	total := local.events.Load() + remote.events.Load()
	max, err := store.MaxSequence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if int(total)+int(max) != len(patterns) {
		t.Errorf("expected %d writes accounted for, got backends=%d store=%d", len(patterns), total, max)
	}
}

func TestRecoveredBackendIsRetried(t *testing.T) {
	local := &fakeBackend{name: "local"}
	local.fail.Store(true)
	sel, _, stored := setupSelector(t, ModeLocal, local, nil)
	ctx := context.Background()

	sel.SaveEvent(ctx, promptEvent("ext-1"))
	if stored.Load() != 1 {
		t.Fatalf("expected fallback to store")
	}

	local.fail.Store(false)
	sel.SaveEvent(ctx, promptEvent("ext-1"))
	if local.events.Load() != 1 {
		t.Errorf("expected recovered local backend to take the next write")
	}
	if sel.Status().Active != "local" {
		t.Errorf("expected active local after recovery, got %s", sel.Status().Active)
	}
}

func TestSlowBackendRespectsBudget(t *testing.T) {
	local := &fakeBackend{name: "local", delay: time.Second}
	sel, _, stored := setupSelector(t, ModeLocal, local, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()

	start := time.Now()
	if !sel.SaveEvent(ctx, promptEvent("ext-1")) {
		t.Fatal("expected store fallback to succeed")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected write within budget, took %v", elapsed)
	}
	if stored.Load() != 1 {
		t.Errorf("expected event stored locally")
	}
}

func TestExpiredBudgetStillStores(t *testing.T) {
	local := &fakeBackend{name: "local"}
	sel, _, stored := setupSelector(t, ModeLocal, local, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if !sel.SaveEvent(ctx, promptEvent("ext-1")) {
		t.Fatal("expected detached store write to succeed")
	}
	if local.events.Load() != 0 {
		t.Errorf("expected local skipped for cancelled caller")
	}
	if stored.Load() != 1 {
		t.Errorf("expected stored locally")
	}
}

func TestValidationRejectsBeforeBackends(t *testing.T) {
	local := &fakeBackend{name: "local"}
	sel, _, stored := setupSelector(t, ModeAuto, local, nil)

	ok := sel.SaveEvent(context.Background(), &types.EventInput{ExternalSessionID: "ext-1", Type: "nope"})
	if ok {
		t.Fatal("expected invalid event to be rejected")
	}
	if local.events.Load() != 0 || stored.Load() != 0 {
		t.Error("expected no backend to see the invalid event")
	}
	if ok, _ := sel.SaveSession(context.Background(), &types.SessionInput{}); ok {
		t.Error("expected invalid session to be rejected")
	}
	if sel.Status().Rejected != 2 {
		t.Errorf("expected 2 rejected, got %d", sel.Status().Rejected)
	}
}

func TestSaveSessionReturnsAssignedID(t *testing.T) {
	local := &fakeBackend{name: "local"}
	sel, store, _ := setupSelector(t, ModeAuto, local, nil)
	ctx := context.Background()

	ok, id := sel.SaveSession(ctx, &types.SessionInput{ExternalID: "ext-1"})
	if !ok || id != "local-id" {
		t.Errorf("expected local id, got ok=%v id=%q", ok, id)
	}

	local.fail.Store(true)
	ok, id = sel.SaveSession(ctx, &types.SessionInput{ExternalID: "ext-2"})
	if !ok {
		t.Fatal("expected store fallback")
	}
	sess, err := store.GetSession(ctx, "ext-2")
	if err != nil {
		t.Fatal(err)
	}
	if string(sess.ID) != id {
		t.Errorf("expected id %s, got %s", sess.ID, id)
	}
}

func TestStatusReportsStore(t *testing.T) {
	sel, store, _ := setupSelector(t, ModeAuto, nil, nil)
	st := sel.Status()
	if st.StorePath != store.Path() {
		t.Errorf("expected store path %s, got %s", store.Path(), st.StorePath)
	}
	if st.Active != "store" {
		t.Errorf("expected store active with no candidates, got %s", st.Active)
	}
	if len(st.Backends) != 1 {
		t.Errorf("expected only the store backend, got %d", len(st.Backends))
	}
}

func TestHTTPBackendRetriesOverload(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	local := NewHTTPBackend("local", ingest.New(&ingest.Config{BaseURL: server.URL}))
	sel, _, stored := setupSelector(t, ModeLocal, local, nil)

	if !sel.SaveEvent(context.Background(), promptEvent("ext-1")) {
		t.Fatal("expected write to succeed")
	}
	if calls.Load() != 2 {
		t.Errorf("expected one retry after 503, got %d calls", calls.Load())
	}
	if stored.Load() != 0 {
		t.Errorf("expected no store fallback")
	}
}

func TestHTTPBackendWrapsUnavailable(t *testing.T) {
	b := NewHTTPBackend("remote", ingest.New(&ingest.Config{BaseURL: "http://127.0.0.1:1"}))
	err := b.HealthCheck(context.Background())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"local": ModeLocal, "REMOTE": ModeRemote, "auto": ModeAuto, "": ModeAuto} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("cloud"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
