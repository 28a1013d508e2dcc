package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/chronicle/internal/types"
)

type fakeTransport struct {
	mu        sync.Mutex
	received  []*types.BroadcastMessage
	sendTimes []time.Time
	block     chan struct{}
	failSend  atomic.Bool
	failBeat  atomic.Bool
	beats     atomic.Int32
	closed    atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Kind() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, msg *types.BroadcastMessage) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failSend.Load() {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	f.received = append(f.received, msg)
	f.sendTimes = append(f.sendTimes, time.Now())
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Heartbeat(ctx context.Context) error {
	f.beats.Add(1)
	if f.failBeat.Load() {
		return errors.New("no pong")
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeTransport) messages() []*types.BroadcastMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.BroadcastMessage, len(f.received))
	copy(out, f.received)
	return out
}

func msg(seq int64) *types.BroadcastMessage {
	return &types.BroadcastMessage{
		ID:        types.EventID(fmt.Sprintf("ev-%d", seq)),
		EventType: types.EventToolUsePre,
		SessionID: "s1",
		Sequence:  seq,
		ToolName:  "Bash",
		Data:      []byte(`{"tool_name":"Bash"}`),
		CreatedAt: time.Now(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

func TestBroadcastDeliversInOrder(t *testing.T) {
	h := New(Options{})
	defer h.Close()

	tr := newFakeTransport()
	if _, err := h.Register(tr); err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 50; i++ {
		h.Broadcast(msg(i))
	}

	waitFor(t, "50 messages", func() bool { return len(tr.messages()) == 50 })
	for i, m := range tr.messages() {
		if m.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d at %d, got %d", i+1, i, m.Sequence)
		}
	}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	h := New(Options{QueueSize: 4, Policy: DropOldest, MaxConsecutiveDrops: 100})
	defer h.Close()

	tr := newFakeTransport()
	tr.block = make(chan struct{})
	conn, err := h.Register(tr)
	if err != nil {
		t.Fatal(err)
	}

	// The writer takes message 1 and blocks on it; the queue then holds 4.
	h.Broadcast(msg(1))
	waitFor(t, "writer to pick up first message", func() bool { return len(conn.queue) == 0 })
	for i := int64(2); i <= 10; i++ {
		h.Broadcast(msg(i))
	}

	st := h.Stats()
	if st.Dropped != 5 {
		t.Errorf("expected 5 drops, got %d", st.Dropped)
	}
	if st.Connections != 1 {
		t.Fatalf("expected connection kept under drop-oldest, got %d", st.Connections)
	}

	close(tr.block)
	waitFor(t, "queue drain", func() bool { return len(tr.messages()) == 5 })
	got := tr.messages()
	want := []int64{1, 7, 8, 9, 10}
	for i, w := range want {
		if got[i].Sequence != w {
			t.Errorf("position %d: expected %d, got %d", i, w, got[i].Sequence)
		}
	}
}

func TestConsecutiveDropsDisconnect(t *testing.T) {
	h := New(Options{QueueSize: 2, Policy: DropOldest, MaxConsecutiveDrops: 3})
	defer h.Close()

	tr := newFakeTransport()
	tr.block = make(chan struct{})
	defer close(tr.block)
	conn, err := h.Register(tr)
	if err != nil {
		t.Fatal(err)
	}

	h.Broadcast(msg(1))
	waitFor(t, "writer to block", func() bool { return len(conn.queue) == 0 })
	for i := int64(2); i <= 6; i++ {
		h.Broadcast(msg(i))
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("expected disconnect after consecutive drops")
	}
	if h.Len() != 0 {
		t.Errorf("expected no live connections, got %d", h.Len())
	}
	if h.Stats().CloseReasons[ReasonOverflow] != 1 {
		t.Errorf("expected overflow close reason, got %v", h.Stats().CloseReasons)
	}
	if !tr.closed.Load() {
		t.Error("expected transport closed")
	}
}

func TestDisconnectPolicy(t *testing.T) {
	h := New(Options{QueueSize: 1, Policy: Disconnect})
	defer h.Close()

	tr := newFakeTransport()
	tr.block = make(chan struct{})
	defer close(tr.block)
	conn, err := h.Register(tr)
	if err != nil {
		t.Fatal(err)
	}

	h.Broadcast(msg(1))
	waitFor(t, "writer to block", func() bool { return len(conn.queue) == 0 })
	h.Broadcast(msg(2))
	h.Broadcast(msg(3))

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("expected immediate disconnect on overflow")
	}
}

func TestSlowSubscriberIsolation(t *testing.T) {
	h := New(Options{QueueSize: 8, Policy: DropOldest, MaxConsecutiveDrops: 1000})
	defer h.Close()

	slow := newFakeTransport()
	slow.block = make(chan struct{})
	defer close(slow.block)
	fast := newFakeTransport()

	if _, err := h.Register(slow); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Register(fast); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := int64(1); i <= 200; i++ {
		h.Broadcast(msg(i))
	}
	broadcastTime := time.Since(start)

	waitFor(t, "fast subscriber", func() bool { return len(fast.messages()) == 200 })
	if broadcastTime > 500*time.Millisecond {
		t.Errorf("broadcast blocked on slow subscriber: %v", broadcastTime)
	}
	for i, m := range fast.messages() {
		if m.Sequence != int64(i+1) {
			t.Fatalf("fast subscriber saw gap at %d: %d", i, m.Sequence)
		}
	}
}

func TestSendFailureUnregisters(t *testing.T) {
	h := New(Options{})
	defer h.Close()

	bad := newFakeTransport()
	bad.failSend.Store(true)
	good := newFakeTransport()

	badConn, _ := h.Register(bad)
	if _, err := h.Register(good); err != nil {
		t.Fatal(err)
	}

	h.Broadcast(msg(1))

	select {
	case <-badConn.Done():
	case <-time.After(time.Second):
		t.Fatal("expected failing subscriber to be unregistered")
	}
	waitFor(t, "good subscriber", func() bool { return len(good.messages()) == 1 })
	if h.Stats().CloseReasons[ReasonSend] != 1 {
		t.Errorf("expected send failure close reason")
	}
}

func TestMissedHeartbeatsUnregister(t *testing.T) {
	h := New(Options{HeartbeatInterval: 10 * time.Millisecond, MaxMissedHeartbeats: 3})
	defer h.Close()

	tr := newFakeTransport()
	tr.failBeat.Store(true)
	conn, err := h.Register(tr)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("expected unregister after missed heartbeats")
	}
	if n := tr.beats.Load(); n != 3 {
		t.Errorf("expected exactly 3 heartbeats, got %d", n)
	}
}

func TestHeartbeatsKeepIdleConnection(t *testing.T) {
	h := New(Options{HeartbeatInterval: 10 * time.Millisecond, MaxMissedHeartbeats: 2})
	defer h.Close()

	tr := newFakeTransport()
	conn, err := h.Register(tr)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "several heartbeats", func() bool { return tr.beats.Load() >= 4 })
	select {
	case <-conn.Done():
		t.Fatal("healthy idle connection should stay registered")
	default:
	}
}

func TestUnregisterConcurrentWithBroadcast(t *testing.T) {
	h := New(Options{QueueSize: 4})
	defer h.Close()

	var wg sync.WaitGroup
	for round := 0; round < 20; round++ {
		tr := newFakeTransport()
		conn, err := h.Register(tr)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				h.Broadcast(msg(i))
			}
		}()
		go func() {
			defer wg.Done()
			h.Unregister(conn.ID())
			h.Unregister(conn.ID())
		}()
	}
	wg.Wait()

	if h.Len() != 0 {
		t.Errorf("expected all connections gone, got %d", h.Len())
	}
}

func TestMaxConnections(t *testing.T) {
	h := New(Options{MaxConnections: 2})
	defer h.Close()

	c1, err := h.Register(newFakeTransport())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Register(newFakeTransport()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Register(newFakeTransport()); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}

	h.Unregister(c1.ID())
	if _, err := h.Register(newFakeTransport()); err != nil {
		t.Errorf("expected slot freed after unregister, got %v", err)
	}
}

func TestCloseRejectsRegister(t *testing.T) {
	h := New(Options{})
	tr := newFakeTransport()
	conn, err := h.Register(tr)
	if err != nil {
		t.Fatal(err)
	}
	h.Close()

	select {
	case <-conn.Done():
	default:
		t.Error("expected connection closed on hub close")
	}
	if _, err := h.Register(newFakeTransport()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestFilteredConnection(t *testing.T) {
	h := New(Options{})
	defer h.Close()

	f, err := CompileFilter(`eventType == "prompt"`)
	if err != nil {
		t.Fatal(err)
	}
	tr := newFakeTransport()
	if _, err := h.Register(tr, WithFilter(f)); err != nil {
		t.Fatal(err)
	}

	h.Broadcast(msg(1))
	prompt := msg(2)
	prompt.EventType = types.EventPrompt
	h.Broadcast(prompt)

	waitFor(t, "prompt delivery", func() bool { return len(tr.messages()) == 1 })
	if tr.messages()[0].Sequence != 2 {
		t.Errorf("expected only the prompt event")
	}
	if h.Stats().Filtered != 1 {
		t.Errorf("expected 1 filtered, got %d", h.Stats().Filtered)
	}
}
