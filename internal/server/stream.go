package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/user/chronicle/internal/hub"
	"github.com/user/chronicle/internal/types"
)

var errTransportClosed = errors.New("transport closed")

// sseTransport writes broadcast messages as Server-Sent Events. Each
// message is one "data:" event with the sequence as its id; heartbeats are
// SSE comments.
type sseTransport struct {
	mu     sync.Mutex // held for the duration of a write
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed atomic.Bool
}

func (t *sseTransport) Kind() string { return "sse" }

func (t *sseTransport) Send(ctx context.Context, msg *types.BroadcastMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return t.write(ctx, fmt.Appendf(nil, "id: %d\ndata: %s\n\n", msg.Sequence, data))
}

func (t *sseTransport) Heartbeat(ctx context.Context) error {
	return t.write(ctx, []byte(": heartbeat\n\n"))
}

func (t *sseTransport) write(ctx context.Context, b []byte) error {
	if t.closed.Load() {
		return errTransportClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return errTransportClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		t.rc.SetWriteDeadline(dl)
	}
	if _, err := t.w.Write(b); err != nil {
		return err
	}
	return t.rc.Flush()
}

// Close marks the transport closed without waiting for an in-flight
// write, since the hub may call it from the broadcast path. The handler
// calls drain before returning.
func (t *sseTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// drain waits out an in-flight write and refuses later ones, so nothing
// touches the ResponseWriter after the handler returns. A stalled write
// is bounded by its write deadline.
func (t *sseTransport) drain() {
	t.mu.Lock()
	t.closed.Store(true)
	t.mu.Unlock()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filter, err := hub.CompileFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	t := &sseTransport{w: w, rc: http.NewResponseController(w)}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	// Hold the transport until the headers are out so the writer goroutine
	// cannot race the status line.
	t.mu.Lock()
	conn, err := s.cfg.Hub.Register(t, hub.WithFilter(filter), hub.WithRemoteAddr(r.RemoteAddr))
	if err != nil {
		t.mu.Unlock()
		h.Del("Content-Type")
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	flushErr := t.rc.Flush()
	t.mu.Unlock()
	if flushErr != nil {
		s.logger.Error("streaming unsupported", "error", flushErr)
		s.cfg.Hub.Unregister(conn.ID())
		t.drain()
		return
	}

	select {
	case <-r.Context().Done():
	case <-conn.Done():
	}
	s.cfg.Hub.Unregister(conn.ID())
	t.drain()
}

// wsTransport writes broadcast messages as WebSocket text frames and uses
// protocol pings as heartbeats.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Kind() string { return "websocket" }

func (t *wsTransport) Send(ctx context.Context, msg *types.BroadcastMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Heartbeat(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

// Close starts the close handshake without waiting for the peer, since the
// hub may call it from the broadcast path.
func (t *wsTransport) Close() error {
	go t.conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter, err := hub.CompileFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	// Subscribers never send; CloseRead handles control frames and reports
	// the peer going away.
	ctx := ws.CloseRead(r.Context())

	conn, err := s.cfg.Hub.Register(&wsTransport{conn: ws}, hub.WithFilter(filter), hub.WithRemoteAddr(r.RemoteAddr))
	if err != nil {
		ws.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}

	select {
	case <-ctx.Done():
	case <-conn.Done():
	}
	s.cfg.Hub.Unregister(conn.ID())
}
