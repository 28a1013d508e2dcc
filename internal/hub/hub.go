// Package hub tracks live subscriber connections and fans broadcast
// messages out to them. Every connection has its own bounded queue and
// writer goroutine, so one slow subscriber never holds up the others.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/chronicle/internal/types"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrConnectionFailure wraps subscriber send and heartbeat failures.
	ErrConnectionFailure = errors.New("connection failure")
	// ErrTooManyConnections is returned by Register at MaxConnections.
	ErrTooManyConnections = errors.New("too many connections")
	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("hub closed")
)

// Transport delivers messages to one subscriber. Send and Heartbeat are
// only ever called from the connection's writer goroutine; Close may be
// called concurrently with either.
type Transport interface {
	Kind() string
	Send(ctx context.Context, msg *types.BroadcastMessage) error
	Heartbeat(ctx context.Context) error
	Close() error
}

// OverflowPolicy decides what happens when a connection's queue is full.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest queued message to make room. After
	// MaxConsecutiveDrops drops in a row the connection is disconnected.
	DropOldest OverflowPolicy = "drop-oldest"
	// Disconnect unregisters the connection on the first overflow.
	Disconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy parses a policy name.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case DropOldest, Disconnect:
		return p, nil
	case "":
		return DropOldest, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Close reasons reported in stats and logs.
const (
	ReasonClient    = "client"
	ReasonOverflow  = "overflow"
	ReasonSend      = "send_failure"
	ReasonHeartbeat = "heartbeat"
	ReasonShutdown  = "shutdown"
)

// Options tune the Hub. Zero values take the defaults noted.
type Options struct {
	QueueSize           int            // default 256
	Policy              OverflowPolicy // default DropOldest
	MaxConsecutiveDrops int            // default 64
	HeartbeatInterval   time.Duration  // idle time before a heartbeat, default 15s
	MaxMissedHeartbeats int            // default 3
	MaxSendFailures     int            // default 1
	WriteTimeout        time.Duration  // per send or heartbeat, default 5s
	MaxConnections      int            // default 128
	Logger              *slog.Logger
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Policy == "" {
		o.Policy = DropOldest
	}
	if o.MaxConsecutiveDrops <= 0 {
		o.MaxConsecutiveDrops = 64
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.MaxMissedHeartbeats <= 0 {
		o.MaxMissedHeartbeats = 3
	}
	if o.MaxSendFailures <= 0 {
		o.MaxSendFailures = 1
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 128
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Hub is the connection registry. It is owned by the server process and
// must be closed on shutdown.
type Hub struct {
	opts   Options
	logger *slog.Logger
	slots  *semaphore.Weighted

	mu     sync.RWMutex
	conns  map[types.ConnID]*Connection
	closed bool

	wg sync.WaitGroup

	registered   atomic.Int64
	unregistered atomic.Int64
	broadcasts   atomic.Int64
	enqueued     atomic.Int64
	filtered     atomic.Int64
	dropped      atomic.Int64
	delivered    atomic.Int64

	reasonMu sync.Mutex
	reasons  map[string]int64
}

// New creates a Hub.
func New(opts Options) *Hub {
	opts.defaults()
	return &Hub{
		opts:    opts,
		logger:  opts.Logger,
		slots:   semaphore.NewWeighted(int64(opts.MaxConnections)),
		conns:   make(map[types.ConnID]*Connection),
		reasons: make(map[string]int64),
	}
}

// ConnOption configures a single connection at Register time.
type ConnOption func(*Connection)

// WithFilter only delivers messages matching f.
func WithFilter(f *Filter) ConnOption {
	return func(c *Connection) { c.filter = f }
}

// WithRemoteAddr records the peer address for stats.
func WithRemoteAddr(addr string) ConnOption {
	return func(c *Connection) { c.remote = addr }
}

// Register adds a connection and starts its writer. The returned
// Connection's Done channel closes when the connection is unregistered for
// any reason.
func (h *Hub) Register(t Transport, opts ...ConnOption) (*Connection, error) {
	if !h.slots.TryAcquire(1) {
		return nil, ErrTooManyConnections
	}

	c := &Connection{
		id:          types.NewConnID(),
		transport:   t,
		queue:       make(chan *types.BroadcastMessage, h.opts.QueueSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.lastHeartbeat.Store(c.connectedAt.UnixNano())
	for _, opt := range opts {
		opt(c)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.slots.Release(1)
		return nil, ErrClosed
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()

	h.registered.Add(1)
	h.logger.Info("subscriber connected", "conn_id", c.id, "transport", t.Kind(), "remote", c.remote)

	go h.writeLoop(c)
	return c, nil
}

// Unregister removes the connection and releases its resources. It is
// idempotent and safe to call concurrently with Broadcast.
func (h *Hub) Unregister(id types.ConnID) {
	h.unregister(id, ReasonClient)
}

func (h *Hub) unregister(id types.ConnID, reason string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.close()
	h.slots.Release(1)
	h.unregistered.Add(1)

	h.reasonMu.Lock()
	h.reasons[reason]++
	h.reasonMu.Unlock()

	h.logger.Info("subscriber disconnected",
		"conn_id", id, "reason", reason, "sent", c.sent.Load(), "dropped", c.dropped.Load())
}

// Broadcast enqueues msg on every live connection whose filter matches.
// It never blocks on a slow consumer. It returns the number of
// connections the message was queued for.
func (h *Hub) Broadcast(msg *types.BroadcastMessage) int {
	h.broadcasts.Add(1)

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var queued int
	var overflowed []types.ConnID
	for _, c := range conns {
		if c.filter != nil && !c.filter.Match(msg) {
			h.filtered.Add(1)
			continue
		}
		switch c.enqueue(msg, h.opts.Policy, h.opts.MaxConsecutiveDrops) {
		case enqueued:
			queued++
		case droppedOldest:
			queued++
			h.dropped.Add(1)
		case overflow:
			h.dropped.Add(1)
			overflowed = append(overflowed, c.id)
		}
	}
	h.enqueued.Add(int64(queued))

	for _, id := range overflowed {
		h.logger.Warn("subscriber queue overflow, disconnecting", "conn_id", id, "policy", h.opts.Policy)
		h.unregister(id, ReasonOverflow)
	}
	return queued
}

// writeLoop drains one connection's queue into its transport and sends
// heartbeats when the connection has been idle.
func (h *Hub) writeLoop(c *Connection) {
	defer h.wg.Done()

	idle := time.NewTimer(h.opts.HeartbeatInterval)
	defer idle.Stop()

	var failures, missed int
	for {
		select {
		case <-c.done:
			return

		case msg := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
			err := c.transport.Send(ctx, msg)
			cancel()
			if err != nil {
				failures++
				c.failures.Add(1)
				h.logger.Warn("subscriber send failed",
					"conn_id", c.id, "sequence", msg.Sequence, "error", fmt.Errorf("%w: %w", ErrConnectionFailure, err))
				if failures >= h.opts.MaxSendFailures {
					h.unregister(c.id, ReasonSend)
					return
				}
				continue
			}
			failures = 0
			c.sent.Add(1)
			h.delivered.Add(1)
			resetTimer(idle, h.opts.HeartbeatInterval)

		case <-idle.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
			err := c.transport.Heartbeat(ctx)
			cancel()
			if err != nil {
				missed++
				c.missed.Store(int32(missed))
				h.logger.Debug("subscriber missed heartbeat", "conn_id", c.id, "missed", missed, "error", err)
				if missed >= h.opts.MaxMissedHeartbeats {
					h.unregister(c.id, ReasonHeartbeat)
					return
				}
			} else {
				missed = 0
				c.missed.Store(0)
				c.lastHeartbeat.Store(time.Now().UnixNano())
			}
			idle.Reset(h.opts.HeartbeatInterval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close unregisters every connection and waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ids := make([]types.ConnID, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.unregister(id, ReasonShutdown)
	}
	h.wg.Wait()
}
