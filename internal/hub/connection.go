package hub

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/chronicle/internal/types"
)

// Connection is one registered subscriber.
type Connection struct {
	id          types.ConnID
	transport   Transport
	filter      *Filter
	remote      string
	connectedAt time.Time

	// queue is never closed; done signals shutdown instead, so a Broadcast
	// racing an Unregister can never send on a closed channel.
	queue     chan *types.BroadcastMessage
	done      chan struct{}
	closeOnce sync.Once

	// mu serialises enqueue so drop-oldest stays a single step.
	mu               sync.Mutex
	consecutiveDrops int

	sent          atomic.Int64
	dropped       atomic.Int64
	failures      atomic.Int64
	missed        atomic.Int32
	lastHeartbeat atomic.Int64
}

// ID returns the connection id.
func (c *Connection) ID() types.ConnID { return c.id }

// Done is closed once the connection has been unregistered.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.Close()
	})
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	droppedOldest
	overflow
	skipped
)

func (c *Connection) enqueue(msg *types.BroadcastMessage, policy OverflowPolicy, maxDrops int) enqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return skipped
	default:
	}

	select {
	case c.queue <- msg:
		c.consecutiveDrops = 0
		return enqueued
	default:
	}

	if policy == Disconnect {
		return overflow
	}

	// Only this method adds to the queue and it holds mu, so after one
	// receive there is room for the new message.
	select {
	case <-c.queue:
	default:
	}
	c.queue <- msg
	c.dropped.Add(1)
	c.consecutiveDrops++
	if c.consecutiveDrops >= maxDrops {
		return overflow
	}
	return droppedOldest
}

// ConnStats is a point-in-time view of one connection.
type ConnStats struct {
	ID               types.ConnID `json:"id"`
	Transport        string       `json:"transport"`
	Remote           string       `json:"remote,omitempty"`
	Filter           string       `json:"filter,omitempty"`
	ConnectedAt      time.Time    `json:"connected_at"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	Queued           int          `json:"queued"`
	Sent             int64        `json:"sent"`
	Dropped          int64        `json:"dropped"`
	DeliveryFailures int64        `json:"delivery_failures"`
	MissedHeartbeats int32        `json:"missed_heartbeats"`
}

func (c *Connection) stats() ConnStats {
	st := ConnStats{
		ID:               c.id,
		Transport:        c.transport.Kind(),
		Remote:           c.remote,
		ConnectedAt:      c.connectedAt,
		LastHeartbeat:    time.Unix(0, c.lastHeartbeat.Load()),
		Queued:           len(c.queue),
		Sent:             c.sent.Load(),
		Dropped:          c.dropped.Load(),
		DeliveryFailures: c.failures.Load(),
		MissedHeartbeats: c.missed.Load(),
	}
	if c.filter != nil {
		st.Filter = c.filter.String()
	}
	return st
}

// Stats is the hub-wide snapshot.
type Stats struct {
	Connections    int              `json:"connections"`
	MaxConnections int              `json:"max_connections"`
	Policy         OverflowPolicy   `json:"overflow_policy"`
	Registered     int64            `json:"registered"`
	Unregistered   int64            `json:"unregistered"`
	Broadcasts     int64            `json:"broadcasts"`
	Enqueued       int64            `json:"enqueued"`
	Delivered      int64            `json:"delivered"`
	Filtered       int64            `json:"filtered"`
	Dropped        int64            `json:"dropped"`
	CloseReasons   map[string]int64 `json:"close_reasons"`
	PerConnection  []ConnStats      `json:"per_connection"`
}

// Stats returns counters and a per-connection breakdown.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	per := make([]ConnStats, 0, len(h.conns))
	for _, c := range h.conns {
		per = append(per, c.stats())
	}
	h.mu.RUnlock()
	sort.Slice(per, func(i, j int) bool {
		return per[i].ConnectedAt.Before(per[j].ConnectedAt)
	})

	h.reasonMu.Lock()
	reasons := make(map[string]int64, len(h.reasons))
	for k, v := range h.reasons {
		reasons[k] = v
	}
	h.reasonMu.Unlock()

	return Stats{
		Connections:    len(per),
		MaxConnections: h.opts.MaxConnections,
		Policy:         h.opts.Policy,
		Registered:     h.registered.Load(),
		Unregistered:   h.unregistered.Load(),
		Broadcasts:     h.broadcasts.Load(),
		Enqueued:       h.enqueued.Load(),
		Delivered:      h.delivered.Load(),
		Filtered:       h.filtered.Load(),
		Dropped:        h.dropped.Load(),
		CloseReasons:   reasons,
		PerConnection:  per,
	}
}
