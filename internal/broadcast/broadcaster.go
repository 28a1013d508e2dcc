// Package broadcast turns newly committed events into broadcast messages.
// It polls the store by sequence number, so events written by separate
// producer processes are picked up the same way as in-process writes.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/chronicle/internal/types"
)

// Sink receives broadcast messages. The hub implements it.
type Sink interface {
	Broadcast(msg *types.BroadcastMessage) int
}

// Options tune the Broadcaster. Zero values take the defaults noted.
type Options struct {
	// ScanInterval is the polling period. Delivery latency is bounded by
	// roughly one interval plus one batch. Default 100ms.
	ScanInterval time.Duration
	// BatchSize caps rows read per query. Default 500.
	BatchSize int
	Logger    *slog.Logger
	Clock     func() time.Time
}

func (o *Options) defaults() {
	if o.ScanInterval <= 0 {
		o.ScanInterval = 100 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Stats is the broadcaster's health snapshot.
type Stats struct {
	Broadcast      int64     `json:"broadcast"`
	Skipped        int64     `json:"skipped"`
	ScanErrors     int64     `json:"scan_errors"`
	Watermark      int64     `json:"watermark"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	MaxLatencyMs   float64   `json:"max_latency_ms"`
	LastScan       time.Time `json:"last_scan,omitzero"`
	ScanIntervalMs int64     `json:"scan_interval_ms"`
}

// Broadcaster owns the in-memory watermark. It is not persisted: a
// restarted server only broadcasts events stored after it started.
type Broadcaster struct {
	feed   types.EventFeed
	sink   Sink
	opts   Options
	logger *slog.Logger

	wake chan struct{}

	// scanMu serialises scans; Run and Scan may both be driving.
	scanMu    sync.Mutex
	watermark atomic.Int64
	started   atomic.Bool

	broadcast    atomic.Int64
	skipped      atomic.Int64
	scanErrors   atomic.Int64
	latencyNs    atomic.Int64
	maxLatencyNs atomic.Int64
	lastScan     atomic.Int64
}

// New creates a Broadcaster reading from feed and handing messages to sink.
func New(feed types.EventFeed, sink Sink, opts Options) *Broadcaster {
	opts.defaults()
	return &Broadcaster{
		feed:   feed,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger,
		wake:   make(chan struct{}, 1),
	}
}

// Start sets the watermark to the current highest sequence so already
// stored events are not re-broadcast. Run calls it when needed.
func (b *Broadcaster) Start(ctx context.Context) error {
	max, err := b.feed.MaxSequence(ctx)
	if err != nil {
		return fmt.Errorf("read initial watermark: %w", err)
	}
	b.watermark.Store(max)
	b.started.Store(true)
	b.logger.Info("broadcaster started", "watermark", max, "scan_interval", b.opts.ScanInterval)
	return nil
}

// Notify requests a scan ahead of the next tick. It never blocks.
func (b *Broadcaster) Notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run scans on every tick or Notify until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	if !b.started.Load() {
		if err := b.Start(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(b.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-b.wake:
		}
		if _, err := b.Scan(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("broadcast scan failed", "watermark", b.watermark.Load(), "error", err)
		}
	}
}

// Scan reads every event past the watermark, in sequence order, and hands
// each to the sink. Rows that cannot be decoded are logged and skipped;
// the watermark moves past them either way. It returns how many messages
// were handed off.
func (b *Broadcaster) Scan(ctx context.Context) (int, error) {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	b.lastScan.Store(b.opts.Clock().UnixNano())

	var total int
	for {
		rows, err := b.feed.EventsAfter(ctx, b.watermark.Load(), b.opts.BatchSize)
		if err != nil {
			b.scanErrors.Add(1)
			return total, err
		}
		for i := range rows {
			row := &rows[i]
			ev, err := row.Decode()
			if err != nil {
				b.skipped.Add(1)
				b.logger.Error("skipping malformed event", "sequence", row.Sequence, "error", err)
				b.watermark.Store(row.Sequence)
				continue
			}

			b.sink.Broadcast(types.NewBroadcastMessage(ev))
			b.observeLatency(ev.CreatedAt)
			b.broadcast.Add(1)
			b.watermark.Store(row.Sequence)
			total++
		}
		if len(rows) < b.opts.BatchSize {
			return total, nil
		}
	}
}

func (b *Broadcaster) observeLatency(created time.Time) {
	d := b.opts.Clock().Sub(created)
	if d < 0 {
		d = 0
	}
	b.latencyNs.Add(int64(d))
	for {
		cur := b.maxLatencyNs.Load()
		if int64(d) <= cur || b.maxLatencyNs.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// Watermark returns the highest sequence handed off or skipped.
func (b *Broadcaster) Watermark() int64 {
	return b.watermark.Load()
}

// Stats returns the broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	st := Stats{
		Broadcast:      b.broadcast.Load(),
		Skipped:        b.skipped.Load(),
		ScanErrors:     b.scanErrors.Load(),
		Watermark:      b.watermark.Load(),
		MaxLatencyMs:   float64(b.maxLatencyNs.Load()) / float64(time.Millisecond),
		ScanIntervalMs: b.opts.ScanInterval.Milliseconds(),
	}
	if st.Broadcast > 0 {
		st.AvgLatencyMs = float64(b.latencyNs.Load()) / float64(st.Broadcast) / float64(time.Millisecond)
	}
	if ns := b.lastScan.Load(); ns > 0 {
		st.LastScan = time.Unix(0, ns)
	}
	return st
}
