package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/chronicle/internal/types"
)

// BackendStatus is the health and traffic record for one backend.
type BackendStatus struct {
	Name         string    `json:"name"`
	Healthy      bool      `json:"healthy"`
	Checked      bool      `json:"checked"`
	LastError    string    `json:"last_error,omitempty"`
	LastCheck    time.Time `json:"last_check,omitzero"`
	Writes       int64     `json:"writes"`
	Failures     int64     `json:"failures"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
}

// instrumented wraps a Backend and records the outcome and latency of
// every call. Writes and health checks both update the health record.
type instrumented struct {
	Backend

	now func() time.Time

	mu        sync.Mutex
	healthy   bool
	checked   bool
	lastErr   string
	lastCheck time.Time

	writes    atomic.Int64
	failures  atomic.Int64
	latencyNs atomic.Int64
}

func instrument(b Backend, now func() time.Time) *instrumented {
	return &instrumented{Backend: b, now: now}
}

func (i *instrumented) SaveSession(ctx context.Context, in *types.SessionInput) (string, error) {
	start := i.now()
	id, err := i.Backend.SaveSession(ctx, in)
	i.observeWrite(start, err)
	return id, err
}

func (i *instrumented) SaveEvent(ctx context.Context, in *types.EventInput) error {
	start := i.now()
	err := i.Backend.SaveEvent(ctx, in)
	i.observeWrite(start, err)
	return err
}

func (i *instrumented) HealthCheck(ctx context.Context) error {
	err := i.Backend.HealthCheck(ctx)
	i.record(err)
	return err
}

func (i *instrumented) observeWrite(start time.Time, err error) {
	i.latencyNs.Add(int64(i.now().Sub(start)))
	i.writes.Add(1)
	if err != nil {
		i.failures.Add(1)
	}
	i.record(err)
}

func (i *instrumented) record(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.checked = true
	i.lastCheck = i.now()
	i.healthy = err == nil
	if err != nil {
		i.lastErr = err.Error()
	} else {
		i.lastErr = ""
	}
}

// isHealthy reports the last observed health. A backend never observed is
// presumed healthy so it gets tried.
func (i *instrumented) isHealthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.checked || i.healthy
}

func (i *instrumented) status() BackendStatus {
	i.mu.Lock()
	st := BackendStatus{
		Name:      i.Name(),
		Healthy:   i.healthy,
		Checked:   i.checked,
		LastError: i.lastErr,
		LastCheck: i.lastCheck,
	}
	i.mu.Unlock()

	st.Writes = i.writes.Load()
	st.Failures = i.failures.Load()
	if st.Writes > 0 {
		st.AvgLatencyMs = float64(i.latencyNs.Load()) / float64(st.Writes) / float64(time.Millisecond)
	}
	return st
}
