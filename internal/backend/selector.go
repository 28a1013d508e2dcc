package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/chronicle/internal/retry"
	"github.com/user/chronicle/internal/types"
	"golang.org/x/sync/errgroup"
)

var errNoBudget = errors.New("write budget exhausted")

// Options tune the Selector. Zero values take the defaults noted.
type Options struct {
	Mode Mode
	// WriteTimeout bounds each attempt against a network backend. Default 150ms.
	WriteTimeout time.Duration
	// StoreReserve is kept back from the caller's deadline so the store
	// fallback always gets a chance. Default 40ms.
	StoreReserve time.Duration
	// StoreTimeout caps a store write that has outlived the caller's
	// deadline. Default 2s.
	StoreTimeout time.Duration
	// HealthTimeout bounds each backend probe in HealthCheck. Default 500ms.
	HealthTimeout time.Duration
	// Retry governs repeat attempts against one network backend. Only
	// overload and gateway statuses are retried. Default: 2 attempts, 5ms.
	Retry  *retry.Policy
	Logger *slog.Logger
	Clock  func() time.Time
}

func (o *Options) defaults() {
	if o.Mode == "" {
		o.Mode = ModeAuto
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 150 * time.Millisecond
	}
	if o.StoreReserve <= 0 {
		o.StoreReserve = 40 * time.Millisecond
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 500 * time.Millisecond
	}
	if o.Retry == nil {
		o.Retry = &retry.Policy{
			MaxAttempts:  2,
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     10 * time.Millisecond,
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Status is the selector's diagnostic snapshot.
type Status struct {
	Mode           Mode            `json:"mode"`
	Active         string          `json:"active"`
	Backends       []BackendStatus `json:"backends"`
	StorePath      string          `json:"store_path"`
	StoreSizeBytes int64           `json:"store_size_bytes"`
	Fallbacks      int64           `json:"fallbacks"`
	Rejected       int64           `json:"rejected"`
	StoreFailures  int64           `json:"store_failures"`
}

// Selector chooses a backend for every write. Preferred backends are tried
// in order on each call; any failure falls through to the next, and the
// embedded store is always last. A failed backend is tried again on the
// next write.
type Selector struct {
	opts       Options
	candidates []*instrumented
	store      *instrumented
	storeInfo  *StoreBackend
	policy     retry.Policy

	mu     sync.Mutex
	active string

	fallbacks     atomic.Int64
	rejected      atomic.Int64
	storeFailures atomic.Int64
}

// New builds a Selector. local and remote may be nil when not configured;
// the mode decides which of them are candidates.
func New(store *StoreBackend, local, remote Backend, opts Options) *Selector {
	opts.defaults()
	s := &Selector{
		opts:      opts,
		store:     instrument(store, opts.Clock),
		storeInfo: store,
		policy:    *opts.Retry,
	}
	s.policy.Retryable = isTransient

	var preferred []Backend
	switch opts.Mode {
	case ModeLocal:
		preferred = []Backend{local}
	case ModeRemote:
		preferred = []Backend{remote}
	default:
		preferred = []Backend{local, remote}
	}
	for _, b := range preferred {
		if b != nil {
			s.candidates = append(s.candidates, instrument(b, opts.Clock))
		}
	}
	return s
}

// SaveSession writes a session and returns the id assigned by whichever
// backend accepted it. ok is false only for invalid input or a store that
// could not be written after retries.
func (s *Selector) SaveSession(ctx context.Context, in *types.SessionInput) (bool, string) {
	if err := in.Validate(); err != nil {
		s.rejected.Add(1)
		s.opts.Logger.Warn("rejected invalid session", "error", err)
		return false, ""
	}

	for _, b := range s.candidates {
		var id string
		err := s.attempt(ctx, b, func(ctx context.Context) error {
			var err error
			id, err = b.SaveSession(ctx, in)
			return err
		})
		if err == nil {
			s.setActive(b.Name())
			return true, id
		}
	}

	var id string
	err := s.storeWrite(ctx, func(ctx context.Context) error {
		var err error
		id, err = s.store.SaveSession(ctx, in)
		return err
	})
	if err != nil {
		return false, ""
	}
	return true, id
}

// SaveEvent writes an event. ok is false only for invalid input or a store
// that could not be written after retries.
func (s *Selector) SaveEvent(ctx context.Context, in *types.EventInput) bool {
	in.Normalize(s.opts.Clock())
	if err := in.Validate(); err != nil {
		s.rejected.Add(1)
		s.opts.Logger.Warn("rejected invalid event", "event_type", in.Type, "error", err)
		return false
	}

	for _, b := range s.candidates {
		err := s.attempt(ctx, b, func(ctx context.Context) error {
			return b.SaveEvent(ctx, in)
		})
		if err == nil {
			s.setActive(b.Name())
			return true
		}
	}

	err := s.storeWrite(ctx, func(ctx context.Context) error {
		return s.store.SaveEvent(ctx, in)
	})
	return err == nil
}

// attempt runs fn against one network backend within the remaining budget.
func (s *Selector) attempt(ctx context.Context, b *instrumented, fn func(ctx context.Context) error) error {
	timeout, ok := s.attemptTimeout(ctx)
	if !ok {
		s.opts.Logger.Debug("skipping backend, no budget left", "backend", b.Name())
		return errNoBudget
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := s.policy.Do(actx, fn)
	if !res.OK() {
		s.opts.Logger.Warn("backend write failed, falling back",
			"backend", b.Name(), "outcome", res.Outcome, "attempts", res.Attempts, "error", res.Err)
		return res.Err
	}
	return nil
}

// attemptTimeout is WriteTimeout, shortened so StoreReserve of the caller's
// deadline is left for the store.
func (s *Selector) attemptTimeout(ctx context.Context) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	timeout := s.opts.WriteTimeout
	if dl, ok := ctx.Deadline(); ok {
		remaining := dl.Sub(s.opts.Clock()) - s.opts.StoreReserve
		if remaining < timeout {
			timeout = remaining
		}
	}
	return timeout, timeout >= time.Millisecond
}

// storeWrite writes to the embedded store on a context detached from the
// caller's cancellation: a producer that ran out of budget still gets its
// event stored.
func (s *Selector) storeWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	if len(s.candidates) > 0 {
		s.fallbacks.Add(1)
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()

	if err := fn(sctx); err != nil {
		s.storeFailures.Add(1)
		s.opts.Logger.Error("store write failed", "error", err)
		return err
	}
	s.setActive(s.store.Name())
	return nil
}

func (s *Selector) setActive(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != name {
		s.opts.Logger.Info("active backend changed", "from", s.active, "to", name)
		s.active = name
	}
}

// HealthCheck probes every candidate and the store concurrently and
// records the results. It returns true when at least one backend,
// including the store, can accept writes.
func (s *Selector) HealthCheck(ctx context.Context) bool {
	all := append([]*instrumented{}, s.candidates...)
	all = append(all, s.store)

	var healthy atomic.Int32
	var g errgroup.Group
	for _, b := range all {
		g.Go(func() error {
			hctx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
			defer cancel()
			if err := b.HealthCheck(hctx); err != nil {
				s.opts.Logger.Warn("backend health check failed", "backend", b.Name(), "error", err)
				return nil
			}
			healthy.Add(1)
			return nil
		})
	}
	g.Wait()
	return healthy.Load() > 0
}

// Active returns the backend that served the last write, or, before any
// write, the first candidate not known to be unhealthy.
func (s *Selector) Active() string {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != "" {
		return active
	}
	for _, b := range s.candidates {
		if b.isHealthy() {
			return b.Name()
		}
	}
	return s.store.Name()
}

// Status reports the active backend, each backend's last health record,
// and the store location for diagnostics.
func (s *Selector) Status() Status {
	st := Status{
		Mode:           s.opts.Mode,
		Active:         s.Active(),
		StorePath:      s.storeInfo.Path(),
		StoreSizeBytes: s.storeInfo.Size(),
		Fallbacks:      s.fallbacks.Load(),
		Rejected:       s.rejected.Load(),
		StoreFailures:  s.storeFailures.Load(),
	}
	for _, b := range s.candidates {
		st.Backends = append(st.Backends, b.status())
	}
	st.Backends = append(st.Backends, s.store.status())
	return st
}
