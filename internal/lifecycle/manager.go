package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Options configure a Manager. Zero values take the defaults noted.
type Options struct {
	RunDir  string
	Spawner Spawner
	// LockTimeout bounds the wait for lifecycle.lock. Default 40ms.
	LockTimeout time.Duration
	// StartGrace is how long a "starting" record counts as alive without a
	// live PID. Default 5s.
	StartGrace time.Duration
	// RefTTL drops producer refs older than this, so a producer that died
	// without stopping cannot pin the server forever. Default 24h.
	RefTTL time.Duration
	// Signal delivers stop signals. Default unix.Kill.
	Signal func(pid int, sig syscall.Signal) error
	Logger *slog.Logger
	Clock  func() time.Time
}

func (o *Options) defaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 40 * time.Millisecond
	}
	if o.StartGrace <= 0 {
		o.StartGrace = 5 * time.Second
	}
	if o.RefTTL <= 0 {
		o.RefTTL = 24 * time.Hour
	}
	if o.Signal == nil {
		o.Signal = unix.Kill
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Result describes what a lifecycle call observed or did.
type Result struct {
	State   State `json:"state"`
	PID     int   `json:"pid,omitempty"`
	Spawned bool  `json:"spawned,omitempty"`
	Stopped bool  `json:"stopped,omitempty"`
	Refs    int   `json:"refs"`
}

// Manager is the producer-side handle on the server lifecycle. Separate
// processes coordinate through flocks in RunDir, so any number of Managers
// may run concurrently.
type Manager struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Manager for opts.RunDir.
func New(opts Options) *Manager {
	opts.defaults()
	return &Manager{opts: opts, logger: opts.Logger}
}

// RunDir returns the directory holding the lifecycle files.
func (m *Manager) RunDir() string {
	return m.opts.RunDir
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.opts.RunDir, name)
}

// StartIfNeeded registers ref and makes sure a server is running or being
// started. It spawns at most one process and never waits for it to serve.
func (m *Manager) StartIfNeeded(ref string) (Result, error) {
	if err := os.MkdirAll(m.opts.RunDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create run dir: %w", err)
	}
	lock, err := tryLock(m.path(lifecycleLockName), m.opts.LockTimeout)
	if err != nil {
		return Result{}, err
	}
	defer lock.release()

	refs, err := m.loadRefs()
	if err != nil {
		m.logger.Warn("resetting unreadable session refs", "error", err)
		refs = map[string]time.Time{}
	}
	if ref != "" {
		refs[ref] = m.opts.Clock()
	}
	if err := m.saveRefs(refs); err != nil {
		return Result{}, err
	}

	if rec, alive := m.probe(); alive {
		return Result{State: rec.State, PID: rec.PID, Refs: len(refs)}, nil
	}

	if m.opts.Spawner == nil {
		return Result{State: StateStopped, Refs: len(refs)}, fmt.Errorf("no spawner configured")
	}
	// Claim the record before spawning. The child overwrites it from
	// AcquireServerLock onwards, so the PID is only filled in if the claim
	// is still untouched afterwards.
	now := m.opts.Clock()
	if err := writeRecord(m.opts.RunDir, &Record{State: StateStarting, StartedAt: now, UpdatedAt: now}); err != nil {
		return Result{State: StateStopped, Refs: len(refs)}, err
	}
	pid, err := m.opts.Spawner.Spawn()
	if err != nil {
		if werr := writeRecord(m.opts.RunDir, &Record{State: StateStopped, UpdatedAt: m.opts.Clock()}); werr != nil {
			err = errors.Join(err, werr)
		}
		return Result{State: StateStopped, Refs: len(refs)}, err
	}
	if err := m.claimPID(pid); err != nil {
		return Result{State: StateStarting, PID: pid, Spawned: true, Refs: len(refs)}, err
	}
	m.logger.Info("spawned server", "pid", pid, "ref", ref)
	return Result{State: StateStarting, PID: pid, Spawned: true, Refs: len(refs)}, nil
}

// claimPID records pid on a starting record that nobody has written since
// the claim. A record the child already wrote is left alone.
func (m *Manager) claimPID(pid int) error {
	rec, err := ReadRecord(m.opts.RunDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if rec.State != StateStarting || rec.PID != 0 {
		return nil
	}
	rec.PID = pid
	rec.UpdatedAt = m.opts.Clock()
	return writeRecord(m.opts.RunDir, rec)
}

// StopSession drops ref. When no refs remain and a server is alive, the
// server is sent SIGTERM and the record is marked stopping.
func (m *Manager) StopSession(ref string) (Result, error) {
	if err := os.MkdirAll(m.opts.RunDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create run dir: %w", err)
	}
	lock, err := tryLock(m.path(lifecycleLockName), m.opts.LockTimeout)
	if err != nil {
		return Result{}, err
	}
	defer lock.release()

	refs, err := m.loadRefs()
	if err != nil {
		refs = map[string]time.Time{}
	}
	delete(refs, ref)
	if err := m.saveRefs(refs); err != nil {
		return Result{}, err
	}

	rec, alive := m.probe()
	if !alive {
		return Result{State: StateStopped, Refs: len(refs)}, nil
	}
	if len(refs) > 0 {
		return Result{State: rec.State, PID: rec.PID, Refs: len(refs)}, nil
	}
	return m.stop(rec)
}

// Stop signals the server regardless of outstanding refs and clears them.
func (m *Manager) Stop() (Result, error) {
	lock, err := tryLock(m.path(lifecycleLockName), m.opts.LockTimeout)
	if err != nil {
		return Result{}, err
	}
	defer lock.release()

	if err := m.saveRefs(map[string]time.Time{}); err != nil {
		return Result{}, err
	}
	rec, alive := m.probe()
	if !alive {
		return Result{State: StateStopped}, nil
	}
	return m.stop(rec)
}

func (m *Manager) stop(rec *Record) (Result, error) {
	if rec.PID <= 0 {
		// Signalling pid 0 would hit our own process group.
		m.logger.Warn("server pid not yet known, leaving it running", "state", rec.State)
		return Result{State: rec.State}, nil
	}
	if err := m.opts.Signal(rec.PID, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return Result{State: rec.State, PID: rec.PID}, fmt.Errorf("signal server %d: %w", rec.PID, err)
	}
	if _, err := transition(m.opts.RunDir, StateStopping, nil); err != nil {
		m.logger.Warn("could not mark server stopping", "pid", rec.PID, "error", err)
	}
	m.logger.Info("stopping server", "pid", rec.PID)
	return Result{State: StateStopping, PID: rec.PID, Stopped: true}, nil
}

// Probe reports the PID record and whether it describes a live server.
func (m *Manager) Probe() (*Record, bool) {
	return m.probe()
}

func (m *Manager) probe() (*Record, bool) {
	rec, err := ReadRecord(m.opts.RunDir)
	if err != nil {
		if held(m.path(serverLockName)) {
			// A server holds the lock but has not written its record yet.
			return &Record{State: StateStarting}, true
		}
		return nil, false
	}
	switch rec.State {
	case StateStopped, StateIdle, StateStopping:
		// A stopping server has been signalled and is on its way out; a
		// replacement waits for its server.lock.
		return rec, false
	case StateStarting:
		if pidAlive(rec.PID) || held(m.path(serverLockName)) {
			return rec, true
		}
		return rec, m.opts.Clock().Sub(rec.UpdatedAt) < m.opts.StartGrace
	default:
		return rec, pidAlive(rec.PID)
	}
}

// Refs returns the active producer refs, oldest first.
func (m *Manager) Refs() ([]string, error) {
	refs, err := m.loadRefs()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(refs))
	for ref := range refs {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if refs[out[i]].Equal(refs[out[j]]) {
			return out[i] < out[j]
		}
		return refs[out[i]].Before(refs[out[j]])
	})
	return out, nil
}

type refsFile struct {
	Refs map[string]time.Time `json:"refs"`
}

func (m *Manager) loadRefs() (map[string]time.Time, error) {
	data, err := os.ReadFile(m.path(refsFileName))
	if os.IsNotExist(err) {
		return map[string]time.Time{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session refs: %w", err)
	}
	var f refsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse session refs: %w", err)
	}
	if f.Refs == nil {
		f.Refs = map[string]time.Time{}
	}
	cutoff := m.opts.Clock().Add(-m.opts.RefTTL)
	for ref, at := range f.Refs {
		if at.Before(cutoff) {
			delete(f.Refs, ref)
		}
	}
	return f.Refs, nil
}

func (m *Manager) saveRefs(refs map[string]time.Time) error {
	data, err := json.MarshalIndent(refsFile{Refs: refs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session refs: %w", err)
	}
	return writeFileAtomic(m.path(refsFileName), append(data, '\n'))
}
