package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrAlreadyRunning is returned by AcquireServerLock when another server
// process holds the lock.
var ErrAlreadyRunning = errors.New("server already running")

// recordLockWait bounds how long the server waits for lifecycle.lock
// before writing the PID record anyway.
const recordLockWait = 250 * time.Millisecond

// ServerLock is held by the server process for its whole life. Holding it
// is what makes a process the server; the PID record only advertises it.
type ServerLock struct {
	runDir    string
	lock      *fileLock
	startedAt time.Time
}

// AcquireServerLock takes the exclusive server lock in runDir and marks
// the record as starting. A previous server that is still shutting down
// keeps the lock until it exits, so the call retries for up to wait before
// giving up with ErrAlreadyRunning. A zero wait tries once.
func AcquireServerLock(runDir string, wait time.Duration) (*ServerLock, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	lock, err := tryLock(filepath.Join(runDir, serverLockName), wait)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}

	l := &ServerLock{runDir: runDir, lock: lock, startedAt: time.Now()}
	err = l.withRecordLock(func() error {
		return writeRecord(runDir, &Record{PID: os.Getpid(), State: StateStarting, StartedAt: l.startedAt, UpdatedAt: l.startedAt})
	})
	if err != nil {
		lock.release()
		return nil, err
	}
	return l, nil
}

// WriteRunning advertises addr and moves the record to running.
func (l *ServerLock) WriteRunning(addr string) error {
	rec := &Record{
		PID:       os.Getpid(),
		Addr:      addr,
		State:     StateRunning,
		StartedAt: l.startedAt,
		UpdatedAt: time.Now(),
	}
	return l.withRecordLock(func() error {
		return writeRecord(l.runDir, rec)
	})
}

// Release marks the record stopped and drops the lock. A record that a
// successor has already claimed is left as it is.
func (l *ServerLock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	werr := l.withRecordLock(func() error {
		cur, err := ReadRecord(l.runDir)
		if err == nil && cur.PID != os.Getpid() {
			return nil
		}
		return writeRecord(l.runDir, &Record{PID: os.Getpid(), State: StateStopped, StartedAt: l.startedAt, UpdatedAt: time.Now()})
	})
	rerr := l.lock.release()
	l.lock = nil
	return errors.Join(werr, rerr)
}

// withRecordLock runs fn under lifecycle.lock so record writes do not
// interleave with a producer's read-modify-write. If the lock stays busy,
// fn runs without it.
func (l *ServerLock) withRecordLock(fn func() error) error {
	lock, err := tryLock(filepath.Join(l.runDir, lifecycleLockName), recordLockWait)
	if err == nil {
		defer lock.release()
	}
	return fn()
}
