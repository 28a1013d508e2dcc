// Package lifecycle starts and stops the server process on behalf of
// short-lived producers. Calls never wait for the server to become ready:
// they probe the PID file, spawn a detached process if needed, and return.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the server lifecycle state recorded in the PID file.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateStopped},
	StateRunning:  {StateStopping, StateStopped},
	StateStopping: {StateStopped, StateStarting},
	StateStopped:  {StateStarting},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Record is the content of the PID file.
type Record struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr,omitempty"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	pidFileName       = "server.pid"
	serverLockName    = "server.lock"
	lifecycleLockName = "lifecycle.lock"
	refsFileName      = "sessions.json"
)

// PIDPath returns the PID file location under runDir.
func PIDPath(runDir string) string {
	return filepath.Join(runDir, pidFileName)
}

// ReadRecord reads the PID file. A missing file returns os.ErrNotExist.
func ReadRecord(runDir string) (*Record, error) {
	data, err := os.ReadFile(PIDPath(runDir))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("invalid PID file content: %w", err)
	}
	return &rec, nil
}

func writeRecord(runDir string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal PID record: %w", err)
	}
	return writeFileAtomic(PIDPath(runDir), append(data, '\n'))
}

// transition moves the on-disk record to next if the state machine allows
// it. A missing record counts as idle.
func transition(runDir string, next State, update func(*Record)) (*Record, error) {
	rec, err := ReadRecord(runDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		rec = &Record{State: StateIdle}
	}
	if rec.State != next && !rec.State.CanTransition(next) {
		return nil, fmt.Errorf("invalid lifecycle transition %s -> %s", rec.State, next)
	}
	rec.State = next
	rec.UpdatedAt = time.Now()
	if update != nil {
		update(rec)
	}
	if err := writeRecord(runDir, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
