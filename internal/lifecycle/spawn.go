package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/kballard/go-shellquote"
)

// Spawner launches the server process without waiting for it.
type Spawner interface {
	Spawn() (pid int, err error)
}

// CommandSpawner starts Argv in its own session with output appended to
// LogPath, then releases the child so the caller can exit.
type CommandSpawner struct {
	Argv    []string
	LogPath string
	Env     []string
}

// ParseCommand splits a shell-style command line into argv.
func ParseCommand(line string) ([]string, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse server command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("parse server command: empty")
	}
	return argv, nil
}

func (s *CommandSpawner) Spawn() (int, error) {
	if len(s.Argv) == 0 {
		return 0, fmt.Errorf("spawn server: no command")
	}

	cmd := exec.Command(s.Argv[0], s.Argv[1:]...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if s.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.LogPath), 0o755); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		logFile, err := os.OpenFile(s.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open server log: %w", err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn server: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release server process: %w", err)
	}
	return pid, nil
}
