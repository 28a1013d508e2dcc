package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/chronicle/internal/config"
	"github.com/user/chronicle/internal/lifecycle"
	"golang.org/x/sys/unix"
)

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd)
}

// serverArgv is the command a producer uses to start the server: the
// configured hook.server_cmd, or this binary's serve command.
func serverArgv(cfg *config.Config) ([]string, error) {
	if cfg.Hook.ServerCmd != "" {
		return lifecycle.ParseCommand(cfg.Hook.ServerCmd)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}
	return []string{exe, "serve", "--config", cfgPath}, nil
}

func newManager(cfg *config.Config, logger *slog.Logger, lockTimeout time.Duration) (*lifecycle.Manager, error) {
	argv, err := serverArgv(cfg)
	if err != nil {
		return nil, err
	}
	return lifecycle.New(lifecycle.Options{
		RunDir:      cfg.RunDir(),
		Spawner:     &lifecycle.CommandSpawner{Argv: argv, LogPath: cfg.ServerLogPath()},
		LockTimeout: lockTimeout,
		Logger:      logger,
	}), nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background if it is not running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		m, err := newManager(cfg, setupLogging(cfg), time.Second)
		if err != nil {
			return err
		}
		res, err := m.StartIfNeeded("")
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		u := newUI(os.Stdout)
		if res.Spawned {
			fmt.Fprintf(os.Stdout, "Server %s (PID %d).\n", u.state(string(res.State)), res.PID)
		} else {
			fmt.Fprintf(os.Stdout, "Server already %s (PID %d).\n", u.state(string(res.State)), res.PID)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		m, err := newManager(cfg, setupLogging(cfg), time.Second)
		if err != nil {
			return err
		}
		res, err := m.Stop()
		if err != nil {
			return fmt.Errorf("stop server: %w", err)
		}
		if !res.Stopped {
			return fmt.Errorf("no running server")
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to server (PID %d).\n", res.PID)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running server in place",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		m, err := newManager(cfg, setupLogging(cfg), time.Second)
		if err != nil {
			return err
		}
		rec, alive := m.Probe()
		if !alive || rec.PID <= 0 {
			return fmt.Errorf("no running server")
		}
		if err := unix.Kill(rec.PID, unix.SIGHUP); err != nil {
			return fmt.Errorf("send SIGHUP: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Sent SIGHUP to server (PID %d) for restart.\n", rec.PID)
		return nil
	},
}
