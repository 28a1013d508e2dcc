package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/chronicle/internal/backend"
	"github.com/user/chronicle/internal/broadcast"
	"github.com/user/chronicle/internal/config"
	"github.com/user/chronicle/internal/hub"
	"github.com/user/chronicle/internal/lifecycle"
	"github.com/user/chronicle/internal/retry"
	"github.com/user/chronicle/internal/scheduler"
	"github.com/user/chronicle/internal/server"
	"github.com/user/chronicle/internal/state"
	"github.com/user/chronicle/pkg/ingest"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest and streaming server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const (
	shutdownTimeout    = 5 * time.Second
	lockWait           = shutdownTimeout + time.Second
	checkpointSchedule = "@every 5m"
)

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*state.Store, error) {
	policy := retry.DefaultPolicy()
	if cfg.Store.RetryAttempts > 0 {
		policy.MaxAttempts = cfg.Store.RetryAttempts
	}
	return state.Open(ctx, cfg.DBPath(),
		state.WithLogger(logger),
		state.WithRetryPolicy(policy),
		state.WithBusyTimeout(time.Duration(cfg.Store.BusyTimeoutMs)*time.Millisecond),
	)
}

// remoteBackend returns the configured remote backend, or nil.
func remoteBackend(cfg *config.Config) backend.Backend {
	if cfg.Backend.RemoteURL == "" {
		return nil
	}
	return backend.NewHTTPBackend("remote", ingest.New(&ingest.Config{
		BaseURL: cfg.Backend.RemoteURL,
		APIKey:  cfg.Backend.RemoteAPIKey,
	}))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	// A server that was just told to stop still holds the lock until it
	// exits, so wait out its shutdown before deciding one is running.
	lock, err := lifecycle.AcquireServerLock(cfg.RunDir(), lockWait)
	if errors.Is(err, lifecycle.ErrAlreadyRunning) {
		logger.Info("server already running", "run_dir", cfg.RunDir())
		return nil
	}
	if err != nil {
		return err
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := lock.Release(); err != nil {
			logger.Warn("release server lock", "error", err)
		}
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	policy, err := hub.ParseOverflowPolicy(cfg.Server.OverflowPolicy)
	if err != nil {
		return err
	}
	h := hub.New(hub.Options{
		QueueSize:         cfg.Server.QueueSize,
		Policy:            policy,
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatSec) * time.Second,
		MaxConnections:    cfg.Server.MaxConnections,
		Logger:            logger.With("component", "hub"),
	})

	bc := broadcast.New(store, h, broadcast.Options{
		ScanInterval: time.Duration(cfg.Server.ScanIntervalMs) * time.Millisecond,
		BatchSize:    cfg.Server.BatchSize,
		Logger:       logger.With("component", "broadcast"),
	})
	if err := bc.Start(ctx); err != nil {
		return err
	}

	// The server is the local backend, so its own selector only probes
	// the store and the remote for the status endpoint.
	mode, err := backend.ParseMode(cfg.Backend.Mode)
	if err != nil {
		return err
	}
	sel := backend.New(backend.NewStoreBackend(store, nil), nil, remoteBackend(cfg), backend.Options{
		Mode:   mode,
		Logger: logger.With("component", "backend"),
	})

	sched := scheduler.New(logger.With("component", "scheduler"))
	if cfg.Server.HealthProbe != "" {
		if err := sched.Add(scheduler.Job{
			Name:     "backend-health",
			Schedule: cfg.Server.HealthProbe,
			Run: func(ctx context.Context) error {
				if !sel.HealthCheck(ctx) {
					return errors.New("no healthy backend")
				}
				return nil
			},
		}); err != nil {
			return fmt.Errorf("schedule health probe: %w", err)
		}
	}
	if err := sched.Add(scheduler.Job{
		Name:     "wal-checkpoint",
		Schedule: checkpointSchedule,
		Run: func(ctx context.Context) error {
			frames, done, err := store.Checkpoint(ctx)
			if err == nil {
				logger.Debug("wal checkpoint", "frames", frames, "checkpointed", done)
			}
			return err
		},
	}); err != nil {
		return fmt.Errorf("schedule checkpoint: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Store:               store,
		Hub:                 h,
		Broadcaster:         bc,
		Selector:            sel,
		Scheduler:           sched,
		Logger:              logger.With("component", "server"),
		MaxConcurrentIngest: cfg.Server.MaxConcurrentIngest,
	})

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	if err := lock.WriteRunning(ln.Addr().String()); err != nil {
		ln.Close()
		return err
	}
	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return bc.Run(gctx)
	})

	logger.Info("chronicle started",
		"addr", ln.Addr().String(),
		"db", cfg.DBPath(),
		"pid", os.Getpid(),
		"backend_mode", mode,
		"overflow_policy", policy,
	)

	shutdown := func() error {
		cancel()
		h.Close()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		return g.Wait()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case <-gctx.Done():
		logger.Error("server stopped unexpectedly")
		return shutdown()
	case sig := <-sigChan:
		if sig != syscall.SIGHUP {
			logger.Info("shutting down", "signal", sig)
			return shutdown()
		}
	}

	logger.Info("received SIGHUP, restarting")
	execPath, err := os.Executable()
	if err != nil {
		shutdown()
		return fmt.Errorf("get executable path: %w", err)
	}
	if err := shutdown(); err != nil {
		logger.Warn("shutdown before restart", "error", err)
	}
	sched.Stop()
	store.Close()
	release()
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}
