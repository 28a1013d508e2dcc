package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/user/chronicle/internal/backend"
	"github.com/user/chronicle/internal/config"
	"github.com/user/chronicle/internal/hook"
	"github.com/user/chronicle/pkg/ingest"
)

var hookReport bool

func init() {
	hookCmd.Flags().BoolVar(&hookReport, "report", false, "print what the hook did as JSON")
	rootCmd.AddCommand(hookCmd)
}

var hookCmd = &cobra.Command{
	Use:   "hook [event-type]",
	Short: "Record one agent hook event read from stdin",
	Long: `Record one agent hook event read from stdin.

The event type is taken from the argument, or from the payload's
hook_event_name when no argument is given. The command always exits 0
so a telemetry failure never blocks the agent; failures go to
<data_dir>/run/hook.log.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runHook,
}

// hookConfig loads the config, falling back to the defaults so a broken
// file still records events.
func hookConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err == nil {
		return cfg
	}
	cfg = config.Default()
	if dir, err := homedir.Expand(cfg.DataDir); err == nil {
		cfg.DataDir = dir
	}
	return cfg
}

func hookLogger(cfg *config.Config) (*slog.Logger, func()) {
	level := parseLevel(cfg.LogLevel)
	if level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	var w io.Writer = io.Discard
	closeFn := func() {}
	if err := os.MkdirAll(cfg.RunDir(), 0o755); err == nil {
		f, err := os.OpenFile(filepath.Join(cfg.RunDir(), "hook.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			w = f
			closeFn = func() { f.Close() }
		}
	}
	return newLogger(w, "json", level).With("component", "hook", "pid", os.Getpid()), closeFn
}

func runHook(cmd *cobra.Command, args []string) {
	start := time.Now()
	cfg := hookConfig()
	logger, closeLog := hookLogger(cfg)
	defer closeLog()

	arg := ""
	if len(args) == 1 {
		arg = args[0]
	}

	// The budget covers opening the store, not just the write.
	budget := time.Duration(cfg.Hook.BudgetMs) * time.Millisecond
	if budget <= 0 {
		budget = hook.DefaultBudget
	}
	ctx, cancel := context.WithDeadline(context.Background(), start.Add(budget))
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		return
	}
	defer store.Close()

	mode, err := backend.ParseMode(cfg.Backend.Mode)
	if err != nil {
		mode = backend.ModeAuto
	}
	writeTimeout := time.Duration(cfg.Backend.WriteTimeoutMs) * time.Millisecond
	localURL := cfg.Backend.LocalURL
	if localURL == "" {
		localURL = "http://" + cfg.Server.Addr
	}
	local := backend.NewHTTPBackend("local", ingest.New(&ingest.Config{BaseURL: localURL, Timeout: writeTimeout}))
	sel := backend.New(backend.NewStoreBackend(store, nil), local, remoteBackend(cfg), backend.Options{
		Mode:         mode,
		WriteTimeout: writeTimeout,
		Logger:       logger,
	})

	opts := hook.Options{
		Writer: sel,
		Budget: budget,
		Start:  start,
		Logger: logger,
	}
	if cfg.Hook.AutoStart {
		m, err := newManager(cfg, logger, 0)
		if err != nil {
			logger.Warn("server lifecycle disabled", "error", err)
		} else {
			opts.Lifecycle = m
		}
	}

	rep := hook.Run(ctx, arg, os.Stdin, opts)
	if hookReport {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(rep)
	}
}
