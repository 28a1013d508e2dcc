package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/chronicle/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "json", slog.LevelInfo).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "text", slog.LevelInfo).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text output, got %q", buf.String())
	}

	// Not a terminal: the automatic choice is JSON.
	buf.Reset()
	newLogger(&buf, "", slog.LevelInfo).Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output for non-terminal, got %q", buf.String())
	}
}

func TestServerArgv(t *testing.T) {
	cfg := config.Default()
	cfg.Hook.ServerCmd = `/usr/local/bin/chronicle serve --config "/tmp/my dir/config.json"`
	argv, err := serverArgv(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(argv) != 4 || argv[3] != "/tmp/my dir/config.json" {
		t.Errorf("unexpected argv %q", argv)
	}

	cfg.Hook.ServerCmd = ""
	cfgPath = "/etc/chronicle.yaml"
	argv, err = serverArgv(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if argv[1] != "serve" || argv[len(argv)-1] != "/etc/chronicle.yaml" {
		t.Errorf("unexpected default argv %q", argv)
	}
}

func TestHookConfigFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	cfgPath = filepath.Join(dir, "broken.json")
	writeFile(t, cfgPath, `{"backend": {"mode": "sideways"}}`)

	cfg := hookConfig()
	if cfg.Backend.Mode != "auto" {
		t.Errorf("expected default mode, got %q", cfg.Backend.Mode)
	}
	if strings.HasPrefix(cfg.DataDir, "~") {
		t.Errorf("expected expanded data dir, got %q", cfg.DataDir)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
