package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
)

type Config struct {
	DataDir   string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	Store struct {
		Path          string `json:"path" yaml:"path" toml:"path"`
		BusyTimeoutMs int    `json:"busy_timeout_ms" yaml:"busy_timeout_ms" toml:"busy_timeout_ms"`
		RetryAttempts int    `json:"retry_attempts" yaml:"retry_attempts" toml:"retry_attempts"`
	} `json:"store" yaml:"store" toml:"store"`

	Backend struct {
		Mode           string `json:"mode" yaml:"mode" toml:"mode"`
		LocalURL       string `json:"local_url" yaml:"local_url" toml:"local_url"`
		RemoteURL      string `json:"remote_url" yaml:"remote_url" toml:"remote_url"`
		RemoteAPIKey   string `json:"remote_api_key" yaml:"remote_api_key" toml:"remote_api_key"`
		WriteTimeoutMs int    `json:"write_timeout_ms" yaml:"write_timeout_ms" toml:"write_timeout_ms"`
	} `json:"backend" yaml:"backend" toml:"backend"`

	Server struct {
		Addr                string `json:"addr" yaml:"addr" toml:"addr"`
		ScanIntervalMs      int    `json:"scan_interval_ms" yaml:"scan_interval_ms" toml:"scan_interval_ms"`
		BatchSize           int    `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
		QueueSize           int    `json:"queue_size" yaml:"queue_size" toml:"queue_size"`
		OverflowPolicy      string `json:"overflow_policy" yaml:"overflow_policy" toml:"overflow_policy"`
		HeartbeatSec        int    `json:"heartbeat_sec" yaml:"heartbeat_sec" toml:"heartbeat_sec"`
		MaxConnections      int    `json:"max_connections" yaml:"max_connections" toml:"max_connections"`
		MaxConcurrentIngest int    `json:"max_concurrent_ingest" yaml:"max_concurrent_ingest" toml:"max_concurrent_ingest"`
		HealthProbe         string `json:"health_probe" yaml:"health_probe" toml:"health_probe"`
	} `json:"server" yaml:"server" toml:"server"`

	Hook struct {
		BudgetMs  int    `json:"budget_ms" yaml:"budget_ms" toml:"budget_ms"`
		AutoStart bool   `json:"auto_start" yaml:"auto_start" toml:"auto_start"`
		ServerCmd string `json:"server_cmd" yaml:"server_cmd" toml:"server_cmd"`
	} `json:"hook" yaml:"hook" toml:"hook"`
}

// DefaultDir is the data directory used when none is configured.
const DefaultDir = "~/.chronicle"

// DefaultPath returns the config file location under the default data dir.
func DefaultPath() string {
	dir, err := homedir.Expand(DefaultDir)
	if err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".chronicle")
	}
	return filepath.Join(dir, "config.json")
}

// Default returns a Config populated with defaults.
func Default() *Config {
	cfg := &Config{
		DataDir:   DefaultDir,
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.Store.BusyTimeoutMs = 10
	cfg.Store.RetryAttempts = 5
	cfg.Backend.Mode = "auto"
	cfg.Backend.WriteTimeoutMs = 150
	cfg.Server.Addr = "127.0.0.1:4319"
	cfg.Server.ScanIntervalMs = 100
	cfg.Server.BatchSize = 500
	cfg.Server.QueueSize = 256
	cfg.Server.OverflowPolicy = "drop-oldest"
	cfg.Server.HeartbeatSec = 15
	cfg.Server.MaxConnections = 128
	cfg.Server.MaxConcurrentIngest = 16
	cfg.Server.HealthProbe = "@every 30s"
	cfg.Hook.BudgetMs = 90
	cfg.Hook.AutoStart = true
	return cfg
}

// Load reads path on top of the defaults. A missing file is created with
// the defaults. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(formatOf(path), data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.expand(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envOverrides = []struct {
	name string
	set  func(*Config, string)
}{
	{"CHRONICLE_DATA_DIR", func(c *Config, v string) { c.DataDir = v }},
	{"CHRONICLE_LOG_LEVEL", func(c *Config, v string) { c.LogLevel = v }},
	{"CHRONICLE_LOG_FORMAT", func(c *Config, v string) { c.LogFormat = v }},
	{"CHRONICLE_DB_PATH", func(c *Config, v string) { c.Store.Path = v }},
	{"CHRONICLE_BACKEND_MODE", func(c *Config, v string) { c.Backend.Mode = v }},
	{"CHRONICLE_LOCAL_URL", func(c *Config, v string) { c.Backend.LocalURL = v }},
	{"CHRONICLE_REMOTE_URL", func(c *Config, v string) { c.Backend.RemoteURL = v }},
	{"CHRONICLE_REMOTE_API_KEY", func(c *Config, v string) { c.Backend.RemoteAPIKey = v }},
	{"CHRONICLE_ADDR", func(c *Config, v string) { c.Server.Addr = v }},
	{"CHRONICLE_BUDGET_MS", func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Hook.BudgetMs = n
		}
	}},
}

func applyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.set(cfg, v)
		}
	}
}

func (c *Config) expand() error {
	dir, err := homedir.Expand(c.DataDir)
	if err != nil {
		return fmt.Errorf("expand data_dir: %w", err)
	}
	c.DataDir = dir
	if c.Store.Path != "" {
		p, err := homedir.Expand(c.Store.Path)
		if err != nil {
			return fmt.Errorf("expand store.path: %w", err)
		}
		c.Store.Path = p
	}
	return nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend.Mode) {
	case "", "auto", "local", "remote":
	default:
		return fmt.Errorf("invalid backend.mode %q: want local, remote or auto", c.Backend.Mode)
	}
	switch c.Server.OverflowPolicy {
	case "", "drop-oldest", "disconnect":
	default:
		return fmt.Errorf("invalid server.overflow_policy %q: want drop-oldest or disconnect", c.Server.OverflowPolicy)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q: want text or json", c.LogFormat)
	}
	return nil
}

// DBPath is the embedded store file.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "chronicle.db")
}

// RunDir holds the PID file, locks and the server log.
func (c *Config) RunDir() string {
	return filepath.Join(c.DataDir, "run")
}

// ServerLogPath is where a spawned server writes its output.
func (c *Config) ServerLogPath() string {
	return filepath.Join(c.RunDir(), "server.log")
}
