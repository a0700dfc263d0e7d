// Package config handles reading and writing phi's config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Config is the top-level structure for config.yaml.
type Config struct {
	Version      int            `yaml:"version"`
	Sessions     SessionsConfig `yaml:"sessions"`
	IDs          IDsConfig      `yaml:"ids"`
	Logging      LoggingConfig  `yaml:"logging"`
	Model        ModelConfig    `yaml:"model"`
	SystemPrompt string         `yaml:"system_prompt"`
	Queue        QueueConfig    `yaml:"queue"`
}

// SessionsConfig says where session logs live.
type SessionsConfig struct {
	Dir        string `yaml:"dir"`
	Backend    string `yaml:"backend"`     // "jsonl" | "sqlite"
	SQLitePath string `yaml:"sqlite_path"` // default: <dir>/sessions.db
	Sync       bool   `yaml:"sync"`        // fsync every jsonl append
}

type IDsConfig struct {
	ShortAttempts int `yaml:"short_attempts"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
	File  string `yaml:"file"`  // empty: stderr
}

type ModelConfig struct {
	Provider string `yaml:"provider"`
	ID       string `yaml:"id"`
}

type QueueConfig struct {
	Workers      int `yaml:"workers"`
	BufferSize   int `yaml:"buffer_size"`
	MaxRetries   int `yaml:"max_retries"`
	RetryDelayMS int `yaml:"retry_delay_ms"`
}

func (q QueueConfig) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMS) * time.Millisecond
}

const configFile = "config.yaml"

// Home is $PHI_HOME, or ~/.phi.
func Home() string {
	if dir := os.Getenv("PHI_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".phi"
	}
	return filepath.Join(home, ".phi")
}

// DefaultPath is config.yaml inside Home.
func DefaultPath() string {
	return filepath.Join(Home(), configFile)
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Sessions: SessionsConfig{
			Dir:     filepath.Join(Home(), "sessions"),
			Backend: BackendJSONL,
			Sync:    true,
		},
		IDs: IDsConfig{
			ShortAttempts: 10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Model: ModelConfig{
			Provider: "echo",
			ID:       "echo-1",
		},
		Queue: QueueConfig{
			Workers:      1,
			BufferSize:   256,
			MaxRetries:   2,
			RetryDelayMS: 200,
		},
	}
}

// ReadConfig reads the YAML file at path over the defaults.
// Returns an error if the file is not found or YAML is malformed.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// WriteConfig writes cfg to path, creating its directory.
func WriteConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Load reads path (DefaultPath when empty), falls back to defaults when the
// file does not exist, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg, err := ReadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from PHI_SESSIONS_DIR, PHI_SESSION_BACKEND and
// PHI_LOG_LEVEL.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PHI_SESSIONS_DIR"); v != "" {
		c.Sessions.Dir = v
	}
	if v := os.Getenv("PHI_SESSION_BACKEND"); v != "" {
		c.Sessions.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("PHI_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func (c *Config) Validate() error {
	switch c.Sessions.Backend {
	case BackendJSONL, BackendSQLite:
	default:
		return fmt.Errorf("unknown session backend %q (want %s or %s)", c.Sessions.Backend, BackendJSONL, BackendSQLite)
	}
	if c.Sessions.Dir == "" {
		return errors.New("sessions.dir is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	if c.IDs.ShortAttempts < 0 {
		return errors.New("ids.short_attempts must not be negative")
	}
	if c.Queue.Workers < 0 || c.Queue.BufferSize < 0 || c.Queue.MaxRetries < 0 || c.Queue.RetryDelayMS < 0 {
		return errors.New("queue settings must not be negative")
	}
	return nil
}

// SQLitePath is sessions.sqlite_path, or sessions.db inside sessions.dir.
func (c *Config) SQLitePath() string {
	if c.Sessions.SQLitePath != "" {
		return c.Sessions.SQLitePath
	}
	return filepath.Join(c.Sessions.Dir, "sessions.db")
}
