// Package config loads the runner's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDir  = ".xhsrunner"
	DefaultPath = ".xhsrunner/config.yaml"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Worker   WorkerConfig   `yaml:"worker"`
	Engine   EngineConfig   `yaml:"engine"`
	Dataset  DatasetConfig  `yaml:"dataset"`
	Logging  LoggingConfig  `yaml:"logging"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Addr      string        `yaml:"addr"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type WorkerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

type EngineKind string

const (
	EngineScript EngineKind = "script"
	EngineRemote EngineKind = "remote"
)

type EngineConfig struct {
	Kind           EngineKind `yaml:"kind"`
	ScriptDir      string     `yaml:"script_dir"`
	RemoteURL      string     `yaml:"remote_url"`
	RecursionLimit int        `yaml:"recursion_limit"`
}

type DatasetConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	MaxSize int64  `yaml:"max_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SnapshotConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: filepath.Join(DefaultDir, "xhsrunner.db")},
		Server:   ServerConfig{Addr: "127.0.0.1:8000", Heartbeat: 15 * time.Second},
		Worker:   WorkerConfig{MaxConcurrent: 4},
		Engine: EngineConfig{
			Kind:           EngineScript,
			ScriptDir:      filepath.Join(DefaultDir, "workflows"),
			RecursionLimit: 100,
		},
		Dataset: DatasetConfig{
			Enabled: true,
			Path:    filepath.Join(DefaultDir, "samples.jsonl"),
			MaxSize: 10 << 20,
		},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Snapshot: SnapshotConfig{Path: filepath.Join(DefaultDir, "snapshots")},
	}
}

// Load reads path on top of Default. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg at path, creating parent directories.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c Config) Validate() error {
	switch c.Engine.Kind {
	case EngineScript:
	case EngineRemote:
		if c.Engine.RemoteURL == "" {
			return errors.New("engine.remote_url is required for the remote engine")
		}
	default:
		return fmt.Errorf("unknown engine.kind %q", c.Engine.Kind)
	}
	if c.Worker.MaxConcurrent < 1 {
		return errors.New("worker.max_concurrent must be at least 1")
	}
	if c.Engine.RecursionLimit < 1 {
		return errors.New("engine.recursion_limit must be at least 1")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("unknown logging.level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger described by cfg.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
