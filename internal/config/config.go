// Package config provides configuration types and defaults for maestro.
// Daemon-level settings live here and in the YAML file; runtime coordination
// settings (fleet size, tick intervals) live in the store's config table so
// they can change over the command surface without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/maestro/internal/tracing"
)

// Config holds all daemon configuration options.
type Config struct {
	// ProjectDir is the directory whose .maestro/state the daemon owns.
	// Default: current working directory.
	ProjectDir string `mapstructure:"project_dir"`

	// SocketPath overrides the command socket location. Empty means
	// <project>/.maestro/state/maestro.sock.
	SocketPath string `mapstructure:"socket_path"`

	// Debug enables debug-level logging.
	Debug bool `mapstructure:"debug"`

	// MaxWorkers seeds the fleet size on first start (1..8).
	MaxWorkers int `mapstructure:"max_workers"`

	// SentinelCommand is the command launched in each worker's window.
	// A %d verb receives the worker id.
	SentinelCommand string `mapstructure:"sentinel_command"`

	// SessionName is the supervisor session holding worker windows.
	SessionName string `mapstructure:"session_name"`

	// MainBranch is the integration branch PRs merge into.
	MainBranch string `mapstructure:"main_branch"`

	// AllocatorInterval is the allocation tick period.
	AllocatorInterval time.Duration `mapstructure:"allocator_interval"`

	// WatchdogInterval is the supervision tick period.
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`

	// MergeInterval is the merge queue poll period.
	MergeInterval time.Duration `mapstructure:"merge_interval"`

	// Tracing holds the distributed tracing settings.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig mirrors tracing.Config with mapstructure tags for viper.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// ToTracing converts to the tracing package's config, filling defaults.
func (t TracingConfig) ToTracing(projectDir string) tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Enabled = t.Enabled
	if t.Exporter != "" {
		cfg.Exporter = t.Exporter
	}
	cfg.FilePath = t.FilePath
	if cfg.FilePath == "" {
		cfg.FilePath = DefaultTracesFilePath(projectDir)
	}
	if t.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = t.OTLPEndpoint
	}
	if t.SampleRate > 0 {
		cfg.SampleRate = t.SampleRate
	}
	return cfg
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		MaxWorkers:        4,
		SentinelCommand:   "maestro-sentinel --worker %d",
		SessionName:       "maestro",
		MainBranch:        "main",
		AllocatorInterval: 2 * time.Second,
		WatchdogInterval:  10 * time.Second,
		MergeInterval:     5 * time.Second,
		Tracing: TracingConfig{
			Exporter:   "file",
			SampleRate: 1.0,
		},
	}
}

// Normalize fills empty fields with defaults and resolves the project dir.
func (c *Config) Normalize() error {
	def := Default()
	if c.ProjectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		c.ProjectDir = wd
	}
	abs, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	c.ProjectDir = abs

	if c.MaxWorkers < 1 || c.MaxWorkers > 8 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.SentinelCommand == "" {
		c.SentinelCommand = def.SentinelCommand
	}
	if c.SessionName == "" {
		c.SessionName = def.SessionName
	}
	if c.MainBranch == "" {
		c.MainBranch = def.MainBranch
	}
	if c.AllocatorInterval <= 0 {
		c.AllocatorInterval = def.AllocatorInterval
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = def.WatchdogInterval
	}
	if c.MergeInterval <= 0 {
		c.MergeInterval = def.MergeInterval
	}
	return nil
}

// ConfigFilePath returns the YAML config location for a project.
func ConfigFilePath(projectDir string) string {
	return filepath.Join(projectDir, ".maestro", "config.yaml")
}

// DefaultTracesFilePath returns the trace file location for a project.
func DefaultTracesFilePath(projectDir string) string {
	return filepath.Join(projectDir, ".maestro", "traces", "traces.jsonl")
}
