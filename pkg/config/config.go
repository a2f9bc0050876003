package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime tunables of a lattice deployment. All tick-valued
// fields are counts of simulation ticks, not wall time.
type Config struct {
	// SnapshotInterval is how often the producer emits full snapshots of the
	// configured snapshot components. 0 disables snapshots.
	SnapshotInterval uint32 `yaml:"snapshot_interval"`

	// CheckpointInterval is how often a world captures a structural
	// checkpoint for rollback.
	CheckpointInterval uint32 `yaml:"checkpoint_interval"`

	// HistoryWindow bounds how far back a world can roll back. Checkpoints
	// and undo entries older than the window are pruned; remote data older
	// than the window is dropped.
	HistoryWindow uint32 `yaml:"history_window"`

	// GhostCleanupWindow is how long a ghost binding survives without
	// traffic before it is garbage-collected.
	GhostCleanupWindow uint32 `yaml:"ghost_cleanup_window"`

	// ClockSamples caps the per-peer clocksync sample ring.
	ClockSamples int `yaml:"clock_samples"`

	// HandshakeRetryLimit bounds consumer handshake retransmission.
	HandshakeRetryLimit int `yaml:"handshake_retry_limit"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		SnapshotInterval:   60,
		CheckpointInterval: 10,
		HistoryWindow:      120,
		GhostCleanupWindow: 300,
		ClockSamples:       8,
		HandshakeRetryLimit: 32,
		LogLevel:           "info",
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.CheckpointInterval == 0 {
		return fmt.Errorf("checkpoint_interval must be positive")
	}
	if c.HistoryWindow == 0 {
		return fmt.Errorf("history_window must be positive")
	}
	if c.HistoryWindow < c.CheckpointInterval {
		return fmt.Errorf("history_window (%d) must cover at least one checkpoint_interval (%d)",
			c.HistoryWindow, c.CheckpointInterval)
	}
	if c.ClockSamples <= 0 {
		return fmt.Errorf("clock_samples must be positive")
	}
	if c.HandshakeRetryLimit <= 0 {
		return fmt.Errorf("handshake_retry_limit must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}
