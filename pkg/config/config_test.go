package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lattice.yaml")
	require.NoError(t, os.WriteFile(path, []byte("history_window: 240\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(240), cfg.HistoryWindow)
	assert.Equal(t, Default().CheckpointInterval, cfg.CheckpointInterval)
	assert.Equal(t, Default().LogLevel, cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero checkpoint interval",
			mutate:  func(c *Config) { c.CheckpointInterval = 0 },
			wantErr: "checkpoint_interval",
		},
		{
			name:    "zero history window",
			mutate:  func(c *Config) { c.HistoryWindow = 0 },
			wantErr: "history_window",
		},
		{
			name: "window shorter than checkpoint interval",
			mutate: func(c *Config) {
				c.HistoryWindow = 5
				c.CheckpointInterval = 10
			},
			wantErr: "history_window",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "log_level",
		},
		{
			name:    "zero clock samples",
			mutate:  func(c *Config) { c.ClockSamples = 0 },
			wantErr: "clock_samples",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
