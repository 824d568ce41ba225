package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedtuned.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pin_dir: /sys/fs/bpf/custom
tick_interval: 2s
telemetry_url: nats://localhost:4222
event_log_size: 128
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/sys/fs/bpf/custom", cfg.PinDir)
	assert.Equal(t, 2*time.Second, cfg.TickInterval)
	assert.Equal(t, "nats://localhost:4222", cfg.TelemetryURL)
	assert.Equal(t, 128, cfg.EventLogSize)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unset keys keep their defaults.
	assert.Equal(t, Default().StatePath, cfg.StatePath)
	assert.True(t, cfg.Classification)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SCHEDTUNED_TICK_INTERVAL", "500ms")
	t.Setenv("SCHEDTUNED_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults pass", func(*Config) {}, true},
		{"empty pin dir", func(c *Config) { c.PinDir = "" }, false},
		{"interval too small", func(c *Config) { c.TickInterval = 50 * time.Millisecond }, false},
		{"zero event log", func(c *Config) { c.EventLogSize = 0 }, false},
		{"negative restarts", func(c *Config) { c.MaxRestarts = -1 }, false},
		{"negative delay", func(c *Config) { c.RestartDelay = -time.Second }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"zero restarts ok", func(c *Config) { c.MaxRestarts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
