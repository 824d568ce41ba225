// Package config loads daemon settings from an optional YAML file with
// SCHEDTUNED_* environment overrides on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	// PinDir is where the engine's BPF maps are pinned.
	PinDir string `mapstructure:"pin_dir" yaml:"pin_dir"`

	// TickInterval is the monitor loop period.
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`

	// StatePath holds learned task profiles across restarts. Empty disables
	// persistence.
	StatePath string `mapstructure:"state_path" yaml:"state_path"`

	// Classification enables the per-process tier learning loop.
	Classification bool `mapstructure:"classification" yaml:"classification"`

	// TelemetryURL is the NATS broker for tick snapshots. Empty disables
	// publishing.
	TelemetryURL string `mapstructure:"telemetry_url" yaml:"telemetry_url"`

	// EventLogSize bounds the in-memory tick history ring.
	EventLogSize int `mapstructure:"event_log_size" yaml:"event_log_size"`

	// EventLogDump, when set, receives the retained history as JSON lines on
	// shutdown.
	EventLogDump string `mapstructure:"event_log_dump" yaml:"event_log_dump"`

	// MaxRestarts caps how many engine-requested reloads one invocation will
	// honor before giving up.
	MaxRestarts int `mapstructure:"max_restarts" yaml:"max_restarts"`

	// RestartDelay spaces out reload attempts.
	RestartDelay time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		PinDir:         "/sys/fs/bpf/schedtuned",
		TickInterval:   time.Second,
		StatePath:      "/var/lib/schedtuned/procdb.json",
		Classification: true,
		EventLogSize:   8192,
		MaxRestarts:    5,
		RestartDelay:   2 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads path (optional) and the environment, layered over defaults.
func Load(path string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetDefault("pin_dir", def.PinDir)
	v.SetDefault("tick_interval", def.TickInterval)
	v.SetDefault("state_path", def.StatePath)
	v.SetDefault("classification", def.Classification)
	v.SetDefault("telemetry_url", def.TelemetryURL)
	v.SetDefault("event_log_size", def.EventLogSize)
	v.SetDefault("event_log_dump", def.EventLogDump)
	v.SetDefault("max_restarts", def.MaxRestarts)
	v.SetDefault("restart_delay", def.RestartDelay)
	v.SetDefault("log_level", def.LogLevel)

	v.SetEnvPrefix("SCHEDTUNED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the control loops cannot run with.
func (c Config) Validate() error {
	if c.PinDir == "" {
		return fmt.Errorf("pin_dir must not be empty")
	}
	if c.TickInterval < 100*time.Millisecond {
		return fmt.Errorf("tick_interval %s is below the 100ms minimum", c.TickInterval)
	}
	if c.EventLogSize <= 0 {
		return fmt.Errorf("event_log_size must be positive, got %d", c.EventLogSize)
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("max_restarts must not be negative, got %d", c.MaxRestarts)
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("restart_delay must not be negative, got %s", c.RestartDelay)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
