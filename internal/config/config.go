// Package config handles reading and writing ~/.pacetrace/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level structure for config.yaml.
type Config struct {
	Version   int             `yaml:"version"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Pacing    PacingConfig    `yaml:"pacing"`
	DBPath    string          `yaml:"db_path"`
	LogPath   string          `yaml:"log_path"`
	LogLevel  string          `yaml:"log_level"` // "debug" | "info" | "warn"
}

// TelemetryConfig holds the observability backend settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url"`
	PublicKey   string `yaml:"public_key"`
	SecretKey   string `yaml:"secret_key"`
	StateDir    string `yaml:"state_dir"`
	PushTimeout int    `yaml:"push_timeout"`  // seconds
	StateMaxAge int    `yaml:"state_max_age"` // days before stale state files are pruned
}

// PacingConfig controls credit-consumption tracking.
// The global Enabled flag always wins: a per-session override can disable
// pacing for one session but can never re-enable a globally disabled system.
type PacingConfig struct {
	Enabled      bool `yaml:"enabled"`
	PollInterval int  `yaml:"poll_interval"` // seconds between usage snapshots
}

const configDir = ".pacetrace"
const configFile = "config.yaml"

// Dir returns the pacetrace home directory (~/.pacetrace), creating it if
// needed. Falls back to the current directory when the home dir is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, configDir)
	_ = os.MkdirAll(dir, 0755)
	return dir
}

// ReadConfig reads config.yaml from the given directory.
// A missing file is not an error: defaults (telemetry disabled) are returned
// so hook invocations degrade to no-ops on unconfigured machines.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configFile)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(dir), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig(dir)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// WriteConfig writes cfg to config.yaml in the given directory.
func WriteConfig(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dir, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// DefaultConfig returns a Config populated with sensible defaults rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Version: 1,
		Telemetry: TelemetryConfig{
			Enabled:     false,
			StateDir:    filepath.Join(dir, "telemetry_state"),
			PushTimeout: 10,
			StateMaxAge: 7,
		},
		Pacing: PacingConfig{
			Enabled:      true,
			PollInterval: 60,
		},
		DBPath:   filepath.Join(dir, "usage.db"),
		LogPath:  filepath.Join(dir, "log.jsonl"),
		LogLevel: "info",
	}
}

// TelemetryReady reports whether telemetry is enabled and fully credentialed.
// False means hooks should return success-without-action.
func (c *Config) TelemetryReady() bool {
	t := c.Telemetry
	return t.Enabled && t.BaseURL != "" && t.PublicKey != "" && t.SecretKey != ""
}
