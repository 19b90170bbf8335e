// Package config loads kernel configuration from the user's TOML file
// with sensible defaults for everything.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all NodeBooks kernel configuration values.
type Config struct {
	// WorkspaceRoot is where per-notebook workspaces live.
	WorkspaceRoot string `toml:"workspace_root"`

	// DefaultTimeoutMs bounds a cell run when the cell carries no
	// timeout of its own.
	DefaultTimeoutMs int `toml:"default_timeout_ms"`

	// GCMaxAgeHours is how old a workspace directory must be before
	// `nodebooks gc` removes it.
	GCMaxAgeHours int `toml:"gc_max_age_hours"`
}

// DefaultConfig returns a Config with all defaults populated.
func DefaultConfig() Config {
	return Config{
		WorkspaceRoot:    filepath.Join(os.TempDir(), "nodebooks-runtime"),
		DefaultTimeoutMs: 10_000,
		GCMaxAgeHours:    30 * 24,
	}
}

// Path returns the config file location: ~/.nodebooks/config.toml.
func Path() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".nodebooks", "config.toml")
}

// Load reads the config file, if present, over the defaults. A missing
// file is not an error.
func Load() (Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads a specific config file over the defaults.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = 10_000
	}
	if cfg.GCMaxAgeHours <= 0 {
		cfg.GCMaxAgeHours = 30 * 24
	}
	return cfg, nil
}

// GCMaxAge returns the workspace GC cutoff as a duration.
func (c Config) GCMaxAge() time.Duration {
	return time.Duration(c.GCMaxAgeHours) * time.Hour
}
