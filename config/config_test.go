package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.WorkspaceRoot == "" {
		t.Error("empty workspace root")
	}
	if filepath.Base(cfg.WorkspaceRoot) != "nodebooks-runtime" {
		t.Errorf("workspace root = %q", cfg.WorkspaceRoot)
	}
	if cfg.DefaultTimeoutMs != 10_000 {
		t.Errorf("default timeout = %d, want 10000", cfg.DefaultTimeoutMs)
	}
	if cfg.GCMaxAge() != 30*24*time.Hour {
		t.Errorf("gc max age = %v", cfg.GCMaxAge())
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("missing file errored: %v", err)
	}
	if cfg.DefaultTimeoutMs != 10_000 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "workspace_root = \"/srv/nb\"\ndefault_timeout_ms = 2500\ngc_max_age_hours = 48\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkspaceRoot != "/srv/nb" {
		t.Errorf("workspace root = %q", cfg.WorkspaceRoot)
	}
	if cfg.DefaultTimeoutMs != 2500 {
		t.Errorf("timeout = %d", cfg.DefaultTimeoutMs)
	}
	if cfg.GCMaxAge() != 48*time.Hour {
		t.Errorf("gc max age = %v", cfg.GCMaxAge())
	}
}

func TestLoadFromInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not [valid"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("invalid toml accepted")
	}
}
