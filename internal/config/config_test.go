package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want %q", cfg.Server.Port, "8080")
	}
	if cfg.Sync.DefaultIntervalSeconds != 300 {
		t.Errorf("Sync.DefaultIntervalSeconds = %d, want 300", cfg.Sync.DefaultIntervalSeconds)
	}
	if cfg.Sync.MaxConsecutiveFailures != 5 {
		t.Errorf("Sync.MaxConsecutiveFailures = %d, want 5", cfg.Sync.MaxConsecutiveFailures)
	}
	if cfg.Archive.Enabled {
		t.Error("Archive.Enabled should be false by default")
	}
	if cfg.Archive.RetentionDays != 90 {
		t.Errorf("Archive.RetentionDays = %d, want 90", cfg.Archive.RetentionDays)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "velvet.toml")
	data := `
[server]
port = "9090"

[sync]
default_interval_seconds = 60
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %q, want %q", cfg.Server.Port, "9090")
	}
	if cfg.Sync.DefaultIntervalSeconds != 60 {
		t.Errorf("Sync.DefaultIntervalSeconds = %d, want 60", cfg.Sync.DefaultIntervalSeconds)
	}
	// Untouched sections keep defaults.
	if cfg.Sync.MaxConsecutiveFailures != 5 {
		t.Errorf("Sync.MaxConsecutiveFailures = %d, want 5", cfg.Sync.MaxConsecutiveFailures)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.DBPath != "velvet.db" {
		t.Errorf("Server.DBPath = %q, want %q", cfg.Server.DBPath, "velvet.db")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VELVET_PORT", "7070")
	t.Setenv("VELVET_SYNC_INTERVAL", "30")
	t.Setenv("VELVET_ARCHIVE_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("Server.Port = %q, want %q", cfg.Server.Port, "7070")
	}
	if cfg.Sync.DefaultIntervalSeconds != 30 {
		t.Errorf("Sync.DefaultIntervalSeconds = %d, want 30", cfg.Sync.DefaultIntervalSeconds)
	}
	if !cfg.Archive.Enabled {
		t.Error("Archive.Enabled should be true from env")
	}
}
