package config

import (
	"os"
	"path/filepath"
	"testing"
)

// Defaults apply when no config file or env vars are present.
func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.FlatFile != "prefs.json" {
		t.Errorf("FlatFile = %q, want prefs.json", cfg.FlatFile)
	}
	if cfg.ObjectsFile != "objects.db" {
		t.Errorf("ObjectsFile = %q, want objects.db", cfg.ObjectsFile)
	}
	if cfg.BackupStore != "backups" {
		t.Errorf("BackupStore = %q, want backups", cfg.BackupStore)
	}
	if len(cfg.PromotableKeys) != 3 {
		t.Errorf("PromotableKeys = %v, want 3 defaults", cfg.PromotableKeys)
	}
	if cfg.ServePort != 7341 {
		t.Errorf("ServePort = %d, want 7341", cfg.ServePort)
	}
}

// A stowage.yaml inside the data dir overrides defaults.
func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()

	yaml := `flat_file: settings.json
backup_store: snapshots
serve_port: 9000
promotable_keys:
  - notifications
  - theme
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.FlatFile != "settings.json" {
		t.Errorf("FlatFile = %q, want settings.json", cfg.FlatFile)
	}
	if cfg.BackupStore != "snapshots" {
		t.Errorf("BackupStore = %q, want snapshots", cfg.BackupStore)
	}
	if cfg.ServePort != 9000 {
		t.Errorf("ServePort = %d, want 9000", cfg.ServePort)
	}
	if len(cfg.PromotableKeys) != 2 {
		t.Errorf("PromotableKeys = %v, want 2 entries", cfg.PromotableKeys)
	}

	// Unset fields keep their defaults.
	if cfg.ObjectsFile != "objects.db" {
		t.Errorf("ObjectsFile = %q, want default objects.db", cfg.ObjectsFile)
	}
}

// data_dir inside the config file cannot relocate the data directory
// it was loaded from.
func TestLoadDataDirFlagWins(t *testing.T) {
	dir := t.TempDir()

	yaml := "data_dir: /somewhere/else\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
}

// Environment variables override defaults.
func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()

	t.Setenv("STOWAGE_FLAT_FILE", "env.json")
	t.Setenv("STOWAGE_SERVE_PORT", "8080")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.FlatFile != "env.json" {
		t.Errorf("FlatFile = %q, want env.json", cfg.FlatFile)
	}
	if cfg.ServePort != 8080 {
		t.Errorf("ServePort = %d, want 8080", cfg.ServePort)
	}
}

// An empty required field is rejected.
func TestLoadRejectsEmptyFilenames(t *testing.T) {
	dir := t.TempDir()

	yaml := "flat_file: \"\"\n"
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for empty flat_file, got nil")
	}
}

// Path helpers join against the data directory.
func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data", FlatFile: "prefs.json", ObjectsFile: "objects.db"}

	if got := cfg.FlatPath(); got != filepath.Join("/data", "prefs.json") {
		t.Errorf("FlatPath = %q", got)
	}
	if got := cfg.ObjectsPath(); got != filepath.Join("/data", "objects.db") {
		t.Errorf("ObjectsPath = %q", got)
	}
}
