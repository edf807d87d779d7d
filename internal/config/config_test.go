package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Defaults() failed validation: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Spawn.BridgeBinaryPath != Defaults().Spawn.BridgeBinaryPath {
		t.Fatalf("expected default bridge path, got %q", cfg.Spawn.BridgeBinaryPath)
	}
}

func TestLoadOverlayOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linuxio-auth.yaml")
	yamlContent := "schema_version: \"1\"\nspawn:\n  bridge_binary_path: /opt/linuxio/bridge\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Spawn.BridgeBinaryPath != "/opt/linuxio/bridge" {
		t.Fatalf("bridge_binary_path = %q, want /opt/linuxio/bridge", cfg.Spawn.BridgeBinaryPath)
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linuxio-auth.yaml")
	yamlContent := "schema_version: \"1\"\nspawn:\n  rlimit_nproc: 512\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("LINUXIO_RLIMIT_NPROC", "2048")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Spawn.RlimitNproc != 2048 {
		t.Fatalf("RlimitNproc = %d, want 2048", cfg.Spawn.RlimitNproc)
	}
}

func TestEnvOverrideBridgeStartTimeoutMs(t *testing.T) {
	t.Setenv("LINUXIO_BRIDGE_START_TIMEOUT_MS", "1500")
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Spawn.StartTimeout != 1500*time.Millisecond {
		t.Fatalf("StartTimeout = %s, want 1500ms", cfg.Spawn.StartTimeout)
	}
}

func TestValidateRejectsOutOfRangeNproc(t *testing.T) {
	cfg := Defaults()
	cfg.Spawn.RlimitNproc = 5
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for rlimit_nproc=5")
	}
}

func TestValidateRejectsBadSchemaVersion(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for schema_version mismatch")
	}
}
