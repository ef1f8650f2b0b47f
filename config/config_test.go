package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CacheSize != 10_000 {
		t.Fatalf("cache size = %d, want 10000", cfg.CacheSize)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.RestoreDir != "./cellmesh-data" {
		t.Fatalf("restore dir = %q, want default", cfg.RestoreDir)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "bind_port: 4100\nlog_level: debug\npersist_on_close: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CELLMESH_LOG_LEVEL", "warn")
	t.Setenv("CELLMESH_KEY_SEED", "543212345")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindPort != 4100 {
		t.Fatalf("bind port = %d, want 4100 from file", cfg.BindPort)
	}
	if !cfg.PersistOnClose {
		t.Fatalf("persist_on_close not read from file")
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q, want env override warn", cfg.LogLevel)
	}
	if cfg.KeySeed != 543212345 {
		t.Fatalf("key seed = %d, want env override", cfg.KeySeed)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(":\n\t- not yaml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, ""); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}
