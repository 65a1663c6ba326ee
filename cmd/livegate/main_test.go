package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFlagsOverrideFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livegate.yaml")
	if err := os.WriteFile(path, []byte("app_bind_addr: \":7000\"\nlog_level: warn\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APP_BIND_ADDR", ":7100")
	t.Setenv("LOG_LEVEL", "")

	configPath, bindAddr, logLevel = path, "", ""
	t.Cleanup(func() { configPath, bindAddr, logLevel = "", "", "" })

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.BindAddr != ":7100" {
		t.Fatalf("BindAddr = %q, want env value", cfg.BindAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want file value", cfg.LogLevel)
	}

	bindAddr, logLevel = "127.0.0.1:9000", "DEBUG"
	cfg, err = loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9000" || cfg.LogLevel != "debug" {
		t.Fatalf("flags not applied: bind=%q level=%q", cfg.BindAddr, cfg.LogLevel)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "absent.yaml")
	t.Cleanup(func() { configPath = "" })
	if _, err := loadConfig(); err == nil {
		t.Fatalf("loadConfig() error = nil, want missing file error")
	}
}
