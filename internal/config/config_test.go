package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "config.yaml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Runtime.PortRangeStart != 21000 || cfg.Runtime.PortRangeEnd != 21999 {
		t.Fatalf("unexpected default port range %d-%d", cfg.Runtime.PortRangeStart, cfg.Runtime.PortRangeEnd)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config file not written: %v", err)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := strings.Join([]string{
		"log_level: debug",
		"database:",
		"  driver: memory",
		"runtime:",
		"  port_range_start: 30000",
		"  port_range_end: 30002",
		"reaper:",
		"  runtime_grace_period: 45s",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Runtime.PortRangeEnd != 30002 {
		t.Errorf("port range end = %d", cfg.Runtime.PortRangeEnd)
	}
	if cfg.Reaper.RuntimeGracePeriod != 45*time.Second {
		t.Errorf("grace = %s", cfg.Reaper.RuntimeGracePeriod)
	}
	if cfg.Runtime.Image == "" || cfg.Nats.URL == "" || cfg.Reaper.MemoryCeilingMB == 0 {
		t.Errorf("defaults not applied: %+v", cfg.Runtime)
	}
}

func TestValidateRejectsEmptyPortRange(t *testing.T) {
	cfg := Default()
	cfg.Runtime.PortRangeStart = 100
	cfg.Runtime.PortRangeEnd = 99
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for inverted port range")
	}
}
