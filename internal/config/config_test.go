package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  http_port: 9090\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9090 {
		t.Fatalf("http_port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.BusyTimeout != 30*time.Second {
		t.Fatalf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Modbus.Timeout != 2*time.Second || cfg.Modbus.DeviceDelay != 500*time.Millisecond || cfg.Modbus.RegisterDelay != 50*time.Millisecond {
		t.Fatalf("unexpected modbus defaults: %+v", cfg.Modbus)
	}
	if cfg.Collector.TargetIP != "10.35.14.10" || cfg.Collector.RefreshSeconds != 30 {
		t.Fatalf("unexpected collector defaults: %+v", cfg.Collector)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OSC_DATABASE_PATH", "/var/lib/solar/log.db")
	cfg, err := Load(writeConfig(t, "database:\n  path: local.db\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/var/lib/solar/log.db" {
		t.Fatalf("env override ignored: %q", cfg.Database.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestSQLiteDSN(t *testing.T) {
	db := DatabaseConfig{Path: "solar.db", BusyTimeout: 5 * time.Second}
	dsn := db.SQLiteDSN()
	if !strings.HasPrefix(dsn, "file:solar.db?") || !strings.Contains(dsn, "busy_timeout(5000)") || !strings.Contains(dsn, "journal_mode(WAL)") {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}
