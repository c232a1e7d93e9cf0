package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ordersync.yaml")
	raw := `
store:
  backend: pebble
  data_dir: /var/lib/ordersync
snapshot:
  interval_seconds: 15
kafka:
  bootstrap: broker-1:9092,broker-2:9092
notify:
  sink: kafka
engine:
  workers: 8
  max_attempts: 5
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ORDERSYNC_WORKERS", "2")
	t.Setenv("ORDERSYNC_STORE_BACKEND", "badger")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != "badger" || cfg.DataDir != "/var/lib/ordersync" {
		t.Fatalf("store: %+v", cfg)
	}
	if cfg.SnapshotInterval != 15*time.Second || cfg.Workers != 2 || cfg.NotifySink != "kafka" {
		t.Fatalf("overrides: %+v", cfg)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("max attempts: %d", cfg.MaxAttempts)
	}
	if cfg.ChangelogSink != "file" {
		t.Fatalf("unset field lost its default: %q", cfg.ChangelogSink)
	}
	if !cfg.UsesKafka() {
		t.Fatalf("notify sink kafka should count as kafka")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("store: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.StoreBackend = "mongo"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "store backend") {
		t.Fatalf("want store backend error, got %v", err)
	}

	cfg = Defaults()
	cfg.ChangelogSink = "both"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "bootstrap") {
		t.Fatalf("want bootstrap error, got %v", err)
	}

	cfg = Defaults()
	cfg.InputSource = "file"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("want input file error")
	}
}
