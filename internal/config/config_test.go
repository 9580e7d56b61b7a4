package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/offq/offq/internal/trigger"
)

func TestWriteThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offq.toml")

	want := Default()
	want.Storage.Backend = BackendPebble
	want.Retry.MaxRetries = 7
	want.Trigger.WindowStart = "10pm"
	want.Trigger.WindowEnd = "6am"
	if err := want.WriteFile(path, false); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Source != path {
		t.Errorf("Source = %q, want %q", got.Source, path)
	}
	got.Source = ""
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteFileRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offq.toml")
	if err := Default().WriteFile(path, false); err != nil {
		t.Fatal(err)
	}
	if err := Default().WriteFile(path, false); err == nil {
		t.Error("second WriteFile without force should fail")
	}
	if err := Default().WriteFile(path, true); err != nil {
		t.Errorf("WriteFile with force failed: %v", err)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offq.yaml")
	doc := `
retry:
  base: 250ms
  max_retries: 3
remote:
  mode: memory
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OFFQ_RETRY_MAX_RETRIES", "9")
	t.Setenv("OFFQ_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retry.Base != 250*time.Millisecond {
		t.Errorf("retry.base = %v, want 250ms", cfg.Retry.Base)
	}
	if cfg.Retry.MaxRetries != 9 {
		t.Errorf("retry.max_retries = %d, want env override 9", cfg.Retry.MaxRetries)
	}
	if cfg.Log.Level != "debug" || cfg.Remote.Mode != RemoteMemory {
		t.Errorf("log.level = %q, remote.mode = %q", cfg.Log.Level, cfg.Remote.Mode)
	}
	// Untouched keys keep their defaults
	if cfg.Retry.Max != time.Minute {
		t.Errorf("retry.max = %v, want default 1m", cfg.Retry.Max)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Load of a missing explicit path should fail")
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source != "" {
		t.Errorf("Source = %q, want none", cfg.Source)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"codec", func(c *Config) { c.Storage.Codec = "xml" }},
		{"remote mode", func(c *Config) { c.Remote.Mode = "grpc" }},
		{"max retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"network", func(c *Config) { c.Trigger.Network = "cellular" }},
		{"power", func(c *Config) { c.Trigger.Power = "solar" }},
		{"window", func(c *Config) { c.Trigger.WindowStart = "zzz"; c.Trigger.WindowEnd = "6am" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestDerivedSettings(t *testing.T) {
	cfg := Default()
	if got := cfg.StoragePath(); got != filepath.Join(DefaultDir, "offq.db") {
		t.Errorf("sqlite path = %s", got)
	}
	cfg.Storage.Backend = BackendPebble
	if got := cfg.StoragePath(); got != filepath.Join(DefaultDir, "pebble") {
		t.Errorf("pebble path = %s", got)
	}

	p := cfg.Policy()
	if p.Base != time.Second || p.Max != time.Minute || p.MaxRetries != 5 {
		t.Errorf("policy = %+v", p)
	}

	cfg.Trigger.Power = "charging-only"
	cfg.Trigger.WindowStart = "22:00"
	cfg.Trigger.WindowEnd = "06:00"
	cond, err := cfg.Conditions()
	if err != nil {
		t.Fatal(err)
	}
	if cond.Power != trigger.PowerCharging || cond.Window == nil {
		t.Errorf("conditions = %+v", cond)
	}
}
