package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad relay url scheme", func(c *Config) { c.Relay.URL = "http://relay" }},
		{"bad listen addr", func(c *Config) { c.Relay.Listen = "8765" }},
		{"no stun servers", func(c *Config) { c.Media.STUNServers = nil }},
		{"bad stun url", func(c *Config) { c.Media.STUNServers = []string{"udp:1.2.3.4"} }},
		{"negative grace", func(c *Config) { c.Call.GraceDelaySec = -1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad identity id", func(c *Config) { c.Identity.ID = "a/b" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerline.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("created = false for missing file")
	}
	if cfg.Call.GraceDelaySec != Default().Call.GraceDelaySec {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if created {
		t.Fatal("created = true for existing file")
	}
	if cfg2.Relay.URL != cfg.Relay.URL || cfg2.Call.GraceDelaySec != cfg.Call.GraceDelaySec {
		t.Fatalf("reloaded config differs: %+v", cfg2)
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerline.json")
	if err := os.WriteFile(path, []byte(`{"identity":{"id":"alice"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.ID != "alice" {
		t.Fatalf("identity.id = %q", cfg.Identity.ID)
	}
	if len(cfg.Media.STUNServers) == 0 {
		t.Fatal("missing fields did not keep defaults")
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerline.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"id":"alice"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load with BOM: %v", err)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerline.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got atomic.Value
	w, err := Watch(path, func(cfg Config) { got.Store(cfg) })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	cfg := Default()
	cfg.Identity.ID = "alice"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := got.Load().(Config); ok && v.Identity.ID == "alice" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher never delivered the new config")
}

func TestWatchSkipsInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerline.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var calls atomic.Int32
	w, err := Watch(path, func(Config) { calls.Add(1) })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{"log":{"level":"verbose"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * debounceDelay)
	if calls.Load() != 0 {
		t.Fatal("invalid config was delivered")
	}
}
