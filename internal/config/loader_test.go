package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Sprite.BackoffBase != 100*time.Millisecond {
		t.Errorf("backoff base = %v, want 100ms", cfg.Sprite.BackoffBase)
	}
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.yaml")
	data := []byte("server:\n  port: \"9999\"\nsprite:\n  max_retries: 7\nsafety:\n  resource_allow_list: [\"web-1\", \"web-2\"]\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "9999" {
		t.Errorf("port = %q, want 9999", cfg.Server.Port)
	}
	if cfg.Sprite.MaxRetries != 7 {
		t.Errorf("max_retries = %d, want 7", cfg.Sprite.MaxRetries)
	}
	if len(cfg.Safety.ResourceAllowList) != 2 {
		t.Errorf("allow list = %v, want 2 entries", cfg.Safety.ResourceAllowList)
	}
}

func TestLoadFromEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9999\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FLEETD_PORT", "7777")
	t.Setenv("FLEETD_BACKOFF_MAX", "5s")
	t.Setenv("FLEETD_RESOURCE_ALLOW_LIST", "db-1, db-2 ,")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "7777" {
		t.Errorf("port = %q, want 7777", cfg.Server.Port)
	}
	if cfg.Sprite.BackoffMax != 5*time.Second {
		t.Errorf("backoff max = %v, want 5s", cfg.Sprite.BackoffMax)
	}
	if got := cfg.Safety.ResourceAllowList; len(got) != 2 || got[0] != "db-1" || got[1] != "db-2" {
		t.Errorf("allow list = %v, want [db-1 db-2]", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"unknown profile", func(c *Config) { c.Sprite.StateProfile = "tiny" }},
		{"max below base", func(c *Config) { c.Sprite.BackoffMax = c.Sprite.BackoffBase / 2 }},
		{"zero retries", func(c *Config) { c.Sprite.MaxRetries = 0 }},
		{"empty port", func(c *Config) { c.Server.Port = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
