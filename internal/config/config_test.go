package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Backend.URL = "https://erp.example.com"
	cfg.Backend.Database = "prod"
	cfg.Backend.Username = "caller@example.com"
	cfg.Backend.APIKey = "secret"
	return cfg
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"backend": {
			"url": "erp.example.com/",
			"database": "prod",
			"username": "caller@example.com",
			"api_key": "secret"
		},
		"calls": {"ring_timeout_seconds": 15}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	// Scheme defaulted, trailing slash trimmed.
	if cfg.Backend.URL != "https://erp.example.com" {
		t.Fatalf("unexpected URL: %q", cfg.Backend.URL)
	}
	// Overridden field.
	if cfg.Calls.RingTimeoutSec != 15 {
		t.Fatalf("ring_timeout_seconds = %d, want 15", cfg.Calls.RingTimeoutSec)
	}
	// Untouched defaults survive.
	if cfg.Backend.TimeoutSec != 10 {
		t.Fatalf("timeout_seconds = %d, want default 10", cfg.Backend.TimeoutSec)
	}
	if len(cfg.Calls.STUNServers) == 0 {
		t.Fatal("default STUN servers missing")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing url", func(c *Config) { c.Backend.URL = "" }, "backend.url"},
		{"missing database", func(c *Config) { c.Backend.Database = " " }, "backend.database"},
		{"missing api key", func(c *Config) { c.Backend.APIKey = "" }, "backend.api_key"},
		{"bad stun entry", func(c *Config) { c.Calls.STUNServers = []string{"udp:1.2.3.4"} }, "stun_servers"},
		{"bad strategy", func(c *Config) { c.Calls.ForceStrategy = "webrtc" }, "force_strategy"},
		{"zero ring timeout", func(c *Config) { c.Calls.RingTimeoutSec = 0 }, "ring_timeout_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	_, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected createdNew=true")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
}
