package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty host", func(c *Config) { c.Host = " " }, "Host"},
		{"no transports", func(c *Config) { c.NTCPPort = 0; c.SSUPort = 0 }, "NTCPPort/SSUPort"},
		{"port out of range", func(c *Config) { c.NTCPPort = 70000 }, "Port"},
		{"bad bandwidth class", func(c *Config) { c.Bandwidth = 'Z' }, "Bandwidth"},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "DataDir"},
		{"empty keys file", func(c *Config) { c.KeysFile = "" }, "KeysFile"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate = %v, want *ConfigError", err)
			}
			if ce.Field != tc.field {
				t.Fatalf("field = %q, want %q", ce.Field, tc.field)
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != dir {
		t.Fatalf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.Bandwidth != BandwidthNormal {
		t.Fatalf("Bandwidth = %c, want %c", cfg.Bandwidth, BandwidthNormal)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	contents := "host = \"10.0.0.7\"\nntcp_port = 4108\nfloodfill = true\nbandwidth = \"o\"\n"
	if err := os.WriteFile(filepath.Join(dir, "router.config.toml"), []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "10.0.0.7" {
		t.Fatalf("Host = %q, want 10.0.0.7", cfg.Host)
	}
	if cfg.NTCPPort != 4108 {
		t.Fatalf("NTCPPort = %d, want 4108", cfg.NTCPPort)
	}
	if !cfg.Floodfill {
		t.Fatalf("Floodfill not applied from file")
	}
	if cfg.Bandwidth != BandwidthOunce {
		t.Fatalf("Bandwidth = %c, want O", cfg.Bandwidth)
	}
}

func TestCapabilitiesString(t *testing.T) {
	cfg := Default()
	cfg.Bandwidth = BandwidthPound
	if got := cfg.Capabilities(); got != "P" {
		t.Fatalf("Capabilities = %q, want P", got)
	}
	cfg.Floodfill = true
	if got := cfg.Capabilities(); got != "Pf" {
		t.Fatalf("Capabilities = %q, want Pf", got)
	}
}
