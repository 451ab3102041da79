package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BEAMLINK_DATA_DIR", t.TempDir())

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != "127.0.0.1:8787" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Token.TTL != 2*time.Minute {
		t.Errorf("token ttl = %s, want 2m", cfg.Token.TTL)
	}
	if cfg.Transmit.MaxInFlight != 8 {
		t.Errorf("max in flight = %d, want 8", cfg.Transmit.MaxInFlight)
	}
	if diff := cmp.Diff([]int{115200, 250000, 9600, 19200, 38400, 57600}, cfg.Probe.Bauds); diff != "" {
		t.Errorf("probe bauds mismatch (-want +got):\n%s", diff)
	}
	if cfg.Probe.Timeout != 500*time.Millisecond {
		t.Errorf("probe timeout = %s", cfg.Probe.Timeout)
	}
	if cfg.Trust.WildcardSuffix != ".replit.dev" {
		t.Errorf("wildcard suffix = %q", cfg.Trust.WildcardSuffix)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beamlink.yaml")
	content := `
listen: 0.0.0.0:9000
data_dir: ` + dir + `
trust:
  allowed_origins:
    - https://cad.example.com
transmit:
  max_in_flight: 4
probe:
  bauds: [115200]
  timeout: 250ms
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BEAMLINK_LOG_LEVEL", "debug")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if diff := cmp.Diff([]string{"https://cad.example.com"}, cfg.Trust.AllowedOrigins); diff != "" {
		t.Errorf("allowed origins mismatch (-want +got):\n%s", diff)
	}
	if cfg.Transmit.MaxInFlight != 4 {
		t.Errorf("max in flight = %d, want 4", cfg.Transmit.MaxInFlight)
	}
	if cfg.Probe.Timeout != 250*time.Millisecond {
		t.Errorf("probe timeout = %s", cfg.Probe.Timeout)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug from env", cfg.Log.Level)
	}
	if cfg.StorePath() != filepath.Join(dir, "config.json") {
		t.Errorf("store path = %q", cfg.StorePath())
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("BEAMLINK_DATA_DIR", t.TempDir())
	base, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"zero ttl", func(c *Config) { c.Token.TTL = 0 }},
		{"zero window", func(c *Config) { c.Transmit.MaxInFlight = 0 }},
		{"no bauds", func(c *Config) { c.Probe.Bauds = nil }},
		{"negative baud", func(c *Config) { c.Probe.Bauds = []int{-1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
