package cliconfig

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %v, want :8000", cfg.ListenAddr)
	}
	if cfg.ServerURL != DefaultServerURL {
		t.Errorf("ServerURL = %v, want %v", cfg.ServerURL, DefaultServerURL)
	}
	if cfg.ChunkSize != 1<<20 {
		t.Errorf("ChunkSize = %v, want 1MiB", cfg.ChunkSize)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.ShutdownTimeout)
	}
	if !cfg.WatchConfig {
		t.Error("WatchConfig should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config { return DefaultConfig() }

	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErr       bool
		wantServerURL string
	}{
		{name: "defaults", mutate: func(*Config) {}, wantServerURL: DefaultServerURL},
		{name: "missing data dir", mutate: func(c *Config) { c.DataDir = "" }, wantErr: true},
		{name: "missing listen address", mutate: func(c *Config) { c.ListenAddr = "" }, wantErr: true},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
		{name: "zero chunk size", mutate: func(c *Config) { c.ChunkSize = 0 }, wantErr: true},
		{name: "negative upload limit", mutate: func(c *Config) { c.MaxUploadBytes = -1 }, wantErr: true},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.ShutdownTimeout = 0 }, wantErr: true},
		{
			name:          "server url defaults when omitted",
			mutate:        func(c *Config) { c.ServerURL = "" },
			wantServerURL: DefaultServerURL,
		},
		{
			name:          "trailing slash trimmed",
			mutate:        func(c *Config) { c.ServerURL = "http://fl.example:8000//" },
			wantServerURL: "http://fl.example:8000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && cfg.ServerURL != tt.wantServerURL {
				t.Errorf("ServerURL = %v, want %v", cfg.ServerURL, tt.wantServerURL)
			}
		})
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminToken = "s3cret"

	if got := cfg.Redacted().AdminToken; got != "*****" {
		t.Errorf("Redacted AdminToken = %q", got)
	}
	if cfg.AdminToken != "s3cret" {
		t.Error("Redacted modified the original")
	}
	if got := DefaultConfig().Redacted().AdminToken; got != "" {
		t.Errorf("empty token redacted to %q", got)
	}
}

func TestConfigSetter_RespectsChangedFlags(t *testing.T) {
	s := newConfigSetter(map[string]bool{"listen": true})

	addr := ":9000"
	s.setString("listen", ":7000", &addr)
	if addr != ":9000" {
		t.Errorf("changed flag overwritten: %v", addr)
	}

	dir := "a"
	s.setString("data-dir", "b", &dir)
	if dir != "b" {
		t.Errorf("unchanged flag not applied: %v", dir)
	}

	n := int64(5)
	s.setInt64("max-upload-bytes", 0, &n)
	if n != 5 {
		t.Errorf("zero value applied: %v", n)
	}
}

func TestConfig_ValidateCleanup(t *testing.T) {
	tests := []struct {
		name      string
		high, low int64
		keep      int
		wantErr   bool
	}{
		{"disabled", 0, 0, 1, false},
		{"enabled", 100, 50, 1, false},
		{"low above high", 100, 200, 1, true},
		{"negative keep", 100, 50, -1, true},
		{"negative high", -1, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CleanupHighWatermark = tt.high
			cfg.CleanupLowWatermark = tt.low
			cfg.CleanupKeepRounds = tt.keep
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
