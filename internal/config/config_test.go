package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FACESCAN_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != defaultAddress {
		t.Fatalf("address = %q, want %q", cfg.Address, defaultAddress)
	}
	if cfg.ResultBackend != BackendMemory {
		t.Fatalf("backend = %q, want memory", cfg.ResultBackend)
	}
	if cfg.EngineTimeout != defaultEngineTimeout {
		t.Fatalf("engine timeout = %s", cfg.EngineTimeout)
	}
	if len(cfg.SessionSecret) == 0 {
		t.Fatalf("expected generated session secret")
	}
	if cfg.MaxConcurrentScans != 0 {
		t.Fatalf("expected unbounded scans by default, got %d", cfg.MaxConcurrentScans)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "facescan.toml")
	body := `
[server]
address = ":9090"
session_secret = "from-file"

[engine]
command = "/usr/bin/python3"
args = ["engine/face_scan.py", "--quiet"]
timeout = "2m"
threshold = 55.5

[jobs]
ttl = "30m"
max_concurrent_scans = 4

[results]
backend = "sqlite"
sqlite_path = "/tmp/results.db"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FACESCAN_CONFIG", path)
	t.Setenv("FACESCAN_ADDRESS", ":7070")
	t.Setenv("FACESCAN_JOB_TTL", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":7070" {
		t.Fatalf("env should win over file, got %q", cfg.Address)
	}
	if string(cfg.SessionSecret) != "from-file" {
		t.Fatalf("session secret = %q", cfg.SessionSecret)
	}
	if cfg.EngineCommand != "/usr/bin/python3" || strings.Join(cfg.EngineArgs, " ") != "engine/face_scan.py --quiet" {
		t.Fatalf("engine = %q %v", cfg.EngineCommand, cfg.EngineArgs)
	}
	if cfg.EngineTimeout != 2*time.Minute {
		t.Fatalf("engine timeout = %s", cfg.EngineTimeout)
	}
	if cfg.MatchThreshold != 55.5 {
		t.Fatalf("threshold = %v", cfg.MatchThreshold)
	}
	if cfg.JobTTL != 10*time.Minute {
		t.Fatalf("job ttl = %s", cfg.JobTTL)
	}
	if cfg.MaxConcurrentScans != 4 {
		t.Fatalf("max concurrent = %d", cfg.MaxConcurrentScans)
	}
	if cfg.ResultBackend != BackendSQLite || cfg.SQLitePath != "/tmp/results.db" {
		t.Fatalf("results = %q %q", cfg.ResultBackend, cfg.SQLitePath)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[jobs]\nttl = \"soon\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FACESCAN_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.ResultBackend = "dynamo" }, false},
		{"postgres without url", func(c *Config) { c.ResultBackend = BackendPostgres }, false},
		{"postgres with url", func(c *Config) {
			c.ResultBackend = BackendPostgres
			c.DatabaseURL = "postgres://localhost/facescan"
		}, true},
		{"mongo without uri", func(c *Config) { c.ResultBackend = BackendMongo }, false},
		{"negative concurrency", func(c *Config) { c.MaxConcurrentScans = -1 }, false},
		{"threshold too high", func(c *Config) { c.MatchThreshold = 101 }, false},
		{"empty engine", func(c *Config) { c.EngineCommand = " " }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
