package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Validates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestLoadConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.OutputRoot != "./output" {
		t.Fatalf("expected default output root, got %q", cfg.Worker.OutputRoot)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"worker":{"max_concurrent_workers":4,"output_root":"/data/out"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.MaxConcurrentWorkers != 4 {
		t.Fatalf("expected file override to apply, got %d", cfg.Worker.MaxConcurrentWorkers)
	}
	if cfg.Worker.OutputRoot != "/data/out" {
		t.Fatalf("expected file override to apply, got %q", cfg.Worker.OutputRoot)
	}
	// Untouched fields keep their defaults.
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default http port to survive partial file, got %d", cfg.HTTP.Port)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"worker":{"max_concurrent_workers":4}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MAX_CONCURRENT_WORKERS", "9")
	t.Setenv("COMPOSER_HTTP_PORT", "9090")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.MaxConcurrentWorkers != 9 {
		t.Fatalf("expected env to win over file, got %d", cfg.Worker.MaxConcurrentWorkers)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected env override, got %d", cfg.HTTP.Port)
	}
}

func TestLoadConfig_InvalidEnvValueIgnored(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_WORKERS", "not-a-number")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.MaxConcurrentWorkers != 0 {
		t.Fatalf("expected unparsable env value to be ignored, got %d", cfg.Worker.MaxConcurrentWorkers)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative workers", func(c *Config) { c.Worker.MaxConcurrentWorkers = -1 }},
		{"zero timeout", func(c *Config) { c.Worker.WorkerTimeoutSeconds = 0 }},
		{"empty output root", func(c *Config) { c.Worker.OutputRoot = "" }},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSaveToFile_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Worker.MaxConcurrentWorkers = 7

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Worker.MaxConcurrentWorkers != 7 {
		t.Fatalf("expected round-tripped value, got %d", loaded.Worker.MaxConcurrentWorkers)
	}
}

func TestWatchFile_ReloadsHotFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan Reloadable, 1)
	stop, err := WatchFile(path, nil, func(r Reloadable) {
		reloaded <- r
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stop()

	cfg.Worker.MaxConcurrentWorkers = 3
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-reloaded:
		if r.MaxConcurrentWorkers != 3 {
			t.Fatalf("expected reloaded value 3, got %d", r.MaxConcurrentWorkers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
