package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Normalizer.Quality != 60 {
		t.Fatalf("expected quality 60, got %d", cfg.Normalizer.Quality)
	}
	if cfg.Upload.FieldName != "formFile" {
		t.Fatalf("expected formFile field, got %q", cfg.Upload.FieldName)
	}
	if cfg.Bus.Enabled {
		t.Fatal("expected bus disabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stt.yaml")
	data := []byte(`runtime_name: stt-test
http:
  port: 9090
stt:
  mode: exec
  command: "python3 recognize.py"
pipeline:
  max_concurrent: 1
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "stt-test" || cfg.HTTP.Port != 9090 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.STT.Mode != "exec" || cfg.STT.Command != "python3 recognize.py" {
		t.Fatalf("stt section not applied: %+v", cfg.STT)
	}
	if cfg.Pipeline.MaxConcurrent != 1 {
		t.Fatalf("expected max_concurrent 1, got %d", cfg.Pipeline.MaxConcurrent)
	}
	// untouched sections keep their defaults
	if cfg.Upload.WorkDir != "./audio" {
		t.Fatalf("expected default work dir, got %q", cfg.Upload.WorkDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_STT_BUS_ENABLED", "true")
	t.Setenv("LOQA_STT_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_STT_BUS_USERNAME", "alice")
	t.Setenv("LOQA_STT_EVENT_STORE_RETENTION_MODE", "ephemeral")
	t.Setenv("LOQA_STT_EVENT_STORE_MAX_JOBS", "123")
	t.Setenv("LOQA_STT_UPLOAD_MAX_BYTES", "1048576")
	t.Setenv("LOQA_STT_MODE", "mock")
	t.Setenv("LOQA_STT_NORMALIZER_QUALITY", "80")
	t.Setenv("LOQA_STT_PIPELINE_TIMEOUT_MS", "5000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected username override")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" || cfg.EventStore.MaxJobs != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Upload.MaxBytes != 1<<20 {
		t.Fatalf("expected max bytes override, got %d", cfg.Upload.MaxBytes)
	}
	if cfg.STT.Mode != "mock" {
		t.Fatalf("expected mode override, got %q", cfg.STT.Mode)
	}
	if cfg.Normalizer.Quality != 80 {
		t.Fatalf("expected quality override, got %d", cfg.Normalizer.Quality)
	}
	if cfg.Pipeline.TimeoutMS != 5000 {
		t.Fatalf("expected timeout override, got %d", cfg.Pipeline.TimeoutMS)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad port":          func(c *Config) { c.HTTP.Port = 0 },
		"bad log level":     func(c *Config) { c.Telemetry.LogLevel = "verbose" },
		"bad retention":     func(c *Config) { c.EventStore.RetentionMode = "session" },
		"quality too high":  func(c *Config) { c.Normalizer.Quality = 101 },
		"exec w/o command":  func(c *Config) { c.STT.Mode = "exec"; c.STT.Command = "" },
		"openai w/o url":    func(c *Config) { c.STT.Mode = "openai"; c.STT.Endpoint = "" },
		"unknown mode":      func(c *Config) { c.STT.Mode = "kaldi" },
		"no concurrency":    func(c *Config) { c.Pipeline.MaxConcurrent = 0 },
		"empty transcoder":  func(c *Config) { c.Transcoder.Command = " " },
		"zero upload limit": func(c *Config) { c.Upload.MaxBytes = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
