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
	if cfg.Transcription.DefaultModel != ModelBatch {
		t.Fatalf("expected default model batch, got %q", cfg.Transcription.DefaultModel)
	}
	if cfg.Relay.Path != "/api/transcribe/ws" {
		t.Fatalf("unexpected relay path %q", cfg.Relay.Path)
	}
	if cfg.Evaluation.EstimateBytesPerSecond != 2500 {
		t.Fatalf("expected 2500 bytes/s estimate, got %d", cfg.Evaluation.EstimateBytesPerSecond)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORATOR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("ORATOR_BUS_USERNAME", "alice")
	t.Setenv("ORATOR_STORE_PATH", "./tmp.db")
	t.Setenv("ORATOR_STORE_TELEMETRY_RETENTION_DAYS", "7")
	t.Setenv("ORATOR_TRANSCRIPTION_DEFAULT_MODEL", "streaming")
	t.Setenv("ORATOR_RELAY_IDLE_TIMEOUT_MS", "1500")
	t.Setenv("ORATOR_STORAGE_MAX_UPLOAD_BYTES", "1024")
	t.Setenv("ELEVENLABS_API_KEY", "xi-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected username override")
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
	if cfg.Store.TelemetryRetentionDays != 7 {
		t.Fatalf("expected retention override")
	}
	if cfg.Transcription.DefaultModel != ModelStreaming {
		t.Fatalf("expected default model override")
	}
	if cfg.Relay.IdleTimeout != 1500 {
		t.Fatalf("expected relay idle override")
	}
	if cfg.Storage.MaxUploadBytes != 1024 {
		t.Fatalf("expected max upload override")
	}
	if cfg.Transcription.Streaming.APIKey != "xi-key" {
		t.Fatalf("expected streaming api key from ELEVENLABS_API_KEY")
	}
}

func TestPrefixedKeyWinsOverVendorKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "vendor")
	t.Setenv("ORATOR_ANALYSIS_API_KEY", "prefixed")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.APIKey != "prefixed" {
		t.Fatalf("expected prefixed key, got %q", cfg.Analysis.APIKey)
	}
	if cfg.Transcription.Batch.APIKey != "vendor" {
		t.Fatalf("expected batch key from OPENAI_API_KEY, got %q", cfg.Transcription.Batch.APIKey)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orator.yaml")
	data := []byte(`
http:
  port: 9090
analysis:
  mode: mock
transcription:
  batch:
    driver: exec
    command: "whisper-cli --json"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Transcription.Batch.Command != "whisper-cli --json" {
		t.Fatalf("unexpected batch command %q", cfg.Transcription.Batch.Command)
	}
	if cfg.Transcription.Streaming.Driver != "elevenlabs" {
		t.Fatalf("expected untouched defaults to survive partial yaml")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"model":       func(c *Config) { c.Transcription.DefaultModel = "scribe" },
		"exec":        func(c *Config) { c.Transcription.Batch.Driver = "exec"; c.Transcription.Batch.Command = "" },
		"analysis":    func(c *Config) { c.Analysis.Mode = "magic" },
		"relay path":  func(c *Config) { c.Relay.Path = "ws" },
		"relay dial":  func(c *Config) { c.Relay.DialTimeout = 0 },
		"channels":    func(c *Config) { c.Audio.Channels = 2 },
		"bytes per s": func(c *Config) { c.Evaluation.EstimateBytesPerSecond = 0 },
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

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
