package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("expected default port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Engine.Name != "XTTS2" || cfg.Engine.SampleRate != 24000 {
		t.Fatalf("unexpected engine defaults %+v", cfg.Engine)
	}
	if len(cfg.Engine.Languages) != 17 {
		t.Fatalf("expected 17 languages, got %d", len(cfg.Engine.Languages))
	}
	if cfg.Engine.Preload {
		t.Fatal("preload must be off by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speechd.yaml")
	data := []byte(`
server:
  host: 127.0.0.1
  port: 7000
engine:
  mode: exec
  command: python3 xtts_host.py --models ./models
  use_gpu: true
journal:
  retention_mode: ephemeral
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 7000 {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Engine.Mode != "exec" || !cfg.Engine.UseGPU {
		t.Fatalf("unexpected engine config %+v", cfg.Engine)
	}
	if cfg.Engine.SampleRate != 24000 {
		t.Fatal("expected defaults kept for unset keys")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_SERVER_HOST", "127.0.0.1")
	t.Setenv("LOQA_SERVER_PORT", "9100")
	t.Setenv("LOQA_ENGINE_USE_GPU", "true")
	t.Setenv("LOQA_ENGINE_PRELOAD", "true")
	t.Setenv("LOQA_ENGINE_VOICES", "alice, bob")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_JOURNAL_PATH", "./tmp.db")
	t.Setenv("LOQA_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_JOURNAL_MAX_SESSIONS", "123")
	t.Setenv("LOQA_TELEMETRY_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9100 {
		t.Fatalf("expected server override, got %+v", cfg.Server)
	}
	if !cfg.Engine.UseGPU || !cfg.Engine.Preload {
		t.Fatal("expected engine flag overrides")
	}
	if len(cfg.Engine.Voices) != 2 || cfg.Engine.Voices[1] != "bob" {
		t.Fatalf("expected trimmed voices, got %q", cfg.Engine.Voices)
	}
	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Servers[1] != "nats://two:4222" {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.ConnectTimeout != 5000 {
		t.Fatal("expected bus overrides")
	}
	if cfg.Journal.Path != "./tmp.db" || cfg.Journal.RetentionMode != "persistent" || cfg.Journal.MaxSessions != 123 {
		t.Fatalf("expected journal overrides, got %+v", cfg.Journal)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.LogLevel())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"exec without command": func(c *Config) { c.Engine.Mode = "exec" },
		"unknown mode":         func(c *Config) { c.Engine.Mode = "torch" },
		"bad port":             func(c *Config) { c.Server.Port = 70000 },
		"no languages":         func(c *Config) { c.Engine.Languages = nil },
		"bad retention":        func(c *Config) { c.Journal.RetentionMode = "forever" },
		"bus without servers": func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.Servers = nil
		},
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "loqa-speechd.yaml"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Engine.Mode != "mock" || len(cfg.Engine.Voices) != 5 || cfg.Journal.RetentionMode != "session" {
		t.Fatalf("unexpected shipped config %+v", cfg)
	}
}

func TestLoadAcceptsEphemeralPorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speechd.yaml")
	data := []byte(`
server:
  port: 0
http:
  port: 0
bus:
  enabled: true
  embedded: true
  port: -1
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 0 || cfg.HTTP.Port != 0 || cfg.Bus.Port != -1 {
		t.Fatalf("unexpected ports server=%d http=%d bus=%d", cfg.Server.Port, cfg.HTTP.Port, cfg.Bus.Port)
	}

	cfg.Bus.Port = 0
	if err := validate(cfg); err == nil {
		t.Fatal("expected embedded bus port 0 to be rejected")
	}
}

func TestDefaultLanguagesAreACopy(t *testing.T) {
	cfg := Default()
	cfg.Engine.Languages[0] = "xx"
	if Default().Engine.Languages[0] != "en" {
		t.Fatal("default languages share storage with the engine list")
	}
}
