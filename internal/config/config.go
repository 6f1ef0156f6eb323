package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-speechd/internal/engine"
)

type Config struct {
	RuntimeName string          `yaml:"runtime_name" env:"RUNTIME_NAME"`
	Environment string          `yaml:"environment" env:"RUNTIME_ENVIRONMENT"`
	Server      ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	HTTP        HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	Engine      EngineConfig    `yaml:"engine" envPrefix:"ENGINE_"`
	Telemetry   TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Bus         BusConfig       `yaml:"bus" envPrefix:"BUS_"`
	Journal     JournalConfig   `yaml:"journal" envPrefix:"JOURNAL_"`
}

// ServerConfig is the speech protocol listener.
type ServerConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
}

// HTTPConfig is the health and metrics listener.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Bind    string `yaml:"bind" env:"BIND"`
	Port    int    `yaml:"port" env:"PORT"`
}

type EngineConfig struct {
	Name       string   `yaml:"name" env:"NAME"`
	Mode       string   `yaml:"mode" env:"MODE"` // mock, exec
	Command    string   `yaml:"command" env:"COMMAND"`
	UseGPU     bool     `yaml:"use_gpu" env:"USE_GPU"`
	Preload    bool     `yaml:"preload" env:"PRELOAD"`
	SampleRate int      `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Languages  []string `yaml:"languages" env:"LANGUAGES"`

	// mock mode only
	Voices          []string `yaml:"voices" env:"VOICES"`
	ChunkDurationMS int      `yaml:"chunk_duration_ms" env:"CHUNK_DURATION_MS"`
	LoadDelayMS     int      `yaml:"load_delay_ms" env:"LOAD_DELAY_MS"`
}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" env:"LOG_LEVEL"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	OTLPInsecure bool   `yaml:"otlp_insecure" env:"OTLP_INSECURE"`
	TraceStdout  bool   `yaml:"trace_stdout" env:"TRACE_STDOUT"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" env:"ENABLED"`
	Embedded       bool     `yaml:"embedded" env:"EMBEDDED"`
	Port           int      `yaml:"port" env:"PORT"`
	StoreDir       string   `yaml:"store_dir" env:"STORE_DIR"`
	Servers        []string `yaml:"servers" env:"SERVERS"`
	Username       string   `yaml:"username" env:"USERNAME"`
	Password       string   `yaml:"password" env:"PASSWORD"`
	Token          string   `yaml:"token" env:"TOKEN"`
	TLSInsecure    bool     `yaml:"tls_insecure" env:"TLS_INSECURE"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" env:"CONNECT_TIMEOUT_MS"`
}

type JournalConfig struct {
	Path          string `yaml:"path" env:"PATH"`
	RetentionMode string `yaml:"retention_mode" env:"RETENTION_MODE"`
	RetentionDays int    `yaml:"retention_days" env:"RETENTION_DAYS"`
	MaxSessions   int    `yaml:"max_sessions" env:"MAX_SESSIONS"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" env:"VACUUM_ON_START"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speechd",
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9999,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "0.0.0.0",
			Port:    8080,
		},
		Engine: EngineConfig{
			Name:            "XTTS2",
			Mode:            "mock",
			SampleRate:      24000,
			Languages:       slices.Clone(engine.DefaultLanguages),
			Voices:          []string{"Claribel Dervla", "Daisy Studious", "Gracie Wise", "Tammie Ema", "Marcos Rudaski"},
			ChunkDurationMS: 250,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-speechd.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies LOQA_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "LOQA_"}); err != nil {
		return cfg, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	trimList(&cfg.Bus.Servers)
	trimList(&cfg.Engine.Languages)
	trimList(&cfg.Engine.Voices)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LogLevel maps telemetry.log_level to a slog level, defaulting to info.
func (c Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Telemetry.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func trimList(target *[]string) {
	var trimmed []string
	for _, v := range *target {
		if s := strings.TrimSpace(v); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	*target = trimmed
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 0 and 65535")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 0 and 65535")
	}
	if cfg.Engine.Name == "" {
		return errors.New("engine.name must not be empty")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if len(cfg.Engine.Languages) == 0 {
		return errors.New("engine.languages must not be empty")
	}
	switch cfg.Engine.Mode {
	case "mock":
		if len(cfg.Engine.Voices) == 0 {
			return errors.New("engine.voices must not be empty when mode=mock")
		}
		if cfg.Engine.ChunkDurationMS <= 0 {
			return errors.New("engine.chunk_duration_ms must be positive")
		}
	case "exec":
		if strings.TrimSpace(cfg.Engine.Command) == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			// -1 picks a random port
			if cfg.Bus.Port < -1 || cfg.Bus.Port == 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be -1 or between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if !slices.Contains([]string{"ephemeral", "session", "persistent"}, cfg.Journal.RetentionMode) {
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	return nil
}
