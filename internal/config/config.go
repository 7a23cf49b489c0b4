package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	SermonStore SermonStoreConfig `yaml:"sermon_store"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Align       AlignConfig       `yaml:"align"`
	Hub         HubConfig         `yaml:"hub"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type SermonStoreConfig struct {
	Path string `yaml:"path"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AlignConfig tunes the live matcher. The threshold decays toward the floor
// after repeated no-matches and snaps back to the initial value on a match.
type AlignConfig struct {
	InitialThreshold     float64 `yaml:"initial_threshold"`
	ThresholdFloor       float64 `yaml:"threshold_floor"`
	DecayStep            float64 `yaml:"decay_step"`
	DecayAfterMisses     int     `yaml:"decay_after_misses"`
	LookaheadLimit       int     `yaml:"lookahead_limit"`
	BufferMaxChunks      int     `yaml:"buffer_max_chunks"`
	BufferMaxChars       int     `yaml:"buffer_max_chars"`
	DropoutTimeoutMS     int     `yaml:"dropout_timeout_ms"`
	GraceTimeoutMS       int     `yaml:"grace_timeout_ms"`
	BroadcastDiagnostics bool    `yaml:"broadcast_diagnostics"`
}

type HubConfig struct {
	ViewerBuffer int `yaml:"viewer_buffer"`
}

func Default() Config {
	return Config{
		RuntimeName: "minbar-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		SermonStore: SermonStoreConfig{
			Path: "./data/minbar-sermons.db",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/minbar-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Align: AlignConfig{
			InitialThreshold:     0.45,
			ThresholdFloor:       0.25,
			DecayStep:            0.05,
			DecayAfterMisses:     8,
			LookaheadLimit:       10,
			BufferMaxChunks:      5,
			BufferMaxChars:       400,
			DropoutTimeoutMS:     5000,
			GraceTimeoutMS:       60000,
			BroadcastDiagnostics: false,
		},
		Hub: HubConfig{
			ViewerBuffer: 32,
		},
	}
}

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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MINBAR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MINBAR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MINBAR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MINBAR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MINBAR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MINBAR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MINBAR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MINBAR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "MINBAR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MINBAR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MINBAR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MINBAR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MINBAR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MINBAR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MINBAR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MINBAR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.SermonStore.Path, "MINBAR_SERMON_STORE_PATH")
	overrideString(&cfg.EventStore.Path, "MINBAR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "MINBAR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "MINBAR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "MINBAR_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "MINBAR_EVENT_STORE_VACUUM_ON_START")
	overrideFloat(&cfg.Align.InitialThreshold, "MINBAR_ALIGN_INITIAL_THRESHOLD")
	overrideFloat(&cfg.Align.ThresholdFloor, "MINBAR_ALIGN_THRESHOLD_FLOOR")
	overrideFloat(&cfg.Align.DecayStep, "MINBAR_ALIGN_DECAY_STEP")
	overrideInt(&cfg.Align.DecayAfterMisses, "MINBAR_ALIGN_DECAY_AFTER_MISSES")
	overrideInt(&cfg.Align.LookaheadLimit, "MINBAR_ALIGN_LOOKAHEAD_LIMIT")
	overrideInt(&cfg.Align.BufferMaxChunks, "MINBAR_ALIGN_BUFFER_MAX_CHUNKS")
	overrideInt(&cfg.Align.BufferMaxChars, "MINBAR_ALIGN_BUFFER_MAX_CHARS")
	overrideInt(&cfg.Align.DropoutTimeoutMS, "MINBAR_ALIGN_DROPOUT_TIMEOUT_MS")
	overrideInt(&cfg.Align.GraceTimeoutMS, "MINBAR_ALIGN_GRACE_TIMEOUT_MS")
	overrideBool(&cfg.Align.BroadcastDiagnostics, "MINBAR_ALIGN_BROADCAST_DIAGNOSTICS")
	overrideInt(&cfg.Hub.ViewerBuffer, "MINBAR_HUB_VIEWER_BUFFER")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.SermonStore.Path == "" {
		return errors.New("sermon_store.path must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Align.InitialThreshold <= 0 || cfg.Align.InitialThreshold > 1 {
		return errors.New("align.initial_threshold must be in (0, 1]")
	}
	if cfg.Align.ThresholdFloor <= 0 || cfg.Align.ThresholdFloor > cfg.Align.InitialThreshold {
		return errors.New("align.threshold_floor must be in (0, initial_threshold]")
	}
	if cfg.Align.DecayStep < 0 {
		return errors.New("align.decay_step must be >= 0")
	}
	if cfg.Align.DecayAfterMisses <= 0 {
		return errors.New("align.decay_after_misses must be >= 1")
	}
	if cfg.Align.LookaheadLimit <= 0 {
		return errors.New("align.lookahead_limit must be >= 1")
	}
	if cfg.Align.BufferMaxChunks <= 0 {
		return errors.New("align.buffer_max_chunks must be >= 1")
	}
	if cfg.Align.BufferMaxChars <= 0 {
		return errors.New("align.buffer_max_chars must be >= 1")
	}
	if cfg.Align.DropoutTimeoutMS <= 0 {
		return errors.New("align.dropout_timeout_ms must be positive")
	}
	if cfg.Align.GraceTimeoutMS <= cfg.Align.DropoutTimeoutMS {
		return errors.New("align.grace_timeout_ms must be greater than dropout timeout")
	}
	if cfg.Hub.ViewerBuffer <= 0 {
		return errors.New("hub.viewer_buffer must be >= 1")
	}
	return nil
}
