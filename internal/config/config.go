package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	SentryDSN        string  `yaml:"sentry_dsn"`
	SentrySampleRate float64 `yaml:"sentry_sample_rate"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	TTS         TTSConfig        `yaml:"tts"`
	Playback    PlaybackConfig   `yaml:"playback"`
	View        ViewConfig       `yaml:"view"`
	Web         WebConfig        `yaml:"web"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// TTSConfig selects and parameterizes the synthesis backend. The endpoint is
// plain configuration: the direct backend address and the proxied
// /api/v1/audio/speech path are both just values of Endpoint.
type TTSConfig struct {
	Mode           string `yaml:"mode"` // http, openai, exec, mock
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Command        string `yaml:"command"`
	Model          string `yaml:"model"`
	DefaultVoice   string `yaml:"default_voice"`
	ResponseFormat string `yaml:"response_format"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MaxAudioBytes  int64  `yaml:"max_audio_bytes"`
	BusEnabled     bool   `yaml:"bus_enabled"`
}

type PlaybackConfig struct {
	MaxHandles int `yaml:"max_handles"`
}

type ViewConfig struct {
	DefaultText string `yaml:"default_text"`
	MaxSessions int    `yaml:"max_sessions"`
	CookieName  string `yaml:"cookie_name"`
}

type WebConfig struct {
	ProxyTarget string `yaml:"proxy_target"`
	ProxyPrefix string `yaml:"proxy_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-studio",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPInsecure:     true,
			SentrySampleRate: 0.2,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-studio.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		TTS: TTSConfig{
			Mode:           "http",
			Endpoint:       "http://localhost:7878/generate",
			Model:          "orpheus",
			DefaultVoice:   "tara",
			ResponseFormat: "wav",
			TimeoutMS:      120000,
			MaxAudioBytes:  64 << 20,
		},
		Playback: PlaybackConfig{
			MaxHandles: 256,
		},
		View: ViewConfig{
			DefaultText: "Hello! [cheerful] This is Canopy Labs Orpheus running in Angular.",
			MaxSessions: 1024,
			CookieName:  "loqa_session",
		},
		Web: WebConfig{
			ProxyPrefix: "/api/v1/",
		},
	}
}

// Load reads the optional yaml file at path, then a .env file in the working
// directory if one exists, then LOQA_* environment overrides.
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

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.SentryDSN, "LOQA_TELEMETRY_SENTRY_DSN")
	overrideFloat(&cfg.Telemetry.SentrySampleRate, "LOQA_TELEMETRY_SENTRY_SAMPLE_RATE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.DefaultVoice, "LOQA_TTS_DEFAULT_VOICE")
	overrideString(&cfg.TTS.ResponseFormat, "LOQA_TTS_RESPONSE_FORMAT")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt64(&cfg.TTS.MaxAudioBytes, "LOQA_TTS_MAX_AUDIO_BYTES")
	overrideBool(&cfg.TTS.BusEnabled, "LOQA_TTS_BUS_ENABLED")
	overrideInt(&cfg.Playback.MaxHandles, "LOQA_PLAYBACK_MAX_HANDLES")
	overrideString(&cfg.View.DefaultText, "LOQA_VIEW_DEFAULT_TEXT")
	overrideInt(&cfg.View.MaxSessions, "LOQA_VIEW_MAX_SESSIONS")
	overrideString(&cfg.View.CookieName, "LOQA_VIEW_COOKIE_NAME")
	overrideString(&cfg.Web.ProxyTarget, "LOQA_WEB_PROXY_TARGET")
	overrideString(&cfg.Web.ProxyPrefix, "LOQA_WEB_PROXY_PREFIX")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Telemetry.SentrySampleRate < 0 || cfg.Telemetry.SentrySampleRate > 1 {
		return errors.New("telemetry.sentry_sample_rate must be between 0 and 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.TTS.BusEnabled && !cfg.Bus.Enabled {
		return errors.New("tts.bus_enabled requires bus.enabled")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "http", "openai":
		if cfg.TTS.Endpoint == "" {
			return fmt.Errorf("tts.endpoint must be set when mode=%s", cfg.TTS.Mode)
		}
		if _, err := url.ParseRequestURI(cfg.TTS.Endpoint); err != nil {
			return fmt.Errorf("tts.endpoint is not a valid URL: %w", err)
		}
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("tts.mode must be one of http|openai|exec|mock")
	}
	if cfg.TTS.Model == "" {
		return errors.New("tts.model must not be empty")
	}
	if cfg.TTS.DefaultVoice == "" {
		return errors.New("tts.default_voice must not be empty")
	}
	if cfg.TTS.ResponseFormat == "" {
		return errors.New("tts.response_format must not be empty")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	if cfg.TTS.MaxAudioBytes <= 0 {
		return errors.New("tts.max_audio_bytes must be positive")
	}
	if cfg.Playback.MaxHandles <= 0 {
		return errors.New("playback.max_handles must be >= 1")
	}
	if cfg.View.MaxSessions <= 0 {
		return errors.New("view.max_sessions must be >= 1")
	}
	if cfg.View.CookieName == "" {
		return errors.New("view.cookie_name must not be empty")
	}
	if cfg.Web.ProxyTarget != "" {
		if _, err := url.ParseRequestURI(cfg.Web.ProxyTarget); err != nil {
			return fmt.Errorf("web.proxy_target is not a valid URL: %w", err)
		}
		if !strings.HasPrefix(cfg.Web.ProxyPrefix, "/") || !strings.HasSuffix(cfg.Web.ProxyPrefix, "/") {
			return errors.New("web.proxy_prefix must start and end with /")
		}
	}
	return nil
}
