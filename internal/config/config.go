package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingBaseURL is returned by Load when no backend base URL is configured.
var ErrMissingBaseURL = errors.New("backend.base_url must be set (POLLY_BACKEND_BASE_URL)")

// ErrMissingShape is returned by Load when the backend call shape is not
// chosen. There is no default shape.
var ErrMissingShape = errors.New("backend.shape must be set (gateway|function, POLLY_BACKEND_SHAPE)")

const (
	ShapeGateway  = "gateway"
	ShapeFunction = "function"

	OutputSpeaker = "speaker"
	OutputClock   = "clock"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind      string `yaml:"bind"`
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`
}

type Config struct {
	AppName     string          `yaml:"app_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Backend     BackendConfig   `yaml:"backend"`
	Catalog     CatalogConfig   `yaml:"catalog"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
}

// BackendConfig selects one of the two supported synthesis call shapes.
type BackendConfig struct {
	Shape     string `yaml:"shape"` // gateway, function
	BaseURL   string `yaml:"base_url"`
	Token     string `yaml:"token"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type CatalogConfig struct {
	Remote bool `yaml:"remote"`
}

type PlaybackConfig struct {
	Output           string  `yaml:"output"` // speaker, clock
	FramesPerBuffer  int     `yaml:"frames_per_buffer"`
	UpdateIntervalMS int     `yaml:"update_interval_ms"`
	InitialVolume    float64 `yaml:"initial_volume"`
	DownloadDir      string  `yaml:"download_dir"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	StoreDir       string   `yaml:"store_dir"`

	// Presence heartbeats announce this studio to other bus peers.
	NodeID              string `yaml:"node_id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		AppName:     "polly-studio",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Backend: BackendConfig{
			TimeoutMS: 30000,
		},
		Playback: PlaybackConfig{
			Output:           OutputClock,
			FramesPerBuffer:  1024,
			UpdateIntervalMS: 250,
			InitialVolume:    1,
			DownloadDir:      "./downloads",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			StoreDir:       "./data/nats",

			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
		History: HistoryConfig{
			Path:          "./data/polly-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxEntries:    1000,
		},
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults, .env files and the environment are consulted. envFiles are
// loaded with godotenv before overrides are applied; missing files are
// ignored. With no envFiles, ".env" in the working directory is tried.
func Load(path string, envFiles ...string) (Config, error) {
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

	if err := loadEnvFiles(envFiles); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	applyDerived(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat env file %s: %w", f, err)
		}
		// godotenv.Load never overrides variables already present in the
		// process environment.
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.AppName, "POLLY_APP_NAME")
	overrideString(&cfg.Environment, "POLLY_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "POLLY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "POLLY_HTTP_PORT")
	overrideString(&cfg.HTTP.PublicURL, "POLLY_HTTP_PUBLIC_URL")
	overrideString(&cfg.Telemetry.LogLevel, "POLLY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "POLLY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "POLLY_OTLP_INSECURE")
	overrideString(&cfg.Backend.Shape, "POLLY_BACKEND_SHAPE")
	overrideString(&cfg.Backend.BaseURL, "POLLY_BACKEND_BASE_URL")
	overrideString(&cfg.Backend.Token, "POLLY_BACKEND_TOKEN")
	overrideInt(&cfg.Backend.TimeoutMS, "POLLY_BACKEND_TIMEOUT_MS")
	overrideBool(&cfg.Catalog.Remote, "POLLY_CATALOG_REMOTE")
	overrideString(&cfg.Playback.Output, "POLLY_PLAYBACK_OUTPUT")
	overrideInt(&cfg.Playback.FramesPerBuffer, "POLLY_PLAYBACK_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Playback.UpdateIntervalMS, "POLLY_PLAYBACK_UPDATE_INTERVAL_MS")
	overrideFloat(&cfg.Playback.InitialVolume, "POLLY_PLAYBACK_INITIAL_VOLUME")
	overrideString(&cfg.Playback.DownloadDir, "POLLY_PLAYBACK_DOWNLOAD_DIR")
	overrideBool(&cfg.Bus.Enabled, "POLLY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "POLLY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "POLLY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "POLLY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "POLLY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "POLLY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "POLLY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "POLLY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "POLLY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.StoreDir, "POLLY_BUS_STORE_DIR")
	overrideString(&cfg.Bus.NodeID, "POLLY_BUS_NODE_ID")
	overrideInt(&cfg.Bus.HeartbeatIntervalMS, "POLLY_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeoutMS, "POLLY_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "POLLY_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "POLLY_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "POLLY_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxEntries, "POLLY_HISTORY_MAX_ENTRIES")
	overrideBool(&cfg.History.VacuumOnStart, "POLLY_HISTORY_VACUUM_ON_START")
}

func applyDerived(cfg *Config) {
	cfg.Backend.Shape = strings.ToLower(strings.TrimSpace(cfg.Backend.Shape))
	cfg.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Backend.BaseURL), "/")
	if cfg.HTTP.PublicURL == "" {
		host := cfg.HTTP.Bind
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		cfg.HTTP.PublicURL = fmt.Sprintf("http://%s:%d", host, cfg.HTTP.Port)
	}
	cfg.HTTP.PublicURL = strings.TrimRight(cfg.HTTP.PublicURL, "/")
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
	if cfg.AppName == "" {
		return errors.New("app_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Backend.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if !strings.HasPrefix(cfg.Backend.BaseURL, "http://") && !strings.HasPrefix(cfg.Backend.BaseURL, "https://") {
		return errors.New("backend.base_url must be an http(s) URL")
	}
	switch cfg.Backend.Shape {
	case "":
		return ErrMissingShape
	case ShapeGateway:
	case ShapeFunction:
		if cfg.Backend.Token == "" {
			return errors.New("backend.token must be set when shape=function")
		}
	default:
		return errors.New("backend.shape must be one of gateway|function")
	}
	if cfg.Backend.TimeoutMS < 0 {
		return errors.New("backend.timeout_ms must be >= 0")
	}
	switch cfg.Playback.Output {
	case OutputSpeaker, OutputClock:
	default:
		return errors.New("playback.output must be one of speaker|clock")
	}
	if cfg.Playback.UpdateIntervalMS <= 0 {
		return errors.New("playback.update_interval_ms must be positive")
	}
	if cfg.Playback.Output == OutputSpeaker && cfg.Playback.FramesPerBuffer <= 0 {
		return errors.New("playback.frames_per_buffer must be positive")
	}
	if cfg.Playback.InitialVolume < 0 || cfg.Playback.InitialVolume > 1 {
		return errors.New("playback.initial_volume must be between 0 and 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatIntervalMS <= 0 || cfg.Bus.HeartbeatTimeoutMS < cfg.Bus.HeartbeatIntervalMS {
			return errors.New("bus.heartbeat_timeout_ms must be >= heartbeat_interval_ms > 0")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}
