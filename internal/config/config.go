package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ModelBatch     = "batch"
	ModelStreaming = "streaming"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"` // json, text
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	TraceStdout   bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Store         StoreConfig         `yaml:"store"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	Evaluation    EvaluationConfig    `yaml:"evaluation"`
	Relay         RelayConfig         `yaml:"relay"`
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
	SubjectPrefix  string   `yaml:"subject_prefix"`
	ActivityTTL    int      `yaml:"activity_ttl_ms"`
}

type StoreConfig struct {
	Path                   string `yaml:"path"`
	TelemetryRetentionDays int    `yaml:"telemetry_retention_days"`
	PruneInterval          int    `yaml:"prune_interval_ms"`
	BusyTimeout            int    `yaml:"busy_timeout_ms"`
	VacuumOnStart          bool   `yaml:"vacuum_on_start"`
}

type StorageConfig struct {
	UploadDir      string `yaml:"upload_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// AuthConfig stands in for a real identity provider: callers identify with a
// header and fall back to a seeded default user.
type AuthConfig struct {
	UserHeader       string `yaml:"user_header"`
	DefaultUserID    int64  `yaml:"default_user_id"`
	DefaultUserEmail string `yaml:"default_user_email"`
	SeedCredits      int    `yaml:"seed_credits"`
}

type AudioConfig struct {
	FFmpegCommand string `yaml:"ffmpeg_command"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
}

type TranscriptionConfig struct {
	DefaultModel string          `yaml:"default_model"`
	Language     string          `yaml:"language"`
	Timeout      int             `yaml:"timeout_ms"`
	Batch        BatchConfig     `yaml:"batch"`
	Streaming    StreamingConfig `yaml:"streaming"`
}

type BatchConfig struct {
	Driver   string `yaml:"driver"` // openai, exec, mock
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Command  string `yaml:"command"`
}

type StreamingConfig struct {
	Driver     string `yaml:"driver"` // elevenlabs, mock
	APIBase    string `yaml:"api_base"`
	WSURL      string `yaml:"ws_url"`
	APIKey     string `yaml:"api_key"`
	SampleRate int    `yaml:"sample_rate"`
	ChunkBytes int    `yaml:"chunk_bytes"`
	CommitIdle int    `yaml:"commit_idle_ms"`
}

type AnalysisConfig struct {
	Mode        string  `yaml:"mode"` // mock, openai, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Command     string  `yaml:"command"`
	Language    string  `yaml:"language"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     int     `yaml:"timeout_ms"`
}

type EvaluationConfig struct {
	EstimateBytesPerSecond int `yaml:"estimate_bytes_per_second"`
}

type RelayConfig struct {
	Path           string   `yaml:"path"`
	TokenTimeout   int      `yaml:"token_timeout_ms"`
	DialTimeout    int      `yaml:"dial_timeout_ms"`
	IdleTimeout    int      `yaml:"idle_timeout_ms"`
	MaxLifetime    int      `yaml:"max_lifetime_ms"`
	CloseGrace     int      `yaml:"close_grace_ms"`
	ReadLimitBytes int64    `yaml:"read_limit_bytes"`
	MaxConnections int      `yaml:"max_connections"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func Default() Config {
	return Config{
		RuntimeName: "orator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			LogMaxSizeMB:  50,
			LogMaxBackups: 5,
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "orator",
			ActivityTTL:    60 * 60 * 1000,
		},
		Store: StoreConfig{
			Path:                   "./data/orator.db",
			TelemetryRetentionDays: 90,
			PruneInterval:          24 * 60 * 60 * 1000,
			BusyTimeout:            5000,
		},
		Storage: StorageConfig{
			UploadDir:      "./storage/sessions",
			MaxUploadBytes: 50 * 1024 * 1024,
		},
		Auth: AuthConfig{
			UserHeader:       "X-User-ID",
			DefaultUserID:    1,
			DefaultUserEmail: "demo@orator.local",
			SeedCredits:      3,
		},
		Audio: AudioConfig{
			FFmpegCommand: "ffmpeg",
			SampleRate:    16000,
			Channels:      1,
		},
		Transcription: TranscriptionConfig{
			DefaultModel: ModelBatch,
			Language:     "ru",
			Timeout:      5 * 60 * 1000,
			Batch: BatchConfig{
				Driver:   "openai",
				Endpoint: "https://api.openai.com/v1",
				Model:    "whisper-1",
			},
			Streaming: StreamingConfig{
				Driver:     "elevenlabs",
				APIBase:    "https://api.elevenlabs.io",
				WSURL:      "wss://api.elevenlabs.io/v1/speech-to-text/realtime",
				SampleRate: 16000,
				ChunkBytes: 4096,
				CommitIdle: 1500,
			},
		},
		Analysis: AnalysisConfig{
			Mode:        "openai",
			Endpoint:    "https://api.openai.com/v1",
			Model:       "gpt-4-turbo-preview",
			Language:    "ru",
			Temperature: 0.7,
			MaxTokens:   1024,
			Timeout:     60 * 1000,
		},
		Evaluation: EvaluationConfig{
			EstimateBytesPerSecond: 2500,
		},
		Relay: RelayConfig{
			Path:           "/api/transcribe/ws",
			TokenTimeout:   10 * 1000,
			DialTimeout:    10 * 1000,
			IdleTimeout:    60 * 1000,
			MaxLifetime:    15 * 60 * 1000,
			CloseGrace:     2 * 1000,
			ReadLimitBytes: 1 << 20,
			MaxConnections: 256,
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
	overrideString(&cfg.RuntimeName, "ORATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ORATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ORATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ORATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ORATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "ORATOR_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.LogFile, "ORATOR_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ORATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ORATOR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "ORATOR_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "ORATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ORATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ORATOR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "ORATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ORATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ORATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ORATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ORATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ORATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.ActivityTTL, "ORATOR_BUS_ACTIVITY_TTL_MS")
	overrideString(&cfg.Store.Path, "ORATOR_STORE_PATH")
	overrideInt(&cfg.Store.TelemetryRetentionDays, "ORATOR_STORE_TELEMETRY_RETENTION_DAYS")
	overrideBool(&cfg.Store.VacuumOnStart, "ORATOR_STORE_VACUUM_ON_START")
	overrideString(&cfg.Storage.UploadDir, "ORATOR_STORAGE_UPLOAD_DIR")
	overrideInt64(&cfg.Storage.MaxUploadBytes, "ORATOR_STORAGE_MAX_UPLOAD_BYTES")
	overrideInt64(&cfg.Auth.DefaultUserID, "ORATOR_AUTH_DEFAULT_USER_ID")
	overrideInt(&cfg.Auth.SeedCredits, "ORATOR_AUTH_SEED_CREDITS")
	overrideString(&cfg.Audio.FFmpegCommand, "ORATOR_AUDIO_FFMPEG_COMMAND")
	overrideString(&cfg.Transcription.DefaultModel, "ORATOR_TRANSCRIPTION_DEFAULT_MODEL")
	overrideString(&cfg.Transcription.Language, "ORATOR_TRANSCRIPTION_LANGUAGE")
	overrideInt(&cfg.Transcription.Timeout, "ORATOR_TRANSCRIPTION_TIMEOUT_MS")
	overrideString(&cfg.Transcription.Batch.Driver, "ORATOR_TRANSCRIPTION_BATCH_DRIVER")
	overrideString(&cfg.Transcription.Batch.Endpoint, "ORATOR_TRANSCRIPTION_BATCH_ENDPOINT")
	overrideString(&cfg.Transcription.Batch.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Transcription.Batch.APIKey, "ORATOR_TRANSCRIPTION_BATCH_API_KEY")
	overrideString(&cfg.Transcription.Batch.Command, "ORATOR_TRANSCRIPTION_BATCH_COMMAND")
	overrideString(&cfg.Transcription.Streaming.Driver, "ORATOR_TRANSCRIPTION_STREAMING_DRIVER")
	overrideString(&cfg.Transcription.Streaming.APIBase, "ORATOR_TRANSCRIPTION_STREAMING_API_BASE")
	overrideString(&cfg.Transcription.Streaming.WSURL, "ORATOR_TRANSCRIPTION_STREAMING_WS_URL")
	overrideString(&cfg.Transcription.Streaming.APIKey, "ELEVENLABS_API_KEY")
	overrideString(&cfg.Transcription.Streaming.APIKey, "ORATOR_TRANSCRIPTION_STREAMING_API_KEY")
	overrideString(&cfg.Analysis.Mode, "ORATOR_ANALYSIS_MODE")
	overrideString(&cfg.Analysis.Endpoint, "ORATOR_ANALYSIS_ENDPOINT")
	overrideString(&cfg.Analysis.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Analysis.APIKey, "ORATOR_ANALYSIS_API_KEY")
	overrideString(&cfg.Analysis.Model, "ORATOR_ANALYSIS_MODEL")
	overrideString(&cfg.Analysis.Command, "ORATOR_ANALYSIS_COMMAND")
	overrideFloat(&cfg.Analysis.Temperature, "ORATOR_ANALYSIS_TEMPERATURE")
	overrideInt(&cfg.Analysis.Timeout, "ORATOR_ANALYSIS_TIMEOUT_MS")
	overrideInt(&cfg.Evaluation.EstimateBytesPerSecond, "ORATOR_EVALUATION_ESTIMATE_BYTES_PER_SECOND")
	overrideInt(&cfg.Relay.TokenTimeout, "ORATOR_RELAY_TOKEN_TIMEOUT_MS")
	overrideInt(&cfg.Relay.DialTimeout, "ORATOR_RELAY_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Relay.IdleTimeout, "ORATOR_RELAY_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Relay.MaxLifetime, "ORATOR_RELAY_MAX_LIFETIME_MS")
	overrideInt(&cfg.Relay.CloseGrace, "ORATOR_RELAY_CLOSE_GRACE_MS")
	overrideInt(&cfg.Relay.MaxConnections, "ORATOR_RELAY_MAX_CONNECTIONS")
	overrideStringSlice(&cfg.Relay.AllowedOrigins, "ORATOR_RELAY_ALLOWED_ORIGINS")
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
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
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
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.TelemetryRetentionDays < 0 {
		return errors.New("store.telemetry_retention_days must be >= 0")
	}
	if cfg.Storage.UploadDir == "" {
		return errors.New("storage.upload_dir must not be empty")
	}
	if cfg.Storage.MaxUploadBytes <= 0 {
		return errors.New("storage.max_upload_bytes must be positive")
	}
	if cfg.Auth.DefaultUserID <= 0 {
		return errors.New("auth.default_user_id must be positive")
	}
	if cfg.Auth.SeedCredits < 0 {
		return errors.New("auth.seed_credits must be >= 0")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1")
	}
	switch cfg.Transcription.DefaultModel {
	case ModelBatch, ModelStreaming:
	default:
		return errors.New("transcription.default_model must be one of batch|streaming")
	}
	if cfg.Transcription.Timeout <= 0 {
		return errors.New("transcription.timeout_ms must be positive")
	}
	switch cfg.Transcription.Batch.Driver {
	case "openai", "mock":
	case "exec":
		if cfg.Transcription.Batch.Command == "" {
			return errors.New("transcription.batch.command must be set when driver=exec")
		}
	default:
		return errors.New("transcription.batch.driver must be one of openai|exec|mock")
	}
	switch cfg.Transcription.Streaming.Driver {
	case "elevenlabs", "mock":
	default:
		return errors.New("transcription.streaming.driver must be one of elevenlabs|mock")
	}
	if cfg.Transcription.Streaming.ChunkBytes <= 0 {
		return errors.New("transcription.streaming.chunk_bytes must be positive")
	}
	switch cfg.Analysis.Mode {
	case "mock", "openai":
	case "ollama":
		if cfg.Analysis.Endpoint == "" {
			return errors.New("analysis.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.Analysis.Command == "" {
			return errors.New("analysis.command must be set when mode=exec")
		}
	default:
		return errors.New("analysis.mode must be one of mock|openai|ollama|exec")
	}
	if cfg.Analysis.Timeout <= 0 {
		return errors.New("analysis.timeout_ms must be positive")
	}
	if cfg.Evaluation.EstimateBytesPerSecond <= 0 {
		return errors.New("evaluation.estimate_bytes_per_second must be positive")
	}
	if !strings.HasPrefix(cfg.Relay.Path, "/") {
		return errors.New("relay.path must start with /")
	}
	if cfg.Relay.TokenTimeout <= 0 || cfg.Relay.DialTimeout <= 0 || cfg.Relay.IdleTimeout <= 0 || cfg.Relay.MaxLifetime <= 0 || cfg.Relay.CloseGrace <= 0 {
		return errors.New("relay timeouts must be positive")
	}
	if cfg.Relay.MaxConnections <= 0 {
		return errors.New("relay.max_connections must be positive")
	}
	return nil
}
