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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Traces       bool   `yaml:"traces"`
}

type HTTPConfig struct {
	Bind              string `yaml:"bind"`
	Port              int    `yaml:"port"`
	ReadHeaderTimeout int    `yaml:"read_header_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Upload      UploadConfig     `yaml:"upload"`
	Transcoder  TranscoderConfig `yaml:"transcoder"`
	Normalizer  NormalizerConfig `yaml:"normalizer"`
	STT         STTConfig        `yaml:"stt"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
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
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// UploadConfig controls where uploads are staged and how large they may be.
type UploadConfig struct {
	WorkDir   string `yaml:"work_dir"`
	MaxBytes  int64  `yaml:"max_bytes"`
	FieldName string `yaml:"field_name"`
}

type TranscoderConfig struct {
	Command string `yaml:"command"`
}

type NormalizerConfig struct {
	Quality int `yaml:"quality"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // vosk, exec, openai, mock
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	EngineLogLevel int    `yaml:"engine_log_level"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
}

type PipelineConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	TimeoutMS      int `yaml:"timeout_ms"`
	QueueTimeoutMS int `yaml:"queue_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-stt",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              8080,
			ReadHeaderTimeout: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-stt.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Upload: UploadConfig{
			WorkDir:   "./audio",
			MaxBytes:  64 << 20,
			FieldName: "formFile",
		},
		Transcoder: TranscoderConfig{
			Command: "ffmpeg -hide_banner -loglevel error -nostdin -y",
		},
		Normalizer: NormalizerConfig{
			Quality: 60,
		},
		STT: STTConfig{
			Mode:           "vosk",
			ModelPath:      "./model",
			EngineLogLevel: -1,
			Model:          "whisper-1",
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:  4,
			TimeoutMS:      120000,
			QueueTimeoutMS: 30000,
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
	overrideString(&cfg.RuntimeName, "LOQA_STT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_STT_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_STT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_STT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_STT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_STT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_STT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Traces, "LOQA_STT_TELEMETRY_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_STT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_STT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_STT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_STT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_STT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_STT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_STT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_STT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_STT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_STT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_STT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_STT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_STT_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_STT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Upload.WorkDir, "LOQA_STT_UPLOAD_WORK_DIR")
	overrideInt64(&cfg.Upload.MaxBytes, "LOQA_STT_UPLOAD_MAX_BYTES")
	overrideString(&cfg.Upload.FieldName, "LOQA_STT_UPLOAD_FIELD_NAME")
	overrideString(&cfg.Transcoder.Command, "LOQA_STT_TRANSCODER_COMMAND")
	overrideInt(&cfg.Normalizer.Quality, "LOQA_STT_NORMALIZER_QUALITY")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.EngineLogLevel, "LOQA_STT_ENGINE_LOG_LEVEL")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideInt(&cfg.Pipeline.MaxConcurrent, "LOQA_STT_PIPELINE_MAX_CONCURRENT")
	overrideInt(&cfg.Pipeline.TimeoutMS, "LOQA_STT_PIPELINE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.QueueTimeoutMS, "LOQA_STT_PIPELINE_QUEUE_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Upload.WorkDir == "" {
		return errors.New("upload.work_dir must not be empty")
	}
	if cfg.Upload.MaxBytes <= 0 {
		return errors.New("upload.max_bytes must be positive")
	}
	if cfg.Upload.FieldName == "" {
		return errors.New("upload.field_name must not be empty")
	}
	if strings.TrimSpace(cfg.Transcoder.Command) == "" {
		return errors.New("transcoder.command must not be empty")
	}
	if cfg.Normalizer.Quality < 1 || cfg.Normalizer.Quality > 100 {
		return errors.New("normalizer.quality must be between 1 and 100")
	}
	switch cfg.STT.Mode {
	case "vosk":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=vosk")
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "openai":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=openai")
		}
	case "mock":
	default:
		return errors.New("stt.mode must be one of vosk|exec|openai|mock")
	}
	if cfg.Pipeline.MaxConcurrent <= 0 {
		return errors.New("pipeline.max_concurrent must be >= 1")
	}
	if cfg.Pipeline.TimeoutMS <= 0 {
		return errors.New("pipeline.timeout_ms must be positive")
	}
	if cfg.Pipeline.QueueTimeoutMS < 0 {
		return errors.New("pipeline.queue_timeout_ms must be >= 0")
	}
	return nil
}
