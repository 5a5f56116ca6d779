package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the speech relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	TaskTimeout      time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string
	LogFormat        string

	DashScopeAPIKey           string
	DashScopeWSURL            string
	DashScopeDataInspection   bool
	DashScopeFinishDelay      time.Duration
	DashScopeHandshakeTimeout time.Duration

	AudioRootDir       string
	AudioPublicBaseURL string

	DatabaseURL         string
	TaskSQLitePath      string
	TaskHistoryCapacity int

	NATSURL           string
	NATSSubjectPrefix string

	TracesExporter string
	OTLPEndpoint   string
	OTLPInsecure   bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":3000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "speechrelay"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        strings.ToLower(envOrDefault("APP_LOG_FORMAT", "json")),
		ShutdownTimeout:  15 * time.Second,
		TaskTimeout:      2 * time.Minute,

		DashScopeAPIKey:           stringsTrimSpace("DASHSCOPE_API_KEY"),
		DashScopeWSURL:            envOrDefault("DASHSCOPE_WS_URL", "wss://dashscope.aliyuncs.com/api-ws/v1/inference/"),
		DashScopeDataInspection:   true,
		DashScopeFinishDelay:      2 * time.Second,
		DashScopeHandshakeTimeout: 10 * time.Second,

		AudioRootDir:       envOrDefault("AUDIO_ROOT_DIR", "public/audio"),
		AudioPublicBaseURL: envOrDefault("AUDIO_PUBLIC_BASE_URL", "http://localhost:3000/audio"),

		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		TaskSQLitePath:      stringsTrimSpace("TASK_SQLITE_PATH"),
		TaskHistoryCapacity: 1000,

		NATSURL:           stringsTrimSpace("NATS_URL"),
		NATSSubjectPrefix: envOrDefault("NATS_SUBJECT_PREFIX", "speechrelay"),

		TracesExporter: strings.ToLower(envOrDefault("OTEL_TRACES_EXPORTER", "none")),
		OTLPEndpoint:   stringsTrimSpace("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeout, err = durationFromEnv("APP_TASK_TIMEOUT", cfg.TaskTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DashScopeDataInspection, err = boolFromEnv("DASHSCOPE_DATA_INSPECTION", cfg.DashScopeDataInspection)
	if err != nil {
		return Config{}, err
	}
	cfg.DashScopeFinishDelay, err = durationFromEnv("DASHSCOPE_FINISH_DELAY", cfg.DashScopeFinishDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.DashScopeHandshakeTimeout, err = durationFromEnv("DASHSCOPE_HANDSHAKE_TIMEOUT", cfg.DashScopeHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskHistoryCapacity, err = intFromEnv("TASK_HISTORY_CAPACITY", cfg.TaskHistoryCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.OTLPInsecure, err = boolFromEnv("OTEL_EXPORTER_OTLP_INSECURE", cfg.OTLPInsecure)
	if err != nil {
		return Config{}, err
	}

	if cfg.TaskTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_TASK_TIMEOUT must be at least 5s")
	}
	if cfg.DashScopeFinishDelay < 0 {
		return Config{}, fmt.Errorf("DASHSCOPE_FINISH_DELAY must be >= 0")
	}
	if cfg.DashScopeHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("DASHSCOPE_HANDSHAKE_TIMEOUT must be positive")
	}
	if cfg.TaskHistoryCapacity <= 0 {
		return Config{}, fmt.Errorf("TASK_HISTORY_CAPACITY must be positive")
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be json or text")
	}
	switch cfg.TracesExporter {
	case "none", "stdout", "otlp":
	default:
		return Config{}, fmt.Errorf("OTEL_TRACES_EXPORTER must be none, stdout or otlp")
	}
	if !strings.HasPrefix(cfg.DashScopeWSURL, "ws://") && !strings.HasPrefix(cfg.DashScopeWSURL, "wss://") {
		return Config{}, fmt.Errorf("DASHSCOPE_WS_URL must be a ws:// or wss:// url")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
