package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tgmirror/internal/copier"
	"tgmirror/internal/driver/telegram"
	"tgmirror/internal/mapping"
	"tgmirror/internal/topics"
	"tgmirror/pkg/mirror"
)

const (
	envConfigFile         = "TGMIRROR_CONFIG_FILE"
	envDatabaseDSN        = "TGMIRROR_DATABASE_DSN"
	envLogLevel           = "TGMIRROR_LOG_LEVEL"
	envTelegramAppID      = "TGMIRROR_TELEGRAM_APP_ID"
	envTelegramAppHash    = "TGMIRROR_TELEGRAM_APP_HASH"
	envTelegramPhone      = "TGMIRROR_TELEGRAM_PHONE"
	envTelegramPassword   = "TGMIRROR_TELEGRAM_PASSWORD"
	envTelegramCode       = "TGMIRROR_TELEGRAM_CODE"
	defaultConfigFilePath = "config/mirror.json"
	alternateConfigPath   = "config/mirror.yaml"
	defaultDatabaseDSN    = "data/tgmirror.db"
	defaultLogFlush       = 5 * time.Second
	defaultLogBatch       = 50
)

type appConfig struct {
	logLevel slog.Level
	worker   mirror.Worker

	databaseDSN string
	source      mirror.ChatRef
	target      mirror.ChatRef

	preloadLimit     int
	cacheCapacity    int
	batchSize        int
	batchPause       time.Duration
	progressInterval int
	topicIconColor   int
	topicLimit       int

	logFlushInterval time.Duration
	logBatchSize     int

	statusAddr    string
	tracing       bool
	tracingPretty bool

	telegram telegram.Config
}

type fileConfig struct {
	LogLevel string          `json:"log_level" yaml:"log_level"`
	Worker   fileWorker      `json:"worker" yaml:"worker"`
	Database fileDatabase    `json:"database" yaml:"database"`
	Mirror   fileMirror      `json:"mirror" yaml:"mirror"`
	LogSink  fileLogSink     `json:"log_sink" yaml:"log_sink"`
	Status   fileStatus      `json:"status" yaml:"status"`
	Tracing  fileTracing     `json:"tracing" yaml:"tracing"`
	Telegram telegram.Config `json:"telegram" yaml:"telegram"`
}

type fileWorker struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type fileDatabase struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type fileMirror struct {
	Source           string `json:"source" yaml:"source"`
	Target           string `json:"target" yaml:"target"`
	PreloadLimit     *int   `json:"preload_limit" yaml:"preload_limit"`
	CacheCapacity    *int   `json:"cache_capacity" yaml:"cache_capacity"`
	BatchSize        *int   `json:"batch_size" yaml:"batch_size"`
	BatchPause       string `json:"batch_pause" yaml:"batch_pause"`
	ProgressInterval *int   `json:"progress_interval" yaml:"progress_interval"`
	TopicIconColor   *int   `json:"topic_icon_color" yaml:"topic_icon_color"`
	TopicLimit       *int   `json:"topic_limit" yaml:"topic_limit"`
}

type fileLogSink struct {
	FlushInterval string `json:"flush_interval" yaml:"flush_interval"`
	BatchSize     *int   `json:"batch_size" yaml:"batch_size"`
}

type fileStatus struct {
	Addr string `json:"addr" yaml:"addr"`
}

type fileTracing struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Pretty  bool `json:"pretty" yaml:"pretty"`
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel:         slog.LevelInfo,
		worker:           mirror.Worker{ID: 1, Name: "worker-1"},
		databaseDSN:      defaultDatabaseDSN,
		preloadLimit:     mapping.DefaultPreloadLimit,
		cacheCapacity:    mapping.DefaultCapacity,
		batchSize:        copier.DefaultBatchSize,
		batchPause:       copier.DefaultBatchPause,
		progressInterval: copier.DefaultProgressInterval,
		topicIconColor:   topics.DefaultIconColor,
		topicLimit:       topics.DefaultTopicLimit,
		logFlushInterval: defaultLogFlush,
		logBatchSize:     defaultLogBatch,
	}
}

// loadConfig reads .env, the config file and environment overrides, in that order.
// An explicit path wins over TGMIRROR_CONFIG_FILE and the default locations.
func loadConfig(explicitPath string) (appConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return appConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath(explicitPath)
	if err != nil {
		return appConfig{}, err
	}
	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(cfg); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath(explicitPath string) (string, error) {
	if configFile := strings.TrimSpace(explicitPath); configFile != "" {
		return configFile, nil
	}
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigPath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigPath,
		envConfigFile,
	)
}

func decodeConfigFile(path string, data []byte) (fileConfig, error) {
	var parsed fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fileConfig{}, err
		}
	default:
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fileConfig{}, err
		}
	}

	return parsed, nil
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	parsed, err := decodeConfigFile(path, data)
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	if parsed.Worker.ID != 0 {
		cfg.worker.ID = parsed.Worker.ID
	}
	if name := strings.TrimSpace(parsed.Worker.Name); name != "" {
		cfg.worker.Name = name
	}
	if dsn := strings.TrimSpace(parsed.Database.DSN); dsn != "" {
		cfg.databaseDSN = dsn
	}

	if raw := strings.TrimSpace(parsed.Mirror.Source); raw != "" {
		source, err := mirror.ParseChatRef(raw)
		if err != nil {
			return fmt.Errorf("parse mirror.source: %w", err)
		}
		cfg.source = source
	}
	if raw := strings.TrimSpace(parsed.Mirror.Target); raw != "" {
		target, err := mirror.ParseChatRef(raw)
		if err != nil {
			return fmt.Errorf("parse mirror.target: %w", err)
		}
		cfg.target = target
	}

	positiveInts := []struct {
		name   string
		value  *int
		target *int
	}{
		{name: "mirror.preload_limit", value: parsed.Mirror.PreloadLimit, target: &cfg.preloadLimit},
		{name: "mirror.cache_capacity", value: parsed.Mirror.CacheCapacity, target: &cfg.cacheCapacity},
		{name: "mirror.batch_size", value: parsed.Mirror.BatchSize, target: &cfg.batchSize},
		{name: "mirror.progress_interval", value: parsed.Mirror.ProgressInterval, target: &cfg.progressInterval},
		{name: "mirror.topic_icon_color", value: parsed.Mirror.TopicIconColor, target: &cfg.topicIconColor},
		{name: "mirror.topic_limit", value: parsed.Mirror.TopicLimit, target: &cfg.topicLimit},
		{name: "log_sink.batch_size", value: parsed.LogSink.BatchSize, target: &cfg.logBatchSize},
	}
	for _, field := range positiveInts {
		if field.value == nil {
			continue
		}
		if *field.value <= 0 {
			return fmt.Errorf("parse %s: must be > 0", field.name)
		}
		*field.target = *field.value
	}

	// A zero batch pause is allowed; it disables the pause between batches.
	if raw := strings.TrimSpace(parsed.Mirror.BatchPause); raw != "" {
		pause, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse mirror.batch_pause: %w", err)
		}
		if pause < 0 {
			return fmt.Errorf("parse mirror.batch_pause: must be >= 0")
		}
		cfg.batchPause = pause
	}
	if raw := strings.TrimSpace(parsed.LogSink.FlushInterval); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse log_sink.flush_interval: %w", err)
		}
		if interval <= 0 {
			return fmt.Errorf("parse log_sink.flush_interval: must be > 0")
		}
		cfg.logFlushInterval = interval
	}

	cfg.statusAddr = strings.TrimSpace(parsed.Status.Addr)
	cfg.tracing = parsed.Tracing.Enabled
	cfg.tracingPretty = parsed.Tracing.Pretty
	cfg.telegram = parsed.Telegram

	return nil
}

func applyEnvOverrides(cfg *appConfig) error {
	if dsn := strings.TrimSpace(os.Getenv(envDatabaseDSN)); dsn != "" {
		cfg.databaseDSN = dsn
	}
	if rawLevel := strings.TrimSpace(os.Getenv(envLogLevel)); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envLogLevel, err)
		}
		cfg.logLevel = level
	}
	if rawAppID := strings.TrimSpace(os.Getenv(envTelegramAppID)); rawAppID != "" {
		appID, err := strconv.Atoi(rawAppID)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envTelegramAppID, err)
		}
		cfg.telegram.AppID = appID
	}

	overrides := []struct {
		env    string
		target *string
	}{
		{env: envTelegramAppHash, target: &cfg.telegram.AppHash},
		{env: envTelegramPhone, target: &cfg.telegram.Phone},
		{env: envTelegramPassword, target: &cfg.telegram.Password},
		{env: envTelegramCode, target: &cfg.telegram.Code},
	}
	for _, override := range overrides {
		if value, ok := os.LookupEnv(override.env); ok && value != "" {
			*override.target = value
		}
	}

	return nil
}

func validateAppConfig(cfg appConfig) error {
	if cfg.worker.ID <= 0 {
		return fmt.Errorf("worker.id must be > 0")
	}
	if cfg.databaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if !cfg.source.IsZero() && cfg.source.ID == cfg.target.ID {
		return fmt.Errorf("mirror.source and mirror.target must differ")
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
