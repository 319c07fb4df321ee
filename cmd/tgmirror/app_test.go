package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tgmirror/internal/copier"
	"tgmirror/internal/driver/telegram"
	"tgmirror/internal/mapping"
	"tgmirror/pkg/mirror"
)

func writeConfigFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

// clearConfigEnv isolates a test from variables set in the caller's shell.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, name := range []string{
		envConfigFile,
		envDatabaseDSN,
		envLogLevel,
		envTelegramAppID,
		envTelegramAppHash,
		envTelegramPhone,
		envTelegramPassword,
		envTelegramCode,
	} {
		t.Setenv(name, "")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", input: "debug", want: slog.LevelDebug},
		{name: "info", input: "info", want: slog.LevelInfo},
		{name: "warn", input: "warn", want: slog.LevelWarn},
		{name: "warning", input: "warning", want: slog.LevelWarn},
		{name: "error", input: " ERROR ", want: slog.LevelError},
		{name: "invalid", input: "trace", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseLogLevel(testCase.input)
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr {
				return
			}
			if got != testCase.want {
				t.Fatalf("level = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("loads all supported fields from json", func(t *testing.T) {
		clearConfigEnv(t)
		configPath := filepath.Join(t.TempDir(), "mirror.json")
		writeConfigFile(t, configPath, `{
			"log_level":"warn",
			"worker":{"id":7,"name":"archive"},
			"database":{"dsn":"postgres://mirror@localhost/mirror"},
			"mirror":{
				"source":"-1001234",
				"target":"5678",
				"preload_limit":200,
				"cache_capacity":300,
				"batch_size":50,
				"batch_pause":"250ms",
				"progress_interval":10,
				"topic_icon_color":16766590,
				"topic_limit":40
			},
			"log_sink":{"flush_interval":"2s","batch_size":25},
			"status":{"addr":":9090"},
			"tracing":{"enabled":true,"pretty":true},
			"telegram":{
				"app_id":123456,
				"app_hash":"sample_hash",
				"phone":"+15550001111",
				"session_file":"state/telegram/session.json",
				"album_window":"750ms"
			}
		}`)

		cfg, err := loadConfig(configPath)
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}

		if cfg.logLevel != slog.LevelWarn {
			t.Fatalf("log level = %v, want %v", cfg.logLevel, slog.LevelWarn)
		}
		if cfg.worker != (mirror.Worker{ID: 7, Name: "archive"}) {
			t.Fatalf("worker = %+v", cfg.worker)
		}
		if cfg.databaseDSN != "postgres://mirror@localhost/mirror" {
			t.Fatalf("database dsn = %q", cfg.databaseDSN)
		}
		if cfg.source.ID != 1234 || cfg.target.ID != 5678 {
			t.Fatalf("source/target = %d/%d, want 1234/5678", cfg.source.ID, cfg.target.ID)
		}
		if cfg.preloadLimit != 200 || cfg.cacheCapacity != 300 {
			t.Fatalf("preload/capacity = %d/%d", cfg.preloadLimit, cfg.cacheCapacity)
		}
		if cfg.batchSize != 50 || cfg.batchPause != 250*time.Millisecond || cfg.progressInterval != 10 {
			t.Fatalf("batch settings = %d/%s/%d", cfg.batchSize, cfg.batchPause, cfg.progressInterval)
		}
		if cfg.topicIconColor != 16766590 || cfg.topicLimit != 40 {
			t.Fatalf("topic settings = %d/%d", cfg.topicIconColor, cfg.topicLimit)
		}
		if cfg.logFlushInterval != 2*time.Second || cfg.logBatchSize != 25 {
			t.Fatalf("log sink = %s/%d", cfg.logFlushInterval, cfg.logBatchSize)
		}
		if cfg.statusAddr != ":9090" || !cfg.tracing || !cfg.tracingPretty {
			t.Fatalf("status/tracing = %q/%t/%t", cfg.statusAddr, cfg.tracing, cfg.tracingPretty)
		}
		if cfg.telegram.AppID != 123456 || cfg.telegram.AppHash != "sample_hash" {
			t.Fatalf("telegram credentials = %d/%q", cfg.telegram.AppID, cfg.telegram.AppHash)
		}
		if cfg.telegram.AlbumWindow != "750ms" {
			t.Fatalf("album window = %q", cfg.telegram.AlbumWindow)
		}
	})

	t.Run("loads yaml and keeps defaults for omitted fields", func(t *testing.T) {
		clearConfigEnv(t)
		configPath := filepath.Join(t.TempDir(), "mirror.yaml")
		writeConfigFile(t, configPath, strings.Join([]string{
			"mirror:",
			"  source: \"42\"",
			"  target: \"-100777\"",
			"telegram:",
			"  app_id: 1",
			"  app_hash: hash",
		}, "\n"))

		cfg, err := loadConfig(configPath)
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}

		if cfg.source.ID != 42 || cfg.target.ID != 777 {
			t.Fatalf("source/target = %d/%d, want 42/777", cfg.source.ID, cfg.target.ID)
		}
		if cfg.databaseDSN != defaultDatabaseDSN {
			t.Fatalf("database dsn = %q, want %q", cfg.databaseDSN, defaultDatabaseDSN)
		}
		if cfg.batchSize != copier.DefaultBatchSize || cfg.batchPause != copier.DefaultBatchPause {
			t.Fatalf("batch defaults = %d/%s", cfg.batchSize, cfg.batchPause)
		}
		if cfg.cacheCapacity != mapping.DefaultCapacity {
			t.Fatalf("cache capacity = %d, want %d", cfg.cacheCapacity, mapping.DefaultCapacity)
		}
		if cfg.logLevel != slog.LevelInfo {
			t.Fatalf("log level = %v, want info", cfg.logLevel)
		}
	})

	t.Run("environment overrides the config file", func(t *testing.T) {
		clearConfigEnv(t)
		configPath := filepath.Join(t.TempDir(), "mirror.json")
		writeConfigFile(t, configPath, `{
			"log_level":"info",
			"database":{"dsn":"data/from-file.db"},
			"telegram":{"app_id":1,"app_hash":"file_hash"}
		}`)
		t.Setenv(envDatabaseDSN, "data/from-env.db")
		t.Setenv(envLogLevel, "debug")
		t.Setenv(envTelegramAppID, "99")
		t.Setenv(envTelegramAppHash, "env_hash")
		t.Setenv(envTelegramCode, "12345")

		cfg, err := loadConfig(configPath)
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}

		if cfg.databaseDSN != "data/from-env.db" {
			t.Fatalf("database dsn = %q", cfg.databaseDSN)
		}
		if cfg.logLevel != slog.LevelDebug {
			t.Fatalf("log level = %v, want debug", cfg.logLevel)
		}
		if cfg.telegram.AppID != 99 || cfg.telegram.AppHash != "env_hash" || cfg.telegram.Code != "12345" {
			t.Fatalf("telegram = %+v", cfg.telegram)
		}
	})

	t.Run("config file path from environment", func(t *testing.T) {
		clearConfigEnv(t)
		configPath := filepath.Join(t.TempDir(), "env.json")
		writeConfigFile(t, configPath, `{"worker":{"id":3}}`)
		t.Setenv(envConfigFile, configPath)

		cfg, err := loadConfig("")
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}
		if cfg.worker.ID != 3 {
			t.Fatalf("worker id = %d, want 3", cfg.worker.ID)
		}
	})
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantErr  string
	}{
		{
			name:     "bad batch pause",
			contents: `{"mirror":{"batch_pause":"soon"}}`,
			wantErr:  "mirror.batch_pause",
		},
		{
			name:     "negative batch pause",
			contents: `{"mirror":{"batch_pause":"-1s"}}`,
			wantErr:  "mirror.batch_pause",
		},
		{
			name:     "zero flush interval",
			contents: `{"log_sink":{"flush_interval":"0s"}}`,
			wantErr:  "log_sink.flush_interval",
		},
		{
			name:     "zero batch size",
			contents: `{"mirror":{"batch_size":0}}`,
			wantErr:  "mirror.batch_size",
		},
		{
			name:     "invalid source",
			contents: `{"mirror":{"source":"general"}}`,
			wantErr:  "mirror.source",
		},
		{
			name:     "same source and target",
			contents: `{"mirror":{"source":"-10055","target":"55"}}`,
			wantErr:  "must differ",
		},
		{
			name:     "unknown log level",
			contents: `{"log_level":"trace"}`,
			wantErr:  "log_level",
		},
		{
			name:     "negative worker",
			contents: `{"worker":{"id":-1}}`,
			wantErr:  "worker.id",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			clearConfigEnv(t)
			configPath := filepath.Join(t.TempDir(), "mirror.json")
			writeConfigFile(t, configPath, testCase.contents)

			_, err := loadConfig(configPath)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("error = %v, want it to mention %q", err, testCase.wantErr)
			}
		})
	}
}

func TestResolveConfigFilePath(t *testing.T) {
	t.Run("explicit path wins", func(t *testing.T) {
		t.Setenv(envConfigFile, "from-env.json")

		got, err := resolveConfigFilePath(" explicit.yaml ")
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if got != "explicit.yaml" {
			t.Fatalf("path = %q, want explicit.yaml", got)
		}
	})

	t.Run("environment before defaults", func(t *testing.T) {
		t.Setenv(envConfigFile, "from-env.json")

		got, err := resolveConfigFilePath("")
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if got != "from-env.json" {
			t.Fatalf("path = %q, want from-env.json", got)
		}
	})

	t.Run("missing defaults", func(t *testing.T) {
		t.Setenv(envConfigFile, "")
		t.Chdir(t.TempDir())

		_, err := resolveConfigFilePath("")
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), defaultConfigFilePath) {
			t.Fatalf("error = %v, want it to name %s", err, defaultConfigFilePath)
		}
	})

	t.Run("yaml default when json is absent", func(t *testing.T) {
		t.Setenv(envConfigFile, "")
		dir := t.TempDir()
		t.Chdir(dir)
		writeConfigFile(t, filepath.Join(dir, alternateConfigPath), "worker:\n  id: 2\n")

		got, err := resolveConfigFilePath("")
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if got != alternateConfigPath {
			t.Fatalf("path = %q, want %s", got, alternateConfigPath)
		}
	})
}

func TestEnsureDatabaseDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dsn := filepath.Join(dir, "nested", "mirror.db")
	if err := ensureDatabaseDir(dsn); err != nil {
		t.Fatalf("ensure database dir: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "nested"))
	if err != nil {
		t.Fatalf("stat created dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}

	if err := ensureDatabaseDir("postgres://mirror@localhost/mirror"); err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	if err := ensureDatabaseDir(":memory:"); err != nil {
		t.Fatalf("memory dsn: %v", err)
	}
}

func TestNewAppWritesLogsToLogOutput(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	dir := t.TempDir()
	cfg := defaultAppConfig()
	cfg.databaseDSN = filepath.Join(dir, "data", "mirror.db")
	cfg.telegram = telegram.Config{
		AppID:       1,
		AppHash:     "hash",
		SessionFile: filepath.Join(dir, "session", "session.json"),
	}

	var output bytes.Buffer
	a, err := newApp(context.Background(), cfg, &output)
	if err != nil {
		t.Fatalf("new app failed: %v", err)
	}
	a.logger.Info("wiring ready")
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if !strings.Contains(output.String(), `"msg":"wiring ready"`) {
		t.Fatalf("log output = %q, want the record written to logOutput", output.String())
	}
	if !strings.Contains(output.String(), `"worker_id":1`) {
		t.Fatalf("log output = %q, want worker_id attribute", output.String())
	}
}
