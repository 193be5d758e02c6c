package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "taskrunner.db"
	defaultSweepInterval = 15 * time.Second

	envListenAddr    = "TASKRUNNER_LISTEN_ADDR"
	envDBPath        = "TASKRUNNER_DB_PATH"
	envLogLevel      = "TASKRUNNER_LOG_LEVEL"
	envCatalogPath   = "TASKRUNNER_CATALOG_PATH"
	envSweepInterval = "TASKRUNNER_SWEEP_INTERVAL"
	envWorkerID      = "TASKRUNNER_WORKER_ID"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	CatalogPath   string
	SweepInterval time.Duration
	WorkerID      string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		SweepInterval: defaultSweepInterval,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCatalogPath); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv(envSweepInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}
	if v := os.Getenv(envWorkerID); v != "" {
		cfg.WorkerID = v
	} else if host, err := os.Hostname(); err == nil {
		cfg.WorkerID = host
	} else {
		cfg.WorkerID = "taskrunner"
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
