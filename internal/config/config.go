package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/kilnvm/kiln/internal/compile"
	"github.com/kilnvm/kiln/internal/manager"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "kiln.db"
	defaultCodeCacheLimit = int64(256 * units.MiB)

	envListenAddr     = "KILN_LISTEN_ADDR"
	envDBPath         = "KILN_DB_PATH"
	envLogLevel       = "KILN_LOG_LEVEL"
	envBackground     = "KILN_BACKGROUND"
	envWorkers        = "KILN_COMPILE_WORKERS"
	envQueueSize      = "KILN_COMPILE_QUEUE_SIZE"
	envCallThreshold  = "KILN_CALL_THRESHOLD"
	envLoopThreshold  = "KILN_LOOP_THRESHOLD"
	envCodeCacheLimit = "KILN_CODE_CACHE_LIMIT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Background selects the threaded compile queue; false runs every
	// submission inline on the caller.
	Background     bool
	Workers        int
	QueueSize      int
	CallThreshold  int64
	LoopThreshold  int64
	CodeCacheLimit int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		Background:     true,
		Workers:        compile.DefaultWorkers,
		QueueSize:      compile.DefaultQueueSize,
		CallThreshold:  manager.DefaultCallThreshold,
		LoopThreshold:  manager.DefaultLoopThreshold,
		CodeCacheLimit: defaultCodeCacheLimit,
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
	if v := os.Getenv(envBackground); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Background = b
		}
	}
	if n, ok := parsePositiveInt(os.Getenv(envWorkers)); ok {
		cfg.Workers = n
	}
	if n, ok := parsePositiveInt(os.Getenv(envQueueSize)); ok {
		cfg.QueueSize = n
	}
	if n, ok := parsePositiveInt(os.Getenv(envCallThreshold)); ok {
		cfg.CallThreshold = int64(n)
	}
	if n, ok := parsePositiveInt(os.Getenv(envLoopThreshold)); ok {
		cfg.LoopThreshold = int64(n)
	}
	if v := os.Getenv(envCodeCacheLimit); v != "" {
		if bytes, err := units.RAMInBytes(v); err == nil && bytes > 0 {
			cfg.CodeCacheLimit = bytes
		}
	}

	return cfg
}

func parsePositiveInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
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
