package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Log formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

const (
	defaultListenAddr         = ":8080"
	defaultDBDriver           = DriverSQLite
	defaultDBPath             = "tantra.db"
	defaultPollInterval       = 100 * time.Millisecond
	defaultCompletedCapacity  = 1000
	defaultTimeout            = 300 * time.Second
	defaultWorkerHistory      = 100
	defaultBuiltinConcurrency = 4
	defaultScheduleTick       = time.Second

	envListenAddr         = "TANTRA_LISTEN_ADDR"
	envDBDriver           = "TANTRA_DB_DRIVER"
	envDBPath             = "TANTRA_DB_PATH"
	envDBURL              = "TANTRA_DB_URL"
	envLogLevel           = "TANTRA_LOG_LEVEL"
	envLogFormat          = "TANTRA_LOG_FORMAT"
	envPollInterval       = "TANTRA_POLL_INTERVAL"
	envCompletedCapacity  = "TANTRA_COMPLETED_CAPACITY"
	envDefaultTimeout     = "TANTRA_DEFAULT_TIMEOUT"
	envWorkerHistory      = "TANTRA_WORKER_HISTORY"
	envBuiltinConcurrency = "TANTRA_BUILTIN_CONCURRENCY"
	envScheduleTick       = "TANTRA_SCHEDULE_TICK"
	envAMQPURL            = "TANTRA_AMQP_URL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBDriver   string
	DBPath     string
	DBURL      string
	LogLevel   slog.Level
	LogFormat  string

	PollInterval       time.Duration
	CompletedCapacity  int
	DefaultTimeout     time.Duration
	WorkerHistory      int
	BuiltinConcurrency int
	ScheduleTick       time.Duration

	// AMQPURL enables publishing of finished tasks when set.
	AMQPURL string
}

// Load reads configuration from environment variables with sensible defaults.
// Unknown log levels and formats fall back to the defaults; malformed numbers,
// durations and drivers are errors.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBDriver:           defaultDBDriver,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		LogFormat:          FormatJSON,
		PollInterval:       defaultPollInterval,
		CompletedCapacity:  defaultCompletedCapacity,
		DefaultTimeout:     defaultTimeout,
		WorkerHistory:      defaultWorkerHistory,
		BuiltinConcurrency: defaultBuiltinConcurrency,
		ScheduleTick:       defaultScheduleTick,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBDriver); v != "" {
		switch d := strings.ToLower(v); d {
		case DriverSQLite, DriverPostgres:
			cfg.DBDriver = d
		default:
			return Config{}, fmt.Errorf("%s: unknown driver %q", envDBDriver, v)
		}
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	cfg.DBURL = os.Getenv(envDBURL)
	if cfg.DBDriver == DriverPostgres && cfg.DBURL == "" {
		return Config{}, fmt.Errorf("%s is required for the %s driver", envDBURL, DriverPostgres)
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = parseLogFormat(v)
	}
	cfg.AMQPURL = os.Getenv(envAMQPURL)

	var err error
	if cfg.PollInterval, err = durationEnv(envPollInterval, cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.DefaultTimeout, err = durationEnv(envDefaultTimeout, cfg.DefaultTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ScheduleTick, err = durationEnv(envScheduleTick, cfg.ScheduleTick); err != nil {
		return Config{}, err
	}
	if cfg.CompletedCapacity, err = intEnv(envCompletedCapacity, cfg.CompletedCapacity); err != nil {
		return Config{}, err
	}
	if cfg.WorkerHistory, err = intEnv(envWorkerHistory, cfg.WorkerHistory); err != nil {
		return Config{}, err
	}
	if cfg.BuiltinConcurrency, err = intEnv(envBuiltinConcurrency, cfg.BuiltinConcurrency); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, v)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %d", key, n)
	}
	return n, nil
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

func parseLogFormat(s string) string {
	if strings.ToLower(s) == FormatText {
		return FormatText
	}
	return FormatJSON
}

// NewLogger creates a structured logger writing to w at the given level.
// The text format is meant for terminals; everything else gets JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
