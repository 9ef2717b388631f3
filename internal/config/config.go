// Package config loads and validates the mailroom agent's configuration
// from environment variables. There is no configuration file: every value
// the agent needs is read from the process environment at startup.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the agent's validated runtime configuration.
type Config struct {
	// DatabaseURL is the connection string passed verbatim to the driver.
	DatabaseURL string

	// SecretKey is the decoded 32-byte HMAC-SHA-256 key.
	SecretKey []byte

	// ChannelName is the Postgres LISTEN/NOTIFY channel to subscribe to.
	ChannelName string

	// QueueName identifies the cursor row this agent advances.
	QueueName string

	// BatchLimit is the maximum number of rows per flush, and the chunk
	// size used by the startup drain.
	BatchLimit int

	// BatchTimeout is the deadline from the first notification of a batch
	// to a forced flush.
	BatchTimeout time.Duration

	// HealthCheckInterval is the idle period before a liveness probe is
	// issued on the database connection. Must be >= BatchTimeout.
	HealthCheckInterval time.Duration

	// MetricsAddr is the listen address for the diagnostics HTTP server.
	// Empty disables the server entirely.
	MetricsAddr string

	// LogLevel is the minimum level emitted by the structured logger.
	LogLevel string
}

// Environment variable names.
const (
	envDatabaseURL         = "MAILROOM_DATABASE_URL"
	envSecretKey           = "MAILROOM_SECRET_KEY"
	envChannelName         = "MAILROOM_CHANNEL_NAME"
	envQueueName           = "MAILROOM_QUEUE_NAME"
	envBatchLimit          = "MAILROOM_BATCH_LIMIT"
	envBatchTimeoutMS      = "MAILROOM_BATCH_TIMEOUT_MS"
	envHealthCheckInterval = "MAILROOM_HEALTHCHECK_INTERVAL_MS"
	envMetricsAddr         = "MAILROOM_METRICS_ADDR"
	envLogLevel            = "MAILROOM_LOG_LEVEL"
)

// Defaults, applied to any variable that is unset or fails to parse.
const (
	defaultChannelName         = "token_insert"
	defaultQueueName           = "user_action_queue"
	defaultBatchLimit          = 10
	defaultBatchTimeoutMS      = 5000
	defaultHealthCheckInterval = 270000
	defaultMetricsAddr         = "127.0.0.1:9090"
	defaultLogLevel            = "info"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// rawConfig holds the as-read values before decoding/validation, so that
// defaulting and validation can both see the same intermediate shape —
// mirroring this codebase's own parse-then-default-then-validate config
// loaders.
type rawConfig struct {
	databaseURL   string
	secretKeyHex  string
	channelName   string
	queueName     string
	batchLimit    int
	batchTimeout  int
	healthCheckMS int
	metricsAddr   string
	logLevel      string
}

// Load reads and validates configuration from the process environment.
// logger is used only to warn about unparseable integer values that fell
// back to their defaults; it may be nil to suppress those warnings.
func Load(logger *slog.Logger) (*Config, error) {
	raw := rawConfig{
		databaseURL:  os.Getenv(envDatabaseURL),
		secretKeyHex: os.Getenv(envSecretKey),
		channelName:  getenvDefault(envChannelName, defaultChannelName),
		queueName:    getenvDefault(envQueueName, defaultQueueName),
		metricsAddr:  defaultMetricsAddr,
		logLevel:     getenvDefault(envLogLevel, defaultLogLevel),
	}
	// An explicitly empty metrics address disables the diagnostics server,
	// so only an unset variable falls back to the default.
	if v, ok := os.LookupEnv(envMetricsAddr); ok {
		raw.metricsAddr = v
	}
	raw.batchLimit = getenvIntDefault(logger, envBatchLimit, defaultBatchLimit)
	raw.batchTimeout = getenvIntDefault(logger, envBatchTimeoutMS, defaultBatchTimeoutMS)
	raw.healthCheckMS = getenvIntDefault(logger, envHealthCheckInterval, defaultHealthCheckInterval)

	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if raw.databaseURL == "" {
		add("%s is required", envDatabaseURL)
	}

	var key []byte
	if raw.secretKeyHex == "" {
		add("%s is required", envSecretKey)
	} else if len(raw.secretKeyHex) != 64 {
		add("%s must be 64 hex characters, got %d", envSecretKey, len(raw.secretKeyHex))
	} else {
		decoded, err := hex.DecodeString(raw.secretKeyHex)
		if err != nil {
			add("%s is not valid hex: %v", envSecretKey, err)
		} else {
			key = decoded
		}
	}

	if raw.batchLimit <= 0 {
		add("%s must be positive, got %d", envBatchLimit, raw.batchLimit)
	}
	if raw.batchTimeout <= 0 {
		add("%s must be positive, got %d", envBatchTimeoutMS, raw.batchTimeout)
	}
	if raw.healthCheckMS <= 0 {
		add("%s must be positive, got %d", envHealthCheckInterval, raw.healthCheckMS)
	}
	if raw.batchTimeout > 0 && raw.healthCheckMS > 0 && raw.healthCheckMS < raw.batchTimeout {
		add("%s (%dms) must be >= %s (%dms)", envHealthCheckInterval, raw.healthCheckMS, envBatchTimeoutMS, raw.batchTimeout)
	}
	if !validLogLevels[raw.logLevel] {
		add("%s %q must be one of: debug, info, warn, error", envLogLevel, raw.logLevel)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}

	return &Config{
		DatabaseURL:         raw.databaseURL,
		SecretKey:           key,
		ChannelName:         raw.channelName,
		QueueName:           raw.queueName,
		BatchLimit:          raw.batchLimit,
		BatchTimeout:        time.Duration(raw.batchTimeout) * time.Millisecond,
		HealthCheckInterval: time.Duration(raw.healthCheckMS) * time.Millisecond,
		MetricsAddr:         raw.metricsAddr,
		LogLevel:            raw.logLevel,
	}, nil
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// getenvIntDefault reads name as an integer, falling back to def (with a
// warning) if the variable is unset or does not parse as an integer.
func getenvIntDefault(logger *slog.Logger, name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if logger != nil {
			logger.Warn("config: unparseable integer, using default",
				slog.String("variable", name),
				slog.String("value", v),
				slog.Int("default", def),
			)
		}
		return def
	}
	return n
}
