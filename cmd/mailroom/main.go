// Command mailroom is the mail batching agent. It loads its configuration
// from the environment, subscribes to a Postgres LISTEN/NOTIFY channel, and
// writes newline-delimited batches of signed tokens to standard output until
// it receives SIGTERM or SIGINT.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tetsuo/mailroom/internal/batch"
	"github.com/tetsuo/mailroom/internal/config"
	"github.com/tetsuo/mailroom/internal/diag"
	"github.com/tetsuo/mailroom/internal/mac"
	"github.com/tetsuo/mailroom/internal/store"
)

// diagShutdownTimeout bounds how long the diagnostics server is given to
// drain in-flight requests before the process exits.
const diagShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// Configuration is loaded before the logger exists, so the logger used
	// during Load itself is a plain stderr text logger at info level;
	// newLogger replaces it once the configured level is known.
	cfg, err := config.Load(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailroom: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("channel_name", cfg.ChannelName),
		slog.String("queue_name", cfg.QueueName),
		slog.Int("batch_limit", cfg.BatchLimit),
		slog.Duration("batch_timeout", cfg.BatchTimeout),
		slog.Duration("healthcheck_interval", cfg.HealthCheckInterval),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	signer, err := mac.New(cfg.SecretKey)
	if err != nil {
		logger.Error("failed to initialise mac signer", slog.Any("error", err))
		return 1
	}
	defer signer.Cleanup()

	counters := diag.NewCounters()

	connect := func(ctx context.Context) (batch.Handle, error) {
		s, err := store.Connect(ctx, cfg.DatabaseURL, cfg.ChannelName, signer, os.Stdout, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	loop := batch.New(connect, batch.Config{
		QueueName:           cfg.QueueName,
		BatchLimit:          cfg.BatchLimit,
		BatchTimeout:        cfg.BatchTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
	}, counters, logger)

	var diagServer *diag.Server
	if cfg.MetricsAddr != "" {
		diagServer = diag.NewServer(cfg.MetricsAddr, counters)
		go func() {
			logger.Info("diagnostics server listening", slog.String("addr", cfg.MetricsAddr))
			if err := diagServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("diagnostics server error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		loop.Stop()
	}()

	runErr := loop.Run(context.Background())

	if diagServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), diagShutdownTimeout)
		if err := diagServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("diagnostics server shutdown error", slog.Any("error", err))
		}
		cancel()
	}

	if runErr != nil {
		logger.Error("mailroom exited with error", slog.Any("error", runErr))
		return 1
	}

	logger.Info("mailroom exited cleanly")
	return 0
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
