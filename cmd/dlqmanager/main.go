package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/stravasync/internal/config"
	"example.com/stravasync/internal/logging"
	"example.com/stravasync/internal/outbox"
	httptransport "example.com/stravasync/internal/transport/http"
)

const defaultDLQBatchSize = 50

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.L()
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger := logging.WithComponent("dlqmanager")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	manager := outbox.NewDLQManager(pool, cfg.DLQ.MaxRetries, cfg.DLQ.BaseDelay, logger)

	metricsSrv := &http.Server{Addr: cfg.HTTP.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	metrics := httptransport.NewService("metrics-server", metricsSrv, 10*time.Second)
	go func() {
		if err := metrics.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	logger.Info().Dur("interval", cfg.DLQ.PollInterval).Int("max_retries", cfg.DLQ.MaxRetries).Msg("dlq manager started")
	if err := manager.Run(ctx, cfg.DLQ.PollInterval, defaultDLQBatchSize); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("dlq manager stopped")
	}
	logger.Info().Msg("dlq manager stopped")
}
