package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/stravasync/internal/app"
	"example.com/stravasync/internal/config"
	"example.com/stravasync/internal/consumer"
	"example.com/stravasync/internal/logging"
	"example.com/stravasync/internal/supervisor"
	httptransport "example.com/stravasync/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.L()
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger := logging.WithComponent("consumer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer a.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers(),
		GroupID:         cfg.Kafka.ConsumerGroupID,
		Topic:           cfg.Kafka.WebhookTopic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})
	defer reader.Close()

	tree := supervisor.NewTree("stravasync-consumer", logging.WithComponent("supervisor"), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(consumer.NewProcessor(reader, consumer.NewWebhookHandler(a.Processor),
		consumer.WithLogger(logger.With().Str("topic", cfg.Kafka.WebhookTopic).Logger())))

	metricsSrv := &http.Server{Addr: cfg.HTTP.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	tree.AddAPIService(httptransport.NewService("metrics-server", metricsSrv, 10*time.Second))

	logger.Info().Str("topic", cfg.Kafka.WebhookTopic).Str("group", cfg.Kafka.ConsumerGroupID).
		Str("metrics_address", cfg.HTTP.MetricsAddress).Msg("webhook consumer starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	logger.Info().Msg("webhook consumer stopped")
}
