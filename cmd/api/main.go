package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"example.com/stravasync/internal/api"
	"example.com/stravasync/internal/app"
	"example.com/stravasync/internal/auth"
	"example.com/stravasync/internal/config"
	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/logging"
	"example.com/stravasync/internal/outbox"
	"example.com/stravasync/internal/progress"
	"example.com/stravasync/internal/supervisor"
	httptransport "example.com/stravasync/internal/transport/http"
	"example.com/stravasync/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.L()
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger := logging.WithComponent("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer a.Close()

	tree := supervisor.NewTree("stravasync-api", logging.WithComponent("supervisor"), supervisor.DefaultTreeConfig())

	// Kafka mode: the repository writes accepted deliveries to the outbox and the
	// consumer binary processes them. Memory mode: processing stays in-process.
	var queue webhook.Queue = webhook.OutboxQueue{}
	if cfg.Webhook.Queue == config.QueueMemory {
		pool := webhook.NewWorkerPool(a.Processor, cfg.Webhook.QueueSize,
			webhook.WithWorkers(cfg.Webhook.Workers),
			webhook.WithTaskTimeout(cfg.Webhook.TaskTimeout),
			webhook.WithPoolLogger(logging.WithComponent("webhook-pool")))
		tree.AddPipelineService(pool)
		queue = pool
	}

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers(), outbox.WithProducerLogger(logging.WithComponent("kafka-producer")))
	defer producer.Close()
	registry := outbox.NewSchemaRegistryClient(cfg.Kafka.SchemaRegistryURL, outbox.WithRegistryLogger(logging.WithComponent("schema-registry")))
	tree.AddPipelineService(outbox.NewDispatcher(a.Pool, producer, registry, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize,
		outbox.WithLogger(logging.WithComponent("dispatcher"))))

	handler := api.NewHandler(api.Dependencies{
		Runner:   a.Orchestrator,
		Aborter:  a.Aborter,
		Service:  domain.NewService(a.Repo),
		Webhooks: webhook.NewReceiver(a.Repo, queue, logging.WithComponent("webhook-receiver")),
	}, api.Config{
		VerifyToken: cfg.Webhook.VerifyToken,
		Stream: []progress.Option{
			progress.WithHeartbeat(cfg.Progress.HeartbeatInterval),
			progress.WithIdleTimeout(cfg.Progress.IdleTimeout),
			progress.WithGrace(cfg.Progress.CloseGrace),
		},
	}, logging.WithComponent("http"))

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})
	router := handler.Routes(authMiddleware.Wrap, api.RouterConfig{
		AllowedOrigins: []string{cfg.HTTP.AllowedOrigin},
		SyncRateLimit:  cfg.HTTP.SyncRateLimit,
		SyncRateWindow: cfg.HTTP.SyncRateWindow,
	})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTP.Address,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, router)
	tree.AddAPIService(httptransport.NewService("http-server", server, 0))

	logger.Info().Str("address", cfg.HTTP.Address).Str("webhook_queue", cfg.Webhook.Queue).Msg("stravasync api starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn().Int("services", len(report)).Msg("services did not stop in time")
	}
	logger.Info().Msg("stravasync api stopped")
}
