// Package app assembles the sync pipeline from configuration. Both the API and the
// webhook consumer build the same graph of stores, clients and processors.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/stravasync/internal/config"
	"example.com/stravasync/internal/dedupe"
	"example.com/stravasync/internal/describe"
	"example.com/stravasync/internal/guard"
	"example.com/stravasync/internal/logging"
	"example.com/stravasync/internal/persistence/migrations"
	"example.com/stravasync/internal/persistence/postgres"
	"example.com/stravasync/internal/strava"
	"example.com/stravasync/internal/syncer"
	"example.com/stravasync/internal/token"
	"example.com/stravasync/internal/webhook"
)

// App holds the long-lived components shared by the binaries.
type App struct {
	Config       config.Config
	Pool         *pgxpool.Pool
	Repo         *postgres.Repository
	Guard        guard.Guard
	Upstream     *strava.Client
	Tokens       *token.Manager
	Registry     *syncer.Registry
	Orchestrator *syncer.Orchestrator
	Aborter      *syncer.Aborter
	Processor    *webhook.Processor

	closers []func()
}

// New connects to Postgres (and Redis when configured) and wires the pipeline.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}

	if cfg.Postgres.RunMigrations {
		if err := migrations.Run(ctx, cfg.Postgres.URL); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)

	a.Repo = postgres.NewRepository(pool, postgres.WithWebhookOutbox(cfg.Webhook.Queue == config.QueueKafka))

	if cfg.Redis.Address != "" {
		client, err := guard.NewRedisClient(ctx, guard.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.Guard = guard.NewRedisGuard(client)
	} else {
		a.Guard = guard.NewMemoryGuard()
	}

	fallback, err := time.LoadLocation(cfg.Sync.DefaultTimezone)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load default timezone: %w", err)
	}

	generator, err := newGenerator(cfg.Describe)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Upstream = strava.NewClient(stravaConfig(cfg.Strava), strava.WithLogger(logging.WithComponent("strava")))

	a.Tokens = token.NewManager(a.Repo, a.Upstream,
		token.WithMargin(cfg.Token.RefreshMargin),
		token.WithLogger(logging.WithComponent("token")))

	reconciler := dedupe.NewReconciler(a.Repo, logging.WithComponent("dedupe"))
	persister := syncer.NewPersister(a.Repo, a.Repo, fallback, logging.WithComponent("persister"))
	a.Registry = syncer.NewRegistry()

	a.Orchestrator = syncer.NewOrchestrator(a.Tokens, a.Upstream, reconciler, persister, a.Registry,
		syncer.WithPageSize(cfg.Sync.PageSize),
		syncer.WithBatchSize(cfg.Sync.BatchSize),
		syncer.WithLogger(logging.WithComponent("syncer")))

	a.Aborter = syncer.NewAborter(a.Guard, a.Registry, a.Repo, a.Repo, syncer.AbortConfig{
		Window:    cfg.Sync.AbortWindow,
		GuardTTL:  cfg.Sync.AbortGuardTTL,
		Attempts:  cfg.Sync.AbortAttempts,
		BaseDelay: cfg.Sync.AbortBaseDelay,
	}, logging.WithComponent("aborter"))

	a.Processor = webhook.NewProcessor(webhook.Dependencies{
		Tokens:     a.Tokens,
		Upstream:   a.Upstream,
		Creds:      a.Repo,
		Activities: a.Repo,
		Reconciler: reconciler,
		Persister:  persister,
		Ranker:     a.Repo,
		Generator:  generator,
	}, webhook.ProcessorConfig{
		SportTypes:      cfg.SportTypes(),
		TriggerKeywords: cfg.TriggerKeywords(),
		Marker:          cfg.Describe.Marker,
	}, logging.WithComponent("webhook"))

	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func stravaConfig(cfg config.StravaConfig) strava.Config {
	return strava.Config{
		ClientID:          cfg.ClientID,
		ClientSecret:      cfg.ClientSecret,
		BaseURL:           cfg.APIBaseURL,
		TokenURL:          cfg.TokenURL,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		FailureThreshold:  cfg.BreakerThreshold,
		OpenTimeout:       cfg.BreakerTimeout,
	}
}

// newGenerator prefers the remote text service and falls back to the local template.
func newGenerator(cfg config.DescribeConfig) (describe.Generator, error) {
	if cfg.Endpoint != "" {
		return describe.NewHTTPGenerator(describe.HTTPConfig{
			Endpoint:    cfg.Endpoint,
			APIKey:      cfg.APIKey,
			Marker:      cfg.Marker,
			Timeout:     cfg.Timeout,
			MaxAttempts: cfg.MaxAttempts,
		}, logging.WithComponent("describe")), nil
	}
	return describe.NewTemplateGenerator("", cfg.Marker)
}
