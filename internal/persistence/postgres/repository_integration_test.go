//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/events"
	"example.com/stravasync/internal/persistence/migrations"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("stravasync"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	require.NoError(t, migrations.Run(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestRepositoryActivityLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	repo := NewRepository(pool)

	start := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	original := domain.Activity{
		UpstreamID:     500,
		UserID:         "user-1",
		Name:           "Morning Ride",
		SportType:      "Ride",
		Distance:       25000,
		ElevationGain:  300,
		StartTime:      start,
		StartTimeLocal: start.In(berlin),
		Visibility:     domain.VisibilityEveryone,
		ContentHash:    "hash-a",
		RawPayload:     []byte(`{"id":500}`),
	}
	require.NoError(t, repo.UpsertActivities(ctx, []domain.Activity{original}))

	reupload := original
	reupload.UpstreamID = 501
	err = repo.UpsertActivities(ctx, []domain.Activity{reupload})
	require.Error(t, err, "partial unique index rejects a second live row for the same ride")

	found, err := repo.FindByContentHashes(ctx, "user-1", []string{"hash-a"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, int64(500), found[0].UpstreamID)
	require.Equal(t, 8, found[0].StartTimeLocal.Hour(), "local wall clock is stored")

	require.NoError(t, repo.DeleteByUpstreamIDs(ctx, []int64{500}))
	require.NoError(t, repo.UpsertActivities(ctx, []domain.Activity{reupload}))

	page, next, err := repo.ListByUser(ctx, "user-1", nil, 10)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, page, 1)
	require.Equal(t, int64(501), page[0].UpstreamID)

	deleted, err := repo.SoftDeleteByUpstreamID(ctx, 501)
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = repo.SoftDeleteByUpstreamID(ctx, 501)
	require.NoError(t, err)
	require.False(t, deleted)

	require.NoError(t, repo.UpsertActivities(ctx, []domain.Activity{reupload}))
	page, _, err = repo.ListByUser(ctx, "user-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 1, "re-upsert revives a soft-deleted row")

	var synced, removed int
	require.NoError(t, pool.QueryRow(ctx, `SELECT
            COUNT(*) FILTER (WHERE event_type = $1),
            COUNT(*) FILTER (WHERE event_type = $2)
        FROM outbox`, events.TypeActivitySynced, events.TypeActivityDeleted).Scan(&synced, &removed))
	require.Equal(t, 3, synced)
	require.Equal(t, 2, removed)
}

func TestRepositoryCredentials(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(startPostgres(t))

	_, err := repo.GetCredential(ctx, "user-1")
	require.ErrorIs(t, err, domain.ErrCredentialNotFound)

	cred := domain.Credential{UserID: "user-1", AthleteID: 77, AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour).UTC()}
	require.NoError(t, repo.SaveCredential(ctx, cred))
	cred.AccessToken = "a2"
	require.NoError(t, repo.SaveCredential(ctx, cred))

	stored, err := repo.GetCredentialByAthlete(ctx, 77)
	require.NoError(t, err)
	require.Equal(t, "a2", stored.AccessToken)

	connected, err := repo.Connected(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, connected)

	require.NoError(t, repo.DisconnectAthlete(ctx, 77))
	_, err = repo.GetCredential(ctx, "user-1")
	require.ErrorIs(t, err, domain.ErrCredentialNotFound)
	connected, err = repo.Connected(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, connected)
}

func TestRepositoryWebhookReplayGuard(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	repo := NewRepository(pool, WithWebhookOutbox(true))

	evt := domain.WebhookEvent{EventTime: 1714550000, ObjectID: 42, ObjectType: "activity", AspectType: "create", OwnerID: 77}
	fresh, err := repo.RecordWebhookEvent(ctx, evt)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = repo.RecordWebhookEvent(ctx, evt)
	require.NoError(t, err)
	require.False(t, fresh)

	var logged, queued int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_event_log`).Scan(&logged))
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1`, events.TopicWebhookEvents).Scan(&queued))
	require.Equal(t, 1, logged)
	require.Equal(t, 1, queued)
}

func TestRepositoryPurgeAndRank(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(startPostgres(t))
	day := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertActivities(ctx, []domain.Activity{
		{UpstreamID: 1, UserID: "a", ContentHash: "1", Distance: 50000, ElevationGain: 100, StartTime: day, StartTimeLocal: day},
		{UpstreamID: 2, UserID: "b", ContentHash: "2", Distance: 30000, ElevationGain: 900, StartTime: day, StartTimeLocal: day},
	}))

	ranking, err := repo.Rank(ctx, domain.Activity{UpstreamID: 2, Distance: 30000, ElevationGain: 900, StartTimeLocal: day})
	require.NoError(t, err)
	require.Equal(t, 2, ranking.DistanceRank)
	require.Equal(t, 1, ranking.ElevationRank)
	require.Equal(t, 2, ranking.Participants)

	require.NoError(t, repo.PurgeRecentSync(ctx, "b", time.Now().Add(-30*time.Minute)))
	page, _, err := repo.ListByUser(ctx, "b", nil, 10)
	require.NoError(t, err)
	require.Empty(t, page)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
