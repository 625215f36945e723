//go:build integration

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/stravasync/internal/events"
)

func TestDLQReplayRedeliversMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	require.NotZero(t, seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeActivitySynced))
	registry := &stubRegistry{id: 100}

	failing := NewDispatcher(pool, &stubProducer{err: errors.New("kafka unavailable")}, registry, 5*time.Millisecond, 10)
	require.NoError(t, failing.processBatch(ctx))

	var dlqCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&dlqCount))
	require.Equal(t, 1, dlqCount)

	before := testutil.ToFloat64(dlqEntries.WithLabelValues(events.TopicActivityEvents, events.TypeActivitySynced, outcomeRequeued))
	manager := NewDLQManager(pool, 5, time.Second, zerolog.Nop())
	replayed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, replayed)
	require.InDelta(t, before+1, testutil.ToFloat64(dlqEntries.WithLabelValues(events.TopicActivityEvents, events.TypeActivitySynced, outcomeRequeued)), 0.0001)

	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&dlqCount))
	require.Zero(t, dlqCount)
	require.Zero(t, testutil.ToFloat64(dlqBacklog))

	producer := &stubProducer{}
	healthy := NewDispatcher(pool, producer, registry, 5*time.Millisecond, 10)
	require.NoError(t, healthy.processBatch(ctx))
	require.Len(t, producer.writes, 1)
	require.Len(t, producer.writes[0].messages, 1)
}

func TestDLQQuarantinesExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	_, err := pool.Exec(ctx, `INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count, next_retry_at)
        VALUES (1, $1, $2, '{}'::jsonb, 'kafka down', 'activity', 'a-1', $3, 'a-1', 3, NOW())`,
		events.TypeActivitySynced, events.TopicActivityEvents, events.TopicActivityEvents+"-value")
	require.NoError(t, err)

	manager := NewDLQManager(pool, 3, time.Second, zerolog.Nop())
	replayed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, replayed)

	var quarantined int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL`).Scan(&quarantined))
	require.Equal(t, 1, quarantined)
}

func TestDLQSchedulesRetryWhenRequeueFails(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	_, err := pool.Exec(ctx, `INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
        VALUES (1, $1, $2, '{}'::jsonb, 'kafka down', 'activity', 'a-1', '', 'a-1', NOW())`,
		events.TypeActivitySynced, events.TopicActivityEvents)
	require.NoError(t, err)

	manager := NewDLQManager(pool, 3, time.Minute, zerolog.Nop())
	replayed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, replayed)

	var retries int
	var reason string
	var nextRetry time.Time
	require.NoError(t, pool.QueryRow(ctx, `SELECT retry_count, reason, next_retry_at FROM outbox_dlq`).Scan(&retries, &reason, &nextRetry))
	require.Equal(t, 1, retries)
	require.Contains(t, reason, "missing schema_subject")
	require.True(t, nextRetry.After(time.Now().Add(30*time.Second)))

	// Not yet due, so a second pass leaves it alone.
	replayed, err = manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, replayed)
}
