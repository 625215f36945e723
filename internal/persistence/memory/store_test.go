package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/stravasync/internal/domain"
)

func TestUpsertRejectsSecondLiveRowForHash(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertActivities(ctx, []domain.Activity{{UpstreamID: 1, UserID: "u", ContentHash: "h", StartTime: start}}))
	err := store.UpsertActivities(ctx, []domain.Activity{{UpstreamID: 2, UserID: "u", ContentHash: "h", StartTime: start}})
	require.ErrorIs(t, err, domain.ErrPersistenceFailed)

	deleted, err := store.SoftDeleteByUpstreamID(ctx, 1)
	require.NoError(t, err)
	require.True(t, deleted)
	require.NoError(t, store.UpsertActivities(ctx, []domain.Activity{{UpstreamID: 2, UserID: "u", ContentHash: "h", StartTime: start}}))
}

func TestUpsertRestoresSoftDeletedRow(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertActivities(ctx, []domain.Activity{{UpstreamID: 1, UserID: "u", ContentHash: "h"}}))
	_, err := store.SoftDeleteByUpstreamID(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, store.Live("u"))

	require.NoError(t, store.UpsertActivities(ctx, []domain.Activity{{UpstreamID: 1, UserID: "u", ContentHash: "h"}}))
	require.Len(t, store.Live("u"), 1)
}

func TestListByUserPaginates(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var batch []domain.Activity
	for i := 1; i <= 5; i++ {
		batch = append(batch, domain.Activity{UpstreamID: int64(i), UserID: "u", ContentHash: string(rune('a' + i)), StartTime: base.Add(time.Duration(i) * time.Hour)})
	}
	require.NoError(t, store.UpsertActivities(ctx, batch))

	page, next, err := store.ListByUser(ctx, "u", nil, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 4}, ids(page))
	require.NotNil(t, next)

	page, next, err = store.ListByUser(ctx, "u", next, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 2}, ids(page))

	page, next, err = store.ListByUser(ctx, "u", next, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids(page))
	require.Nil(t, next)
}

func TestRecordWebhookEventDetectsReplay(t *testing.T) {
	store := NewStore()
	evt := domain.WebhookEvent{EventTime: 1, ObjectID: 2, ObjectType: "activity", AspectType: "create", OwnerID: 3}

	fresh, err := store.RecordWebhookEvent(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = store.RecordWebhookEvent(context.Background(), evt)
	require.NoError(t, err)
	require.False(t, fresh)
	require.Equal(t, 1, store.WebhookEventCount())
}

func TestPurgeRecentSync(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	store.SetClock(func() time.Time { return now.Add(-2 * time.Hour) })
	require.NoError(t, store.UpsertActivities(ctx, []domain.Activity{{UpstreamID: 1, UserID: "u", ContentHash: "old"}}))
	store.SetClock(func() time.Time { return now.Add(-5 * time.Minute) })
	require.NoError(t, store.UpsertActivities(ctx, []domain.Activity{{UpstreamID: 2, UserID: "u", ContentHash: "new"}}))
	require.NoError(t, store.SaveCredential(ctx, domain.Credential{UserID: "u"}))
	require.True(t, store.Connected("u"))

	store.SetClock(func() time.Time { return now })
	require.NoError(t, store.PurgeRecentSync(ctx, "u", now.Add(-30*time.Minute)))

	require.Equal(t, []int64{1}, ids(store.Live("u")))
	require.False(t, store.Connected("u"))
}

func TestRank(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertActivities(ctx, []domain.Activity{
		{UpstreamID: 1, UserID: "a", ContentHash: "1", Distance: 50000, ElevationGain: 100, StartTimeLocal: day},
		{UpstreamID: 2, UserID: "b", ContentHash: "2", Distance: 30000, ElevationGain: 900, StartTimeLocal: day.Add(time.Hour)},
		{UpstreamID: 3, UserID: "c", ContentHash: "3", Distance: 90000, ElevationGain: 900, StartTimeLocal: day.Add(-48 * time.Hour)},
	}))

	ranking, err := store.Rank(ctx, domain.Activity{UpstreamID: 2, Distance: 30000, ElevationGain: 900, StartTimeLocal: day.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 2, ranking.DistanceRank)
	require.Equal(t, 1, ranking.ElevationRank)
	require.Equal(t, 2, ranking.Participants)
}

func ids(items []domain.Activity) []int64 {
	out := make([]int64, 0, len(items))
	for _, a := range items {
		out = append(out, a.UpstreamID)
	}
	return out
}
