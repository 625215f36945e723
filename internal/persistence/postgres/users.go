package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/events"
)

// Location implements domain.UserStore. Users without a valid zone yield a nil location.
func (r *Repository) Location(ctx context.Context, userID string) (*time.Location, error) {
	var zone *string
	err := r.pool.QueryRow(ctx, `SELECT timezone FROM users WHERE user_id=$1`, userID).Scan(&zone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if zone == nil || *zone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(*zone)
	if err != nil {
		return nil, nil
	}
	return loc, nil
}

// PurgeRecentSync implements domain.UserStore: it clears the connected marker and
// soft-deletes activities created since the given instant.
func (r *Repository) PurgeRecentSync(ctx context.Context, userID string, since time.Time) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE users SET strava_connected = FALSE, updated_at = NOW() WHERE user_id=$1`, userID); err != nil {
		return err
	}

	rows, err := tx.Query(ctx, `UPDATE activities SET deleted_at = NOW(), updated_at = NOW()
        WHERE user_id=$1 AND deleted_at IS NULL AND created_at >= $2 RETURNING upstream_id, user_id`, userID, since)
	if err != nil {
		return err
	}
	if err := r.recordDeletions(ctx, tx, rows, events.DeleteReasonAborted); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Connected reports the user's connected marker.
func (r *Repository) Connected(ctx context.Context, userID string) (bool, error) {
	var connected bool
	err := r.pool.QueryRow(ctx, `SELECT strava_connected FROM users WHERE user_id=$1`, userID).Scan(&connected)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return connected, err
}

// Rank implements domain.Ranker. The activity is ranked by distance and elevation gain
// among every user's live activities on the same local calendar day.
func (r *Repository) Rank(ctx context.Context, activity domain.Activity) (domain.Ranking, error) {
	local := activity.StartTimeLocal
	if local.IsZero() {
		local = activity.StartTime
	}
	local = wallClock(local)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	const query = `SELECT
            COUNT(*) FILTER (WHERE distance > $2),
            COUNT(*) FILTER (WHERE elevation_gain > $3),
            COUNT(*)
        FROM activities
        WHERE deleted_at IS NULL AND start_date_local::date = $1::date AND upstream_id <> $4`

	var distanceAhead, elevationAhead, others int
	if err := r.pool.QueryRow(ctx, query, day, activity.Distance, activity.ElevationGain, activity.UpstreamID).
		Scan(&distanceAhead, &elevationAhead, &others); err != nil {
		return domain.Ranking{}, err
	}
	return domain.Ranking{
		Day:           day,
		DistanceRank:  distanceAhead + 1,
		ElevationRank: elevationAhead + 1,
		Participants:  others + 1,
	}, nil
}
