package postgres

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/events"
)

const activityColumns = `upstream_id, user_id, athlete_id, name, sport_type, distance, elevation_gain, start_date, start_date_local,
        average_speed, max_speed, average_watts, max_watts, average_cadence, max_heartrate, visibility, description,
        content_hash, raw_payload, created_at, updated_at, deleted_at`

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var a domain.Activity
	var raw []byte
	err := row.Scan(&a.UpstreamID, &a.UserID, &a.AthleteID, &a.Name, &a.SportType, &a.Distance, &a.ElevationGain,
		&a.StartTime, &a.StartTimeLocal, &a.AverageSpeed, &a.MaxSpeed, &a.AverageWatts, &a.MaxWatts,
		&a.AverageCadence, &a.MaxHeartrate, &a.Visibility, &a.Description, &a.ContentHash, &raw,
		&a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	a.RawPayload = raw
	return a, err
}

func collectActivities(rows pgx.Rows) ([]domain.Activity, error) {
	defer rows.Close()
	out := make([]domain.Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindByContentHashes implements domain.ActivityStore.
func (r *Repository) FindByContentHashes(ctx context.Context, userID string, hashes []string) ([]domain.Activity, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	query := `SELECT ` + activityColumns + ` FROM activities
        WHERE user_id=$1 AND content_hash = ANY($2) AND deleted_at IS NULL
        ORDER BY start_date DESC, upstream_id DESC`
	rows, err := r.pool.Query(ctx, query, userID, hashes)
	if err != nil {
		return nil, err
	}
	return collectActivities(rows)
}

// DeleteByUpstreamIDs implements domain.ActivityStore with a hard delete.
func (r *Repository) DeleteByUpstreamIDs(ctx context.Context, upstreamIDs []int64) error {
	if len(upstreamIDs) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `DELETE FROM activities WHERE upstream_id = ANY($1) RETURNING upstream_id, user_id`, upstreamIDs)
	if err != nil {
		return err
	}
	if err := r.recordDeletions(ctx, tx, rows, events.DeleteReasonSuperseded); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertActivities implements domain.ActivityStore. Rows are keyed on upstream id and a
// re-upsert revives a soft-deleted row.
func (r *Repository) UpsertActivities(ctx context.Context, activities []domain.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	seenUsers := make(map[string]struct{})
	for _, a := range activities {
		if _, ok := seenUsers[a.UserID]; ok {
			continue
		}
		seenUsers[a.UserID] = struct{}{}
		if _, err := tx.Exec(ctx, `INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, a.UserID); err != nil {
			return err
		}
	}

	const upsert = `INSERT INTO activities (upstream_id, user_id, athlete_id, name, sport_type, distance, elevation_gain,
            start_date, start_date_local, average_speed, max_speed, average_watts, max_watts, average_cadence,
            max_heartrate, visibility, description, content_hash, raw_payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
        ON CONFLICT (upstream_id) DO UPDATE SET
            user_id = EXCLUDED.user_id,
            athlete_id = EXCLUDED.athlete_id,
            name = EXCLUDED.name,
            sport_type = EXCLUDED.sport_type,
            distance = EXCLUDED.distance,
            elevation_gain = EXCLUDED.elevation_gain,
            start_date = EXCLUDED.start_date,
            start_date_local = EXCLUDED.start_date_local,
            average_speed = EXCLUDED.average_speed,
            max_speed = EXCLUDED.max_speed,
            average_watts = EXCLUDED.average_watts,
            max_watts = EXCLUDED.max_watts,
            average_cadence = EXCLUDED.average_cadence,
            max_heartrate = EXCLUDED.max_heartrate,
            visibility = EXCLUDED.visibility,
            description = EXCLUDED.description,
            content_hash = EXCLUDED.content_hash,
            raw_payload = EXCLUDED.raw_payload,
            updated_at = NOW(),
            deleted_at = NULL`

	syncedAt := r.now().UTC()
	for _, a := range activities {
		var raw []byte
		if len(a.RawPayload) > 0 {
			raw = a.RawPayload
		}
		if _, err := tx.Exec(ctx, upsert,
			a.UpstreamID, a.UserID, a.AthleteID, a.Name, a.SportType, a.Distance, a.ElevationGain,
			a.StartTime.UTC(), wallClock(a.StartTimeLocal), a.AverageSpeed, a.MaxSpeed, a.AverageWatts, a.MaxWatts,
			a.AverageCadence, a.MaxHeartrate, a.Visibility, a.Description, a.ContentHash, raw,
		); err != nil {
			return err
		}

		if err := r.insertOutbox(ctx, tx, "activity", strconv.FormatInt(a.UpstreamID, 10), events.TypeActivitySynced, events.ActivitySynced{
			UpstreamID:    a.UpstreamID,
			UserID:        a.UserID,
			ContentHash:   a.ContentHash,
			SportType:     a.SportType,
			Distance:      a.Distance,
			ElevationGain: a.ElevationGain,
			StartTime:     a.StartTime.UTC(),
			SyncedAt:      syncedAt,
		}); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// SoftDeleteByUpstreamID implements domain.ActivityStore.
func (r *Repository) SoftDeleteByUpstreamID(ctx context.Context, upstreamID int64) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `UPDATE activities SET deleted_at = NOW(), updated_at = NOW()
        WHERE upstream_id=$1 AND deleted_at IS NULL RETURNING upstream_id, user_id`, upstreamID)
	if err != nil {
		return false, err
	}
	deleted, err := r.collectDeletions(rows)
	if err != nil {
		return false, err
	}
	if len(deleted) == 0 {
		return false, tx.Commit(ctx)
	}
	if err := r.emitDeletions(ctx, tx, deleted, events.DeleteReasonUpstream); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ListByUser returns the user's live activities, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE user_id=$1 AND deleted_at IS NULL`

	if cursor != nil {
		query += ` AND (start_date, upstream_id) < ($3, $4)`
		args = append(args, cursor.StartTime, cursor.UpstreamID)
	}

	query += ` ORDER BY start_date DESC, upstream_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	results, err := collectActivities(rows)
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{StartTime: last.StartTime, UpstreamID: last.UpstreamID}
	}
	return results, nextCursor, nil
}

type deletion struct {
	upstreamID int64
	userID     string
}

func (r *Repository) collectDeletions(rows pgx.Rows) ([]deletion, error) {
	defer rows.Close()
	var out []deletion
	for rows.Next() {
		var d deletion
		if err := rows.Scan(&d.upstreamID, &d.userID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *Repository) emitDeletions(ctx context.Context, tx pgx.Tx, deleted []deletion, reason string) error {
	occurred := r.now().UTC()
	for _, d := range deleted {
		if err := r.insertOutbox(ctx, tx, "activity", strconv.FormatInt(d.upstreamID, 10), events.TypeActivityDeleted, events.ActivityDeleted{
			UpstreamID: d.upstreamID,
			UserID:     d.userID,
			Reason:     reason,
			OccurredAt: occurred,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) recordDeletions(ctx context.Context, tx pgx.Tx, rows pgx.Rows, reason string) error {
	deleted, err := r.collectDeletions(rows)
	if err != nil {
		return err
	}
	return r.emitDeletions(ctx, tx, deleted, reason)
}
