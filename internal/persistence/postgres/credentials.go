package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/stravasync/internal/domain"
)

const credentialColumns = `user_id, athlete_id, access_token, refresh_token, expires_at, scope, updated_at`

func scanCredential(row pgx.Row) (*domain.Credential, error) {
	var c domain.Credential
	if err := row.Scan(&c.UserID, &c.AthleteID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.Scope, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCredential implements domain.CredentialStore.
func (r *Repository) GetCredential(ctx context.Context, userID string) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM strava_credentials WHERE user_id=$1 AND deleted_at IS NULL`
	cred, err := scanCredential(r.pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrCredentialNotFound, userID)
	}
	return cred, err
}

// GetCredentialByAthlete implements domain.CredentialStore.
func (r *Repository) GetCredentialByAthlete(ctx context.Context, athleteID int64) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM strava_credentials WHERE athlete_id=$1 AND deleted_at IS NULL
        ORDER BY updated_at DESC LIMIT 1`
	cred, err := scanCredential(r.pool.QueryRow(ctx, query, athleteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: athlete %d", domain.ErrCredentialNotFound, athleteID)
	}
	return cred, err
}

// SaveCredential implements domain.CredentialStore. The user's single credential row is
// overwritten and the user is marked connected.
func (r *Repository) SaveCredential(ctx context.Context, cred domain.Credential) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO users (user_id, strava_connected) VALUES ($1, TRUE)
        ON CONFLICT (user_id) DO UPDATE SET strava_connected = TRUE, updated_at = NOW()`, cred.UserID); err != nil {
		return err
	}

	const upsert = `INSERT INTO strava_credentials (user_id, athlete_id, access_token, refresh_token, expires_at, scope, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,NOW())
        ON CONFLICT (user_id) DO UPDATE SET
            athlete_id = EXCLUDED.athlete_id,
            access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            expires_at = EXCLUDED.expires_at,
            scope = EXCLUDED.scope,
            updated_at = NOW(),
            deleted_at = NULL`
	if _, err := tx.Exec(ctx, upsert, cred.UserID, cred.AthleteID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.Scope); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteCredential implements domain.CredentialStore with a hard delete.
func (r *Repository) DeleteCredential(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM strava_credentials WHERE user_id=$1`, userID)
	return err
}

// DisconnectAthlete implements domain.CredentialStore. The credential is soft-deleted
// and the owning users lose their connected marker.
func (r *Repository) DisconnectAthlete(ctx context.Context, athleteID int64) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `UPDATE strava_credentials SET deleted_at = NOW(), updated_at = NOW()
        WHERE athlete_id=$1 AND deleted_at IS NULL RETURNING user_id`, athleteID)
	if err != nil {
		return err
	}
	userIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}

	if len(userIDs) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE users SET strava_connected = FALSE, updated_at = NOW() WHERE user_id = ANY($1)`, userIDs); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
