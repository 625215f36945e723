package domain

import (
	"context"
	"time"
)

// CredentialStore persists one OAuth credential per user.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*Credential, error)
	GetCredentialByAthlete(ctx context.Context, athleteID int64) (*Credential, error)
	SaveCredential(ctx context.Context, credential Credential) error
	DeleteCredential(ctx context.Context, userID string) error
	DisconnectAthlete(ctx context.Context, athleteID int64) error
}

// ActivityStore captures activity persistence operations.
type ActivityStore interface {
	FindByContentHashes(ctx context.Context, userID string, hashes []string) ([]Activity, error)
	DeleteByUpstreamIDs(ctx context.Context, upstreamIDs []int64) error
	UpsertActivities(ctx context.Context, activities []Activity) error
	SoftDeleteByUpstreamID(ctx context.Context, upstreamID int64) (bool, error)
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Activity, *Cursor, error)
}

// WebhookLog is the append-only replay guard for webhook deliveries. RecordWebhookEvent returns
// false when the natural key was already recorded.
type WebhookLog interface {
	RecordWebhookEvent(ctx context.Context, event WebhookEvent) (bool, error)
}

// UserStore exposes the user settings the pipeline depends on.
type UserStore interface {
	Location(ctx context.Context, userID string) (*time.Location, error)
	PurgeRecentSync(ctx context.Context, userID string, since time.Time) error
}

// Ranker computes the ranking context of an activity.
type Ranker interface {
	Rank(ctx context.Context, activity Activity) (Ranking, error)
}
