// Package events defines the payloads published through the transactional outbox.
package events

import "time"

// Event types recorded in the outbox.
const (
	TypeActivitySynced  = "activity.synced"
	TypeActivityDeleted = "activity.deleted"
	TypeWebhookReceived = "strava.webhook_received"
)

// Topics the outbox publishes to.
const (
	TopicActivityEvents = "activity_events"
	TopicWebhookEvents  = "strava_webhook_events"
)

// Reasons carried by ActivityDeleted.
const (
	DeleteReasonSuperseded = "superseded"
	DeleteReasonUpstream   = "upstream_delete"
	DeleteReasonAborted    = "sync_aborted"
)

// ActivitySynced is emitted whenever an activity row is inserted or replaced.
type ActivitySynced struct {
	UpstreamID    int64     `json:"upstream_id"`
	UserID        string    `json:"user_id"`
	ContentHash   string    `json:"content_hash"`
	SportType     string    `json:"sport_type"`
	Distance      float64   `json:"distance"`
	ElevationGain float64   `json:"elevation_gain"`
	StartTime     time.Time `json:"start_time"`
	SyncedAt      time.Time `json:"synced_at"`
}

// ActivityDeleted is emitted when an activity is removed or soft-deleted.
type ActivityDeleted struct {
	UpstreamID int64     `json:"upstream_id"`
	UserID     string    `json:"user_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WebhookReceived carries an accepted webhook delivery to the webhook consumer.
type WebhookReceived struct {
	EventTime      int64             `json:"event_time"`
	ObjectID       int64             `json:"object_id"`
	ObjectType     string            `json:"object_type"`
	AspectType     string            `json:"aspect_type"`
	OwnerID        int64             `json:"owner_id"`
	SubscriptionID int64             `json:"subscription_id,omitempty"`
	Updates        map[string]string `json:"updates,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
}
