// Package postgres implements the domain stores on PostgreSQL. Every write that other
// services care about records an outbox row in the same transaction.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/stravasync/internal/events"
)

// Repository provides Postgres-backed persistence for credentials, activities, users,
// the webhook replay log and outbox events.
type Repository struct {
	pool          *pgxpool.Pool
	webhookOutbox bool
	now           func() time.Time
}

// Option customises the Repository.
type Option func(*Repository)

// WithWebhookOutbox makes RecordWebhookEvent enqueue accepted deliveries on the outbox
// so the webhook consumer processes them.
func WithWebhookOutbox(enabled bool) Option {
	return func(r *Repository) {
		r.webhookOutbox = enabled
	}
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	partitionKey := meta.PartitionKeyFn(payload)
	dedupeKey := fmt.Sprintf("%s:%s:%d", aggregateID, eventType, r.now().UnixNano())

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		aggregateType,
		aggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		partitionKey,
		body,
		dedupeKey,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(payload interface{}) string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeActivitySynced: {
		Topic:         events.TopicActivityEvents,
		SchemaSubject: events.TopicActivityEvents + "-value",
		PartitionKeyFn: func(p interface{}) string {
			return p.(events.ActivitySynced).UserID
		},
	},
	events.TypeActivityDeleted: {
		Topic:         events.TopicActivityEvents,
		SchemaSubject: events.TopicActivityEvents + "-value",
		PartitionKeyFn: func(p interface{}) string {
			return p.(events.ActivityDeleted).UserID
		},
	},
	events.TypeWebhookReceived: {
		Topic:         events.TopicWebhookEvents,
		SchemaSubject: events.TopicWebhookEvents + "-value",
		PartitionKeyFn: func(p interface{}) string {
			return fmt.Sprintf("%d", p.(events.WebhookReceived).OwnerID)
		},
	},
}

// wallClock drops the zone but keeps the local wall-clock reading, which is what the
// TIMESTAMP column stores.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
