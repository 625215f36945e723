package postgres

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/events"
)

// RecordWebhookEvent implements domain.WebhookLog. The natural-key constraint turns a
// replayed delivery into a no-op insert.
func (r *Repository) RecordWebhookEvent(ctx context.Context, evt domain.WebhookEvent) (bool, error) {
	var updates []byte
	if len(evt.Updates) > 0 {
		encoded, err := json.Marshal(evt.Updates)
		if err != nil {
			return false, err
		}
		updates = encoded
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `INSERT INTO webhook_event_log (event_time, object_id, object_type, aspect_type, owner_id, subscription_id, updates)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT ON CONSTRAINT webhook_event_log_natural_key DO NOTHING`,
		evt.EventTime, evt.ObjectID, evt.ObjectType, evt.AspectType, evt.OwnerID, evt.SubscriptionID, updates)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if r.webhookOutbox {
		aggregateID := fmt.Sprintf("%s:%d", evt.ObjectType, evt.ObjectID)
		if err := r.insertOutbox(ctx, tx, "webhook", aggregateID, events.TypeWebhookReceived, events.WebhookReceived{
			EventTime:      evt.EventTime,
			ObjectID:       evt.ObjectID,
			ObjectType:     evt.ObjectType,
			AspectType:     evt.AspectType,
			OwnerID:        evt.OwnerID,
			SubscriptionID: evt.SubscriptionID,
			Updates:        evt.Updates,
			ReceivedAt:     r.now().UTC(),
		}); err != nil {
			return false, err
		}
	}
	return true, tx.Commit(ctx)
}
