// Package webhook accepts upstream push notifications and processes them off the request path.
package webhook

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/observability"
)

// Acceptance describes what happened to a delivery at the receiver.
type Acceptance string

const (
	AcceptanceQueued    Acceptance = "queued"
	AcceptanceDuplicate Acceptance = "duplicate"
	AcceptanceIgnored   Acceptance = "ignored"
	AcceptanceDropped   Acceptance = "dropped"
)

// Queue hands accepted events to background processing.
type Queue interface {
	Enqueue(ctx context.Context, evt domain.WebhookEvent) error
}

// OutboxQueue is used when the replay-guard insert already recorded the event in the
// transactional outbox; the consumer picks it up from Kafka.
type OutboxQueue struct{}

// Enqueue implements Queue.
func (OutboxQueue) Enqueue(context.Context, domain.WebhookEvent) error { return nil }

// Receiver validates deliveries, records them in the replay guard and queues fresh ones.
type Receiver struct {
	log      domain.WebhookLog
	queue    Queue
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewReceiver constructs a Receiver.
func NewReceiver(log domain.WebhookLog, queue Queue, logger zerolog.Logger) *Receiver {
	return &Receiver{
		log:      log,
		queue:    queue,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Accept never fails a delivery for reasons the upstream could fix by retrying; the
// returned error is informational and the caller still acknowledges the event.
func (r *Receiver) Accept(ctx context.Context, evt domain.WebhookEvent) (Acceptance, error) {
	logger := eventLogger(r.logger, evt)

	if err := r.validate.Struct(evt); err != nil {
		observability.RecordWebhookEvent(evt.AspectType, string(AcceptanceIgnored))
		logger.Warn().Err(err).Msg("ignoring malformed webhook event")
		return AcceptanceIgnored, nil
	}

	fresh, err := r.log.RecordWebhookEvent(ctx, evt)
	if err != nil {
		// Losing the replay guard risks one duplicate round of idempotent processing.
		logger.Error().Err(err).Msg("record webhook event")
		fresh = true
	}
	if !fresh {
		observability.RecordWebhookEvent(evt.AspectType, string(AcceptanceDuplicate))
		logger.Debug().Msg("duplicate webhook delivery")
		return AcceptanceDuplicate, nil
	}

	if !relevant(evt) {
		observability.RecordWebhookEvent(evt.AspectType, string(AcceptanceIgnored))
		return AcceptanceIgnored, nil
	}

	if err := r.queue.Enqueue(ctx, evt); err != nil {
		observability.RecordWebhookEvent(evt.AspectType, string(AcceptanceDropped))
		logger.Error().Err(err).Msg("enqueue webhook event")
		return AcceptanceDropped, fmt.Errorf("enqueue webhook event: %w", err)
	}
	observability.RecordWebhookEvent(evt.AspectType, string(AcceptanceQueued))
	return AcceptanceQueued, nil
}

func relevant(evt domain.WebhookEvent) bool {
	switch evt.ObjectType {
	case domain.ObjectTypeActivity:
		return true
	case domain.ObjectTypeAthlete:
		return evt.Deauthorized()
	default:
		return false
	}
}

func eventLogger(logger zerolog.Logger, evt domain.WebhookEvent) zerolog.Logger {
	return logger.With().
		Int64("object_id", evt.ObjectID).
		Int64("owner_id", evt.OwnerID).
		Str("object_type", evt.ObjectType).
		Str("aspect_type", evt.AspectType).
		Int64("event_time", evt.EventTime).
		Logger()
}
