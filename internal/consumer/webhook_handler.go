package consumer

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/events"
)

// EventProcessor performs the substantive work for one webhook event.
type EventProcessor interface {
	Process(ctx context.Context, evt domain.WebhookEvent) error
}

// WebhookHandler turns strava.webhook_received records back into webhook events.
type WebhookHandler struct {
	processor EventProcessor
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(processor EventProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// Handle implements Handler. Records of other event types are acknowledged untouched.
func (h *WebhookHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeWebhookReceived {
		return nil
	}

	var payload events.WebhookReceived
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.EventType, err)
	}

	return h.processor.Process(ctx, domain.WebhookEvent{
		AspectType:     payload.AspectType,
		ObjectType:     payload.ObjectType,
		ObjectID:       payload.ObjectID,
		OwnerID:        payload.OwnerID,
		EventTime:      payload.EventTime,
		SubscriptionID: payload.SubscriptionID,
		Updates:        payload.Updates,
	})
}
