package domain

// Webhook object and aspect types.
const (
	ObjectTypeActivity = "activity"
	ObjectTypeAthlete  = "athlete"

	AspectTypeCreate = "create"
	AspectTypeUpdate = "update"
	AspectTypeDelete = "delete"
)

// WebhookEvent is one push notification delivered by the upstream subscription.
type WebhookEvent struct {
	AspectType     string            `json:"aspect_type" validate:"required,oneof=create update delete"`
	ObjectType     string            `json:"object_type" validate:"required,oneof=activity athlete"`
	ObjectID       int64             `json:"object_id" validate:"required"`
	OwnerID        int64             `json:"owner_id" validate:"required"`
	EventTime      int64             `json:"event_time" validate:"required"`
	SubscriptionID int64             `json:"subscription_id"`
	Updates        map[string]string `json:"updates,omitempty"`
}

// Deauthorized reports whether the event announces that the athlete revoked access.
func (e WebhookEvent) Deauthorized() bool {
	return e.ObjectType == ObjectTypeAthlete && e.Updates["authorized"] == "false"
}
