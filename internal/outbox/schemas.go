package outbox

const activitySyncedSchema = `{
  "type": "object",
  "title": "ActivitySynced",
  "properties": {
    "upstream_id": {"type": "integer"},
    "user_id": {"type": "string"},
    "content_hash": {"type": "string"},
    "sport_type": {"type": "string"},
    "distance": {"type": "number"},
    "elevation_gain": {"type": "number"},
    "start_time": {"type": "string", "format": "date-time"},
    "synced_at": {"type": "string", "format": "date-time"}
  },
  "required": ["upstream_id", "user_id", "content_hash", "start_time", "synced_at"],
  "additionalProperties": false
}`

const activityDeletedSchema = `{
  "type": "object",
  "title": "ActivityDeleted",
  "properties": {
    "upstream_id": {"type": "integer"},
    "user_id": {"type": "string"},
    "reason": {"type": "string", "enum": ["superseded", "upstream_delete", "sync_aborted"]},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["upstream_id", "user_id", "reason", "occurred_at"],
  "additionalProperties": false
}`

const webhookReceivedSchema = `{
  "type": "object",
  "title": "StravaWebhookReceived",
  "properties": {
    "event_time": {"type": "integer"},
    "object_id": {"type": "integer"},
    "object_type": {"type": "string"},
    "aspect_type": {"type": "string"},
    "owner_id": {"type": "integer"},
    "subscription_id": {"type": "integer"},
    "updates": {"type": "object", "additionalProperties": {"type": "string"}},
    "received_at": {"type": "string", "format": "date-time"}
  },
  "required": ["event_time", "object_id", "object_type", "aspect_type", "owner_id", "received_at"],
  "additionalProperties": false
}`
