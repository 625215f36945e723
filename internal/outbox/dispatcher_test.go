package outbox

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/stravasync/internal/events"
)

func TestEncodeWireFormat(t *testing.T) {
	frame := encodeWireFormat(42, []byte(`{"a":1}`))
	require.Equal(t, byte(0), frame[0])
	require.Equal(t, uint32(42), binary.BigEndian.Uint32(frame[1:5]))
	require.JSONEq(t, `{"a":1}`, string(frame[5:]))
}

func TestSchemaCatalogCoversEventTypes(t *testing.T) {
	for _, eventType := range []string{events.TypeActivitySynced, events.TypeActivityDeleted, events.TypeWebhookReceived} {
		entry, ok := schemaCatalog[eventType]
		require.True(t, ok, eventType)

		var schema map[string]any
		require.NoError(t, json.Unmarshal([]byte(entry.Schema), &schema), eventType)
		require.Equal(t, "object", schema["type"])
	}
}

func TestDLQBackoffDelay(t *testing.T) {
	m := NewDLQManager(nil, 5, time.Minute, zerolog.Nop())
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, time.Hour, m.backoffDelay(10))
}

func TestRecordPublishedLabelsByEventType(t *testing.T) {
	synced := publishedEvents.WithLabelValues(events.TopicActivityEvents, events.TypeActivitySynced, resultDelivered)
	deleted := publishedEvents.WithLabelValues(events.TopicActivityEvents, events.TypeActivityDeleted, resultDelivered)
	beforeSynced, beforeDeleted := testutil.ToFloat64(synced), testutil.ToFloat64(deleted)

	recordPublished([]Message{
		{Topic: events.TopicActivityEvents, EventType: events.TypeActivitySynced},
		{Topic: events.TopicActivityEvents, EventType: events.TypeActivitySynced},
		{Topic: events.TopicActivityEvents, EventType: events.TypeActivityDeleted},
	}, resultDelivered)

	require.Equal(t, beforeSynced+2, testutil.ToFloat64(synced))
	require.Equal(t, beforeDeleted+1, testutil.ToFloat64(deleted))
}
