package outbox

import "github.com/prometheus/client_golang/prometheus"

// Delivery results and DLQ replay outcomes used as metric labels.
const (
	resultDelivered    = "delivered"
	resultDeadLettered = "dead_lettered"

	outcomeRequeued    = "requeued"
	outcomeRetry       = "retry_scheduled"
	outcomeQuarantined = "quarantined"
)

var (
	publishedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stravasync",
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Outbox events handled by the dispatcher, grouped by topic, event type and result.",
	}, []string{"topic", "event_type", "result"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stravasync",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent claiming, publishing and marking one outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stravasync",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ replay attempts grouped by topic, event type and outcome.",
	}, []string{"topic", "event_type", "outcome"})

	dlqBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stravasync",
		Subsystem: "dlq",
		Name:      "backlog_entries",
		Help:      "DLQ entries still waiting for replay.",
	})
)

func init() {
	prometheus.MustRegister(publishedEvents, batchDuration, dlqEntries, dlqBacklog)
}

func recordPublished(messages []Message, result string) {
	for _, msg := range messages {
		publishedEvents.WithLabelValues(msg.Topic, msg.EventType, result).Inc()
	}
}

func recordDLQOutcome(entry dlqEntry, outcome string) {
	dlqEntries.WithLabelValues(entry.Topic, entry.EventType, outcome).Inc()
}
