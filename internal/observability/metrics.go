package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stravasync"

// Consumer outcomes.
const (
	ConsumedProcessed    = "processed"
	ConsumedHandlerError = "handler_error"
	ConsumedDecodeError  = "decode_error"
)

var (
	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity batch persisted to Postgres.",
	})

	activitiesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "activities_persisted_total",
		Help:      "Number of activities upserted by sync runs and webhooks.",
	})

	duplicatesRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dedupe",
		Name:      "stale_activities_removed_total",
		Help:      "Number of stored activities replaced by a re-uploaded copy with a newer upstream id.",
	})

	syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Sync runs grouped by terminal stage and error code.",
	}, []string{"stage", "code"})

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of sync runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "token",
		Name:      "refreshes_total",
		Help:      "Token refresh checks grouped by result (reused, refreshed, failed).",
	}, []string{"result"})

	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook deliveries grouped by aspect type and outcome.",
	}, []string{"aspect_type", "outcome"})

	upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Requests to the fitness API grouped by operation and HTTP status.",
	}, []string{"operation", "status"})

	upstreamRateUsage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "rate_limit_usage",
		Help:      "Last reported upstream rate limit usage per window.",
	}, []string{"window"})

	consumerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Kafka records read by the webhook consumer, grouped by topic, event type and outcome.",
	}, []string{"topic", "event_type", "outcome"})

	consumerLastProcessed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "last_processed_timestamp_seconds",
		Help:      "Record timestamp of the most recent committed message per topic.",
	}, []string{"topic"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})
)

func init() {
	prometheus.MustRegister(
		activityPersistGauge,
		activitiesPersisted,
		duplicatesRemoved,
		syncRuns,
		syncDuration,
		tokenRefreshes,
		webhookEvents,
		upstreamRequests,
		upstreamRateUsage,
		breakerState,
		consumerMessages,
		consumerLastProcessed,
	)
}

// RecordActivityPersisted updates the persistence watermark gauge and counter.
func RecordActivityPersisted(ts time.Time, count int) {
	if count > 0 {
		activitiesPersisted.Add(float64(count))
	}
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}

// RecordStaleRemoved counts stored rows removed by reconciliation.
func RecordStaleRemoved(count int) {
	if count <= 0 {
		return
	}
	duplicatesRemoved.Add(float64(count))
}

// RecordSyncRun records the terminal stage of a sync run.
func RecordSyncRun(stage, code string, elapsed time.Duration) {
	syncRuns.WithLabelValues(stage, code).Inc()
	syncDuration.Observe(elapsed.Seconds())
}

// RecordTokenRefresh records the result of a token freshness check.
func RecordTokenRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordWebhookEvent records the outcome of a webhook delivery or processing step.
func RecordWebhookEvent(aspectType, outcome string) {
	webhookEvents.WithLabelValues(aspectType, outcome).Inc()
}

// RecordUpstreamRequest records one upstream call.
func RecordUpstreamRequest(operation, status string) {
	upstreamRequests.WithLabelValues(operation, status).Inc()
}

// RecordRateLimitUsage stores the usage figures reported by the upstream API.
func RecordRateLimitUsage(window string, used float64) {
	upstreamRateUsage.WithLabelValues(window).Set(used)
}

// RecordBreakerState stores the numeric circuit breaker state.
func RecordBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordConsumed counts one consumed record. Processed records also advance the
// per-topic watermark used to alert on consumer lag.
func RecordConsumed(topic, eventType, outcome string, ts time.Time) {
	consumerMessages.WithLabelValues(topic, eventType, outcome).Inc()
	if outcome == ConsumedProcessed && !ts.IsZero() {
		consumerLastProcessed.WithLabelValues(topic).Set(float64(ts.Unix()))
	}
}
