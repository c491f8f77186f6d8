package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monkeyhouse_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "monkeyhouse_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// StreamConnectionsActive is the gauge of open SSE subscriptions per topic.
	StreamConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monkeyhouse_stream_connections_active",
		Help: "Number of open SSE subscriptions per topic",
	}, []string{"topic"})

	// StreamFramesTotal counts SSE frames written by topic and frame type.
	StreamFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monkeyhouse_stream_frames_total",
		Help: "Total SSE frames written by topic and frame type",
	}, []string{"topic", "type"})

	// StreamSnapshotLatency records how long a full snapshot re-query takes.
	StreamSnapshotLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "monkeyhouse_stream_snapshot_latency_seconds",
		Help:    "Latency of full snapshot queries serving SSE frames",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})

	// ChangeSignalsTotal counts change signals published to the bus.
	ChangeSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monkeyhouse_change_signals_total",
		Help: "Total change signals published by topic",
	}, []string{"topic"})

	// DecryptFailuresTotal counts messages whose stored envelope could not be
	// opened. Nonzero values usually mean a key rotation went wrong.
	DecryptFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monkeyhouse_decrypt_failures_total",
		Help: "Total message envelopes that failed to decrypt",
	})
)

// SubscriptionOpened increments the open subscription gauge for the topic.
func SubscriptionOpened(topic string) {
	StreamConnectionsActive.WithLabelValues(topic).Inc()
}

// SubscriptionClosed decrements the open subscription gauge for the topic.
func SubscriptionClosed(topic string) {
	StreamConnectionsActive.WithLabelValues(topic).Dec()
}

// RecordFrame increments the frame counter for the topic and frame type.
func RecordFrame(topic, frameType string) {
	StreamFramesTotal.WithLabelValues(topic, frameType).Inc()
}

// TrackSnapshot returns a function that records snapshot latency when called
// (e.g. defer).
func TrackSnapshot(topic string) func() {
	start := time.Now()
	return func() {
		StreamSnapshotLatency.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}
}
