// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion Router
	RouterEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_router_events_total",
			Help: "Events handled by the ingestion router by outcome",
		},
		[]string{"region", "outcome"}, // delivered, deferred, rejected
	)

	LogAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_log_appends_total",
			Help: "Durable log appends by destination and result",
		},
		[]string{"region", "destination", "result"},
	)

	LogAppendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callstream_log_append_duration_seconds",
			Help:    "Latency of durable log appends",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	LogCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "callstream_log_circuit_state",
			Help: "Circuit breaker state of the log appender (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Retry Coordinator
	RetrySubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callstream_retry_envelopes_submitted_total",
			Help: "Failed appends handed to the retry coordinator",
		},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_retry_attempts_total",
			Help: "Retry attempts by result",
		},
		[]string{"result"}, // success, failure
	)

	RetryPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callstream_retry_envelopes_pending",
			Help: "Envelopes waiting for their next attempt",
		},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_dead_letters_total",
			Help: "Items written to the dead-letter sink. Alert when this increases.",
		},
		[]string{"source", "reason"},
	)

	// Stream Consumer
	ConsumerBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_consumer_batches_total",
			Help: "Batches handed to a handler by result",
		},
		[]string{"handler", "result"}, // ok, error, timeout
	)

	ConsumerBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callstream_consumer_batch_duration_seconds",
			Help:    "Time spent in a batch handler call",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"handler"},
	)

	ConsumerBisections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_consumer_bisections_total",
			Help: "Failed batches split in half to isolate poison records",
		},
		[]string{"handler"},
	)

	ConsumerItemFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_consumer_item_failures_total",
			Help: "Records reported as partial-batch item failures",
		},
		[]string{"region", "handler"},
	)

	ConsumerCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_consumer_records_committed_total",
			Help: "Records acknowledged after successful handling",
		},
		[]string{"region", "handler"},
	)

	// Dialogue Aggregator
	AggregatorApplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_aggregator_applies_total",
			Help: "Events applied to dialogues by outcome",
		},
		[]string{"event_type", "outcome"}, // applied, duplicate, unknown_type, terminal_noop, error
	)

	AggregatorConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callstream_aggregator_store_conflicts_total",
			Help: "Optimistic transaction conflicts retried by the aggregator",
		},
	)

	DialoguesFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_dialogues_finalized_total",
			Help: "Dialogues that reached a terminal status",
		},
		[]string{"status"},
	)

	// Change Publisher
	PublisherSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callstream_publisher_subscriptions",
			Help: "Active org-scoped subscriptions",
		},
	)

	PublisherDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_publisher_deliveries_total",
			Help: "Change deliveries by result",
		},
		[]string{"result"}, // delivered, retried
	)

	PublisherDeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_publisher_delivery_failures_total",
			Help: "Deliveries dropped after retry exhaustion or a full queue",
		},
		[]string{"reason"}, // exhausted, queue_full
	)

	// Metrics Transformer and sink
	TransformerRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_transformer_records_total",
			Help: "Metric records transformed by result",
		},
		[]string{"result"}, // ok, malformed
	)

	SinkRowsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callstream_sink_rows_written_total",
			Help: "Metric rows written to the columnar sink",
		},
	)

	SinkWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "callstream_sink_write_duration_seconds",
			Help:    "Latency of columnar sink batch writes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Historical Indexer
	IndexerDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_indexer_documents_total",
			Help: "Search documents written by result",
		},
		[]string{"result"}, // indexed, failed, dropped
	)

	// API
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callstream_api_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callstream_api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordRouted records the outcome of one Route call.
func RecordRouted(region, outcome string) {
	RouterEvents.WithLabelValues(region, outcome).Inc()
}

// RecordLogAppend records one append attempt and its latency.
func RecordLogAppend(region, destination string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LogAppends.WithLabelValues(region, destination, result).Inc()
	LogAppendDuration.WithLabelValues(destination).Observe(duration.Seconds())
}

// RecordRetryAttempt records one retry attempt.
func RecordRetryAttempt(success bool) {
	if success {
		RetryAttempts.WithLabelValues("success").Inc()
		return
	}
	RetryAttempts.WithLabelValues("failure").Inc()
}

// RecordDeadLetter records an item moved to the dead-letter sink.
func RecordDeadLetter(source, reason string) {
	DeadLetters.WithLabelValues(source, reason).Inc()
}

// RecordBatch records one handler invocation.
func RecordBatch(handler, result string, duration time.Duration) {
	ConsumerBatches.WithLabelValues(handler, result).Inc()
	ConsumerBatchDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

// RecordCommit records acked and failed records of one fetched batch.
func RecordCommit(region, handler string, committed, failed int) {
	if committed > 0 {
		ConsumerCommitted.WithLabelValues(region, handler).Add(float64(committed))
	}
	if failed > 0 {
		ConsumerItemFailures.WithLabelValues(region, handler).Add(float64(failed))
	}
}

// RecordApply records one aggregator apply outcome.
func RecordApply(eventType, outcome string) {
	AggregatorApplies.WithLabelValues(eventType, outcome).Inc()
}

// RecordDelivery records a successful delivery; attempts > 1 also counts
// as retried.
func RecordDelivery(attempts int) {
	PublisherDeliveries.WithLabelValues("delivered").Inc()
	if attempts > 1 {
		PublisherDeliveries.WithLabelValues("retried").Add(float64(attempts - 1))
	}
}

// RecordDeliveryFailure records a dropped delivery.
func RecordDeliveryFailure(reason string) {
	PublisherDeliveryFailures.WithLabelValues(reason).Inc()
}

// RecordAPIRequest records one HTTP request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
