// Package observability wires tracing and metrics for the order pipeline.
//
// This file exposes Prometheus collectors for the order pipeline itself, as
// opposed to HTTP traffic. Labels are restricted to small closed sets (queue
// name, subscriber name, outcome) to keep cardinality bounded.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OrdersIngested counts ingestion results by outcome
	// (accepted, conflict, rejected, error).
	OrdersIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderpipeline_orders_ingested_total",
			Help: "Orders submitted to the ingestion path, by outcome.",
		},
		[]string{"outcome"},
	)

	// NotifierPublish counts per-subscriber publish results
	// (published, failed).
	NotifierPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderpipeline_notifier_publish_total",
			Help: "Notification publishes per subscriber, by outcome.",
		},
		[]string{"subscriber", "outcome"},
	)

	// NotifierRetries counts publish attempts beyond the first.
	NotifierRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderpipeline_notifier_retries_total",
			Help: "Publish retries per subscriber.",
		},
		[]string{"subscriber"},
	)

	// QueueEnqueued counts messages accepted by the delivery queue.
	QueueEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderpipeline_queue_enqueued_total",
			Help: "Messages enqueued, by queue.",
		},
		[]string{"queue"},
	)

	// QueueLeased counts successful dequeues (one per delivery).
	QueueLeased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderpipeline_queue_leased_total",
			Help: "Messages leased to consumers, by queue.",
		},
		[]string{"queue"},
	)

	// QueueDeadLettered is the alerting signal for messages moved to the
	// dead-letter sink, by queue and failure kind.
	QueueDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderpipeline_queue_dead_lettered_total",
			Help: "Messages moved to the dead-letter sink.",
		},
		[]string{"queue", "kind"},
	)

	// QueueDepth gauges messages in the queue (leased or not).
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderpipeline_queue_depth",
			Help: "Current number of messages in the delivery queue.",
		},
		[]string{"queue"},
	)

	// ConsumerMessages counts processed deliveries by final state
	// (APPLIED, REQUEUED, DEAD_LETTERED).
	ConsumerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderpipeline_consumer_messages_total",
			Help: "Deliveries handled by the consumer, by outcome.",
		},
		[]string{"outcome"},
	)

	// ConsumerDuration records time spent per delivery.
	ConsumerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orderpipeline_consumer_duration_seconds",
			Help:    "Time spent processing one delivery.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ReconcilerRepublished counts orders re-notified by the reconciler.
	ReconcilerRepublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orderpipeline_reconciler_republished_total",
			Help: "Orders stuck in RECEIVED that were republished.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersIngested,
		NotifierPublish,
		NotifierRetries,
		QueueEnqueued,
		QueueLeased,
		QueueDeadLettered,
		QueueDepth,
		ConsumerMessages,
		ConsumerDuration,
		ReconcilerRepublished,
	)
}
