package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertrelay_triggers_total",
			Help: "Triggers handled by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertrelay_delivery_attempts_total",
			Help: "Send calls made to the delivery channel by result",
		},
		[]string{"result"},
	)

	CandidatesResolved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertrelay_candidates_resolved",
			Help:    "Number of valid phone candidates per resolution",
			Buckets: []float64{0, 1, 2, 3},
		},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertrelay_poll_duration_seconds",
			Help:    "Poll pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	PollBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertrelay_poll_batch_size",
			Help: "Triggers considered in the last poll pass",
		},
	)

	InflightTriggers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertrelay_inflight_triggers",
			Help: "Triggers currently held by the processing guard",
		},
	)

	SentNotPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertrelay_sent_not_persisted_total",
			Help: "Confirmed deliveries the store failed to record as sent",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertrelay_outbox_published_total",
			Help: "Outbox events relayed by status",
		},
		[]string{"status"},
	)
)

const (
	OutcomeSent      = "sent"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeInvalid   = "invalid"
)
