package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultApplied  = "applied"
	ResultAbsorbed = "absorbed"
	ResultStale    = "stale"
	ResultError    = "error"
)

var (
	WorkflowsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelflow_workflows_created_total",
			Help: "Total number of workflows created",
		},
		[]string{"brand"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelflow_transitions_total",
			Help: "Stage events handled by the transition function, by result",
		},
		[]string{"brand", "stage", "outcome", "result"},
	)

	SubmitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelflow_vendor_submit_duration_seconds",
			Help:    "Latency of vendor submit calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"vendor", "result"},
	)

	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelflow_webhook_requests_total",
			Help: "Inbound vendor callbacks by response status",
		},
		[]string{"vendor", "status"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelflow_sweep_duration_seconds",
			Help:    "Duration of background sweeps",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"sweep"},
	)

	SweepItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelflow_sweep_items_total",
			Help: "Workflows visited by background sweeps, by result",
		},
		[]string{"sweep", "result"},
	)

	RetryReentries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelflow_retry_reentries_total",
			Help: "Failed workflows re-entered by the retry scheduler",
		},
		[]string{"brand", "stage"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelflow_dead_letters_total",
			Help: "Dead-letter entries by kind and write result",
		},
		[]string{"kind", "result"},
	)

	JournalDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelflow_journal_dropped_total",
			Help: "Transition journal records dropped because the buffer was full",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelflow_outbox_events_total",
			Help: "Outbox events relayed to kafka by result",
		},
		[]string{"result"},
	)
)
