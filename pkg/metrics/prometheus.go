package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathfinder_events_total",
			Help: "Total number of profile events by processing status",
		},
		[]string{"status", "reason"},
	)

	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathfinder_classifications_total",
			Help: "Total number of job title classifications by level",
		},
		[]string{"level", "rules_version"},
	)

	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathfinder_detections_total",
			Help: "Total number of detections by kind and level",
		},
		[]string{"kind", "level"},
	)

	MetadataFetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pathfinder_metadata_fetch_failures_total",
			Help: "Total number of failed community metadata lookups",
		},
	)

	ClaimedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathfinder_claimed_rows_total",
			Help: "Total number of pending rows claimed by queue",
		},
		[]string{"queue"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathfinder_dispatch_total",
			Help: "Total number of dispatched rows by queue and result",
		},
		[]string{"queue", "result"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pathfinder_dispatch_duration_seconds",
			Help:    "Time spent handling one claimed row",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"queue"},
	)

	RulesReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathfinder_rules_reloads_total",
			Help: "Total number of classifier rules reloads by result",
		},
		[]string{"result"},
	)

	SeniorUsers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pathfinder_senior_users",
			Help: "Current number of senior users by level",
		},
		[]string{"level"},
	)

	PendingWork = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pathfinder_pending_work",
			Help: "Rows waiting to be processed by queue",
		},
		[]string{"queue"},
	)
)
