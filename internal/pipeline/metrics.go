package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts finished runs by terminal status.
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tacit",
			Name:      "pipeline_runs_total",
			Help:      "Extraction runs by terminal status",
		},
		[]string{"status"},
	)

	analyzerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tacit",
			Name:      "pipeline_analyzer_failures_total",
			Help:      "Non-fatal analyzer failures by analyzer",
		},
		[]string{"analyzer"},
	)

	itemsAnalyzed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tacit",
			Name:      "pipeline_items_analyzed_total",
			Help:      "Change requests analyzed",
		},
	)

	rulesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tacit",
			Name:      "pipeline_rules_persisted_total",
			Help:      "Rules written by extraction, by source type",
		},
		[]string{"source_type"},
	)

	sessionsMined = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tacit",
			Name:      "pipeline_sessions_mined_total",
			Help:      "Session transcripts mined for rules",
		},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tacit",
			Name:      "pipeline_run_duration_seconds",
			Help:      "Wall time of extraction runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)
)
