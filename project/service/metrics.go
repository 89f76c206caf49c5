package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_bot",
			Name:      "escalations_total",
			Help:      "Total reaction events by outcome",
		},
		[]string{"state", "reason"},
	)

	escalationConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "support_bot",
			Name:      "escalation_conflicts_total",
			Help:      "Total optimistic write conflicts on the escalation schema",
		},
	)

	answersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_bot",
			Name:      "answers_total",
			Help:      "Total answer jobs by result",
		},
		[]string{"result"},
	)

	ingestedThreadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_bot",
			Name:      "ingested_threads_total",
			Help:      "Total threads written during ingest",
		},
		[]string{"channel"},
	)

	ingestDiagnosticsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_bot",
			Name:      "ingest_diagnostics_total",
			Help:      "Total skipped export entries and unresolved replies",
		},
		[]string{"kind"},
	)

	classifiedThreadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_bot",
			Name:      "classified_threads_total",
			Help:      "Total threads classified by category",
		},
		[]string{"category"},
	)

	externalCallFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_bot",
			Name:      "external_call_failures_total",
			Help:      "Total external calls that failed after retries",
		},
		[]string{"call"},
	)

	externalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "support_bot",
			Name:      "external_call_duration_seconds",
			Help:      "Duration of external calls including retries",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"call"},
	)
)
