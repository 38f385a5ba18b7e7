/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines the Prometheus metrics shared across Janitor's
// five components (state store, event bus, runner, publisher, differ),
// registered with the default registry so they are served by each
// component's GET /metrics handler.
//
// Metric naming follows Prometheus conventions:
//   - janitor_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts finished runs by codebase, campaign, and result code.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_runs_total",
			Help: "Total number of finished runs by codebase, campaign, and result code.",
		},
		[]string{"codebase", "campaign", "result_code"},
	)

	// RunDurationSeconds is a histogram of run wall time by campaign.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "janitor_run_duration_seconds",
			Help:    "Duration of worker runs in seconds.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400, 3600, 7200},
		},
		[]string{"campaign"},
	)

	// ActiveRuns is the number of runs currently leased to a worker.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "janitor_active_runs",
			Help: "Number of runs currently leased to a worker.",
		},
	)

	// QueueDepth is the number of eligible, unleased queue items.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "janitor_queue_depth",
			Help: "Number of schedule entries eligible for assignment.",
		},
	)

	// PublishAttemptsTotal counts publish attempts by mode and result code.
	PublishAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_publish_attempts_total",
			Help: "Total publish attempts by mode and result code.",
		},
		[]string{"mode", "result_code"},
	)

	// BlockersTotal counts publish decisions blocked by reason.
	BlockersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_publish_blockers_total",
			Help: "Total publish decisions blocked, by blocker key.",
		},
		[]string{"blocker"},
	)

	// MergeProposalsByStatus is the number of tracked merge proposals per status.
	MergeProposalsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "janitor_merge_proposals",
			Help: "Number of tracked merge proposals by status.",
		},
		[]string{"status"},
	)

	// DiffCacheTotal counts differ cache lookups by hit/miss.
	DiffCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_diff_cache_total",
			Help: "Total differ cache lookups by outcome (hit, miss).",
		},
		[]string{"outcome"},
	)

	// DiffComputeDurationSeconds is a histogram of diff tool invocation time by kind.
	DiffComputeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "janitor_diff_compute_duration_seconds",
			Help:    "Duration of debdiff/diffoscope subprocess invocations in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	// PrecacheTotal counts precache outcomes by kind and result.
	PrecacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_precache_total",
			Help: "Total precache computations by kind and outcome (done, failed).",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		RunDurationSeconds,
		ActiveRuns,
		QueueDepth,
		PublishAttemptsTotal,
		BlockersTotal,
		MergeProposalsByStatus,
		DiffCacheTotal,
		DiffComputeDurationSeconds,
		PrecacheTotal,
	)
}

// RecordRunComplete records metrics for one finished run.
func RecordRunComplete(codebase, campaign, resultCode string, duration time.Duration) {
	RunsTotal.WithLabelValues(codebase, campaign, resultCode).Inc()
	RunDurationSeconds.WithLabelValues(campaign).Observe(duration.Seconds())
}

// RecordPublishAttempt records one publish attempt outcome.
func RecordPublishAttempt(mode, resultCode string) {
	PublishAttemptsTotal.WithLabelValues(mode, resultCode).Inc()
}

// RecordBlocker records one blocked publish decision.
func RecordBlocker(key string) {
	BlockersTotal.WithLabelValues(key).Inc()
}

// RecordDiffCache records a differ cache lookup outcome.
func RecordDiffCache(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	DiffCacheTotal.WithLabelValues(outcome).Inc()
}

// RecordDiffCompute records one diff tool invocation's duration.
func RecordDiffCompute(kind string, duration time.Duration) {
	DiffComputeDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordPrecache records one precache computation's outcome.
func RecordPrecache(kind string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "done"
	}
	PrecacheTotal.WithLabelValues(kind, outcome).Inc()
}
