// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the validation
// pipeline: ingestion volume, L1/L2 verdict counts, audit latency, and
// reconciler round bookkeeping. Exposed via the /metrics endpoint.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "alignops"

const pipelineSubsystem = "pipeline"

// PipelineMetrics holds all Prometheus metrics for the validation pipeline.
// All operations are thread-safe via Prometheus's internal locking.
type PipelineMetrics struct {
	// IngestsTotal counts version creations and re-ingestions.
	// Labels: kind (create, reingest)
	IngestsTotal *prometheus.CounterVec

	// L1ReportsTotal counts L1 validation reports by derived status.
	// Labels: status (PASS, WARN, BLOCK)
	L1ReportsTotal *prometheus.CounterVec

	// L2AuditsTotal counts completed L2 audits by outcome.
	// Labels: outcome (applied, suppressed, failed, stale)
	L2AuditsTotal *prometheus.CounterVec

	// AuditDurationSeconds measures end-to-end L2 audit latency.
	// Labels: outcome (applied, suppressed, failed, stale)
	AuditDurationSeconds *prometheus.HistogramVec

	// ActiveAudits tracks L2 audits currently in flight.
	ActiveAudits prometheus.Gauge

	// StaleRoundsTotal counts reports discarded because the version was
	// re-ingested while they were being computed.
	// Labels: tier (l1, l2)
	StaleRoundsTotal *prometheus.CounterVec

	// ManualOverridesTotal counts operator overrides by target status.
	// Labels: status (PASS, WARN, BLOCK)
	ManualOverridesTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of PipelineMetrics.
// Initialized by InitMetrics(); nil when metrics are disabled.
var DefaultMetrics *PipelineMetrics

// InitMetrics creates and registers all pipeline metrics on the default
// Prometheus registry. Call once at startup; calling twice panics on
// duplicate registration.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = &PipelineMetrics{
		IngestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "ingests_total",
				Help:      "Total version creations and re-ingestions",
			},
			[]string{"kind"},
		),

		L1ReportsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "l1_reports_total",
				Help:      "Total L1 validation reports by derived status",
			},
			[]string{"status"},
		),

		L2AuditsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "l2_audits_total",
				Help:      "Total completed L2 audits by outcome",
			},
			[]string{"outcome"},
		),

		AuditDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "audit_duration_seconds",
				Help:      "End-to-end L2 audit duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		ActiveAudits: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "active_audits",
				Help:      "Number of L2 audits currently in flight",
			},
		),

		StaleRoundsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stale_rounds_total",
				Help:      "Reports discarded because their round was superseded",
			},
			[]string{"tier"},
		),

		ManualOverridesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "manual_overrides_total",
				Help:      "Operator status overrides by target status",
			},
			[]string{"status"},
		),
	}

	return DefaultMetrics
}

// AuditOutcome labels the terminal state of one L2 audit run.
type AuditOutcome string

const (
	// AuditApplied means the audit result updated the version's status.
	AuditApplied AuditOutcome = "applied"

	// AuditSuppressed means the result was recorded for diagnostics but an
	// L1 BLOCK retained the status.
	AuditSuppressed AuditOutcome = "suppressed"

	// AuditFailed means the audit did not produce a usable verdict.
	AuditFailed AuditOutcome = "failed"

	// AuditStale means the version was re-ingested mid-audit and the
	// result was discarded.
	AuditStale AuditOutcome = "stale"
)

// RecordAudit records one completed audit run.
func (m *PipelineMetrics) RecordAudit(outcome AuditOutcome, seconds float64) {
	m.L2AuditsTotal.WithLabelValues(string(outcome)).Inc()
	m.AuditDurationSeconds.WithLabelValues(string(outcome)).Observe(seconds)
}

// RecordL1 records one L1 report by derived status.
func (m *PipelineMetrics) RecordL1(status string) {
	m.L1ReportsTotal.WithLabelValues(status).Inc()
}

// RecordIngest records a create or reingest round.
func (m *PipelineMetrics) RecordIngest(kind string) {
	m.IngestsTotal.WithLabelValues(kind).Inc()
}

// RecordStaleRound records a discarded report for a superseded round.
func (m *PipelineMetrics) RecordStaleRound(tier string) {
	m.StaleRoundsTotal.WithLabelValues(tier).Inc()
}

// RecordOverride records a manual override.
func (m *PipelineMetrics) RecordOverride(status string) {
	m.ManualOverridesTotal.WithLabelValues(status).Inc()
}
