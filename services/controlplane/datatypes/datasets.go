// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire-level data model for the AlignOps
// control plane: dataset versions, validation reports, audit results, and
// the request/response shapes consumed by the dashboard.
//
// All JSON field names follow the dashboard contract (snake_case). These
// structs are persisted as-is in the version store, so changes here are
// storage format changes too.
package datatypes

import (
	"time"
)

// =============================================================================
// Status Model
// =============================================================================

// StatusEnum is the lifecycle status of a dataset version.
//
// PENDING and VALIDATING are transient pre-judgment states. PASS, WARN and
// BLOCK are judgment states ordered by severity (PASS < WARN < BLOCK).
type StatusEnum string

const (
	StatusPending    StatusEnum = "PENDING"
	StatusValidating StatusEnum = "VALIDATING"
	StatusPass       StatusEnum = "PASS"
	StatusWarn       StatusEnum = "WARN"
	StatusBlock      StatusEnum = "BLOCK"
)

// Valid reports whether s is one of the five known statuses.
func (s StatusEnum) Valid() bool {
	switch s {
	case StatusPending, StatusValidating, StatusPass, StatusWarn, StatusBlock:
		return true
	}
	return false
}

// IsJudgment reports whether s is a judgment status (PASS, WARN or BLOCK)
// as opposed to a transient pre-judgment state.
func (s StatusEnum) IsJudgment() bool {
	return s == StatusPass || s == StatusWarn || s == StatusBlock
}

// Severity returns the merge-policy severity of a judgment status.
// PASS < WARN < BLOCK. Non-judgment statuses rank below PASS.
func (s StatusEnum) Severity() int {
	switch s {
	case StatusPass:
		return 1
	case StatusWarn:
		return 2
	case StatusBlock:
		return 3
	}
	return 0
}

// StatusSource identifies which tier or actor last determined a version's
// status.
type StatusSource string

const (
	SourceSystem StatusSource = "SYSTEM"
	SourceL1     StatusSource = "L1"
	SourceL2     StatusSource = "L2"
	SourceManual StatusSource = "MANUAL"
)

// StatusHistoryItem is a single append-only provenance entry. Write-once.
type StatusHistoryItem struct {
	Status    StatusEnum   `json:"status"`
	Source    StatusSource `json:"source"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason,omitempty"`
}

// =============================================================================
// Validation Reports
// =============================================================================

// L1Report is the result of the deterministic tier-1 validation: schema
// conformance, row volume ratio and freshness delay. Immutable once
// attached; re-ingestion produces a replacement report.
type L1Report struct {
	SchemaPassed      bool           `json:"schema_passed"`
	VolumeActual      int            `json:"volume_actual"`
	VolumeExpected    int            `json:"volume_expected"`
	FreshnessDelaySec int            `json:"freshness_delay_sec"`
	L1Status          StatusEnum     `json:"l1_status"`
	Details           map[string]any `json:"details,omitempty"`
}

// ReasoningTrace is the structured explanation produced by the L2 judge.
type ReasoningTrace struct {
	Summary           string   `json:"summary"`
	KeyObservations   []string `json:"key_observations"`
	DecisionRationale string   `json:"decision_rationale"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
}

// L2Reasoning is the result of a semantic drift audit. Immutable per audit
// run; a re-audit replaces the whole struct.
type L2Reasoning struct {
	ModelName         string             `json:"model_name"`
	DistributionDrift map[string]float64 `json:"distribution_drift"`
	ReasoningTrace    ReasoningTrace     `json:"reasoning_trace"`
	JudgmentSummary   string             `json:"judgment_summary"`
	FlaggedSamples    []string           `json:"flagged_samples"`
	ConfidenceScore   float64            `json:"confidence_score"`
	L2Status          StatusEnum         `json:"l2_status"`
}

// CosineMeanShift returns the headline drift metric, or 0 if absent.
func (r *L2Reasoning) CosineMeanShift() float64 {
	if r == nil || r.DistributionDrift == nil {
		return 0
	}
	return r.DistributionDrift["cosine_mean_shift"]
}

// =============================================================================
// Dataset Version
// =============================================================================

// DatasetObject is a single dataset version as served to clients.
//
// Invariants maintained by the reconciler:
//   - StatusHistory is non-empty once the version exists and is append-only.
//   - The last history entry's status equals Status. Its source equals
//     StatusSource except for informational SYSTEM entries (audit failures,
//     suppressed diagnostics), which never move the status.
//   - Generation increases by one on every re-ingestion; reports computed
//     against an older generation are discarded.
type DatasetObject struct {
	DatasetID string    `json:"dataset_id"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	Status        StatusEnum          `json:"status"`
	StatusSource  StatusSource        `json:"status_source,omitempty"`
	StatusHistory []StatusHistoryItem `json:"status_history"`

	L1Report    *L1Report    `json:"l1_report,omitempty"`
	L2Reasoning *L2Reasoning `json:"l2_reasoning,omitempty"`

	SourceID             string   `json:"source_id"`
	LineageParentVersion string   `json:"lineage_parent_version,omitempty"`
	Tags                 []string `json:"tags"`

	// Generation counts re-ingestion rounds for this version key. Clients
	// can use it to detect stale polls.
	Generation uint64 `json:"generation"`
}

// Key returns the canonical registry key for a version.
func (d *DatasetObject) Key() string {
	return d.DatasetID + ":" + d.Version
}

// =============================================================================
// Samples
// =============================================================================

// RawSample is one ingested data item: an image reference plus its caption.
//
// SampleID is assigned at ingestion (sample_001, sample_002, ...) and is the
// identifier used in L2Reasoning.FlaggedSamples. CapturedAt is the
// best-effort event timestamp extracted from the ingestion payload; zero if
// the payload carried none.
type RawSample struct {
	SampleID         string    `json:"sample_id"`
	ImageURL         string    `json:"image_url"`
	Caption          string    `json:"caption"`
	SourceID         string    `json:"source_id"`
	FallbackUsed     bool      `json:"fallback_used"`
	ImageFetchStatus string    `json:"image_fetch_status,omitempty"`
	CapturedAt       time.Time `json:"captured_at,omitempty"`
}

// SampleWithMetadata is the paginated-listing projection of a sample.
type SampleWithMetadata struct {
	ImageURL         string `json:"image_url"`
	Caption          string `json:"caption"`
	SourceID         string `json:"source_id"`
	ImageFetchStatus string `json:"image_fetch_status,omitempty"`
	FallbackUsed     bool   `json:"fallback_used"`
}

// OutlierSample is a sample annotated with its embedding-space distances,
// produced during an L2 audit. DistToV1Mean is the distance to the lineage
// parent's centroid, DistToV2Mean to the version's own centroid.
type OutlierSample struct {
	ImageURL         string  `json:"image_url"`
	Caption          string  `json:"caption"`
	SourceID         string  `json:"source_id"`
	ImageFetchStatus string  `json:"image_fetch_status,omitempty"`
	FallbackUsed     bool    `json:"fallback_used"`
	DistToV1Mean     float64 `json:"dist_to_v1_mean"`
	DistToV2Mean     float64 `json:"dist_to_v2_mean"`
	OutlierScore     float64 `json:"outlier_score"`
}

// =============================================================================
// Read-Side Projections
// =============================================================================

// DatasetSummary is the per-dataset roll-up shown on the dashboard list
// page. It reflects the most recently created version.
type DatasetSummary struct {
	DatasetID     string       `json:"dataset_id"`
	LatestVersion string       `json:"latest_version"`
	Status        StatusEnum   `json:"status"`
	StatusSource  StatusSource `json:"status_source,omitempty"`
	LastEvaluated time.Time    `json:"last_evaluated"`
	TotalVersions int          `json:"total_versions"`
}

// ActivityItem is one entry of the recent-activity feed.
type ActivityItem struct {
	DatasetID string     `json:"dataset_id"`
	Version   string     `json:"version"`
	Status    StatusEnum `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// DatasetStatistics is the aggregate view polled by the control-plane page.
type DatasetStatistics struct {
	Total          int                `json:"total"`
	ByStatus       map[StatusEnum]int `json:"by_status"`
	RecentActivity []ActivityItem     `json:"recent_activity"`
}
