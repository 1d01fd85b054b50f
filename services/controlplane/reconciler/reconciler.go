// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconciler owns the dataset-version status state machine.
//
// Every status change flows through here: version creation, L1 report
// application, L2 audit application, audit-failure records, manual
// overrides, and re-ingestion. Each operation runs inside a single store
// mutation, so the status field, its provenance source, and the history
// append always land atomically. Reports computed against a superseded
// ingestion round are rejected with ErrStaleRound and leave the record
// untouched.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
	"github.com/AleutianAI/alignops/services/controlplane/observability"
	"github.com/AleutianAI/alignops/services/controlplane/store"
)

// ErrStaleRound indicates a report computed against an ingestion round that
// has since been superseded by a re-ingest. The caller discards the report;
// clients never see this as a failure.
var ErrStaleRound = errors.New("validation round superseded by re-ingestion")

// ErrInvalidOverride indicates a manual override to a non-judgment status.
var ErrInvalidOverride = errors.New("override status must be PASS, WARN or BLOCK")

// ConfidentDowngradeThreshold is the minimum judge confidence required to
// lower a threshold-mandated BLOCK to a less severe status.
const ConfidentDowngradeThreshold = 0.9

// Reconciler applies status transitions to the version store.
type Reconciler struct {
	store *store.Store
}

// New creates a Reconciler over the version store.
func New(s *store.Store) *Reconciler {
	return &Reconciler{store: s}
}

// now is swapped in tests for deterministic history timestamps.
var now = time.Now

// =============================================================================
// Transitions
// =============================================================================

// transition moves a version to (status, source) and appends the matching
// history entry. A transition to the identical (status, source) pair with an
// identical reason is a no-op, so repeated polling-driven reapplication does
// not grow history.
func transition(obj *datatypes.DatasetObject, status datatypes.StatusEnum, source datatypes.StatusSource, reason string) {
	if obj.Status == status && obj.StatusSource == source && len(obj.StatusHistory) > 0 {
		last := obj.StatusHistory[len(obj.StatusHistory)-1]
		if last.Reason == reason {
			return
		}
	}
	obj.Status = status
	obj.StatusSource = source
	obj.StatusHistory = append(obj.StatusHistory, datatypes.StatusHistoryItem{
		Status:    status,
		Source:    source,
		Timestamp: now().UTC(),
		Reason:    reason,
	})
}

// appendInfo records an informational SYSTEM entry without moving the
// status: the entry carries the current status so the history tail still
// mirrors the status field, but StatusSource keeps pointing at whichever
// tier actually determined it.
func appendInfo(obj *datatypes.DatasetObject, reason string) {
	obj.StatusHistory = append(obj.StatusHistory, datatypes.StatusHistoryItem{
		Status:    obj.Status,
		Source:    datatypes.SourceSystem,
		Timestamp: now().UTC(),
		Reason:    reason,
	})
}

// =============================================================================
// Operations
// =============================================================================

// CreateVersion persists a brand-new version in VALIDATING with generation 1
// and its creation history entry. Fails with store.ErrConflict if the
// (dataset_id, version) key exists.
func (r *Reconciler) CreateVersion(ctx context.Context, spec datatypes.CreateDatasetSpec, samples []datatypes.RawSample, expectedVolume int) (datatypes.DatasetObject, error) {
	obj := datatypes.DatasetObject{
		DatasetID:            spec.DatasetID,
		Version:              spec.Version,
		CreatedAt:            now().UTC(),
		SourceID:             spec.SourceID,
		LineageParentVersion: spec.LineageParentVersion,
		Tags:                 spec.Tags,
		Generation:           1,
	}
	if obj.Tags == nil {
		obj.Tags = []string{}
	}
	transition(&obj, datatypes.StatusValidating, datatypes.SourceSystem, "Dataset version created")

	created, err := r.store.Create(ctx, store.Record{
		Object:         obj,
		Raw:            samples,
		ExpectedVolume: expectedVolume,
	})
	if err != nil {
		return datatypes.DatasetObject{}, err
	}
	slog.Info("Created dataset version",
		"dataset_id", created.DatasetID, "version", created.Version,
		"samples", len(samples))
	if m := observability.DefaultMetrics; m != nil {
		m.RecordIngest("create")
	}
	return created, nil
}

// ApplyL1 attaches a tier-1 report and applies its derived status. The
// generation the report was computed against must still be current,
// otherwise ErrStaleRound.
func (r *Reconciler) ApplyL1(ctx context.Context, datasetID, version string, generation uint64, report datatypes.L1Report) (datatypes.DatasetObject, error) {
	rec, err := r.store.Mutate(ctx, datasetID, version, func(rec *store.Record) error {
		if rec.Object.Generation != generation {
			return ErrStaleRound
		}
		rec.Object.L1Report = &report
		reason := fmt.Sprintf("schema_passed=%t, volume=%d/%d, freshness_delay_sec=%d",
			report.SchemaPassed, report.VolumeActual, report.VolumeExpected, report.FreshnessDelaySec)
		transition(&rec.Object, report.L1Status, datatypes.SourceL1, reason)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleRound) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordStaleRound("l1")
			}
			slog.Info("Discarded stale L1 report",
				"dataset_id", datasetID, "version", version, "round", generation)
		}
		return datatypes.DatasetObject{}, err
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordL1(string(report.L1Status))
	}
	slog.Info("Applied L1 report",
		"dataset_id", datasetID, "version", version,
		"l1_status", report.L1Status, "schema_passed", report.SchemaPassed)
	return rec.Object, nil
}

// ApplyL2 attaches a completed audit and applies its status, subject to the
// precedence rules: an L1 BLOCK outranks any L2 result, so the reasoning and
// outlier annotations are stored for diagnostics but the status stays put
// and a SYSTEM entry records the suppression. suppressed reports whether
// that happened.
func (r *Reconciler) ApplyL2(ctx context.Context, datasetID, version string, generation uint64, reasoning datatypes.L2Reasoning, outliers []datatypes.OutlierSample) (obj datatypes.DatasetObject, suppressed bool, err error) {
	rec, err := r.store.Mutate(ctx, datasetID, version, func(rec *store.Record) error {
		if rec.Object.Generation != generation {
			return ErrStaleRound
		}
		rec.Object.L2Reasoning = &reasoning
		rec.Outliers = outliers

		if rec.Object.Status == datatypes.StatusBlock && rec.Object.StatusSource == datatypes.SourceL1 {
			suppressed = true
			appendInfo(&rec.Object, fmt.Sprintf(
				"L2 audit completed (%s) but L1 BLOCK takes precedence", reasoning.L2Status))
			return nil
		}
		transition(&rec.Object, reasoning.L2Status, datatypes.SourceL2, reasoning.JudgmentSummary)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleRound) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordStaleRound("l2")
			}
			slog.Info("Discarded stale L2 audit",
				"dataset_id", datasetID, "version", version, "round", generation)
		}
		return datatypes.DatasetObject{}, false, err
	}
	slog.Info("Applied L2 audit",
		"dataset_id", datasetID, "version", version,
		"l2_status", reasoning.L2Status, "suppressed", suppressed,
		"cosine_mean_shift", reasoning.CosineMeanShift())
	return rec.Object, suppressed, nil
}

// RecordAuditFailure appends an informational SYSTEM entry for an audit that
// could not complete. The status and its provenance are untouched, so a
// previously PASSing version is never degraded by infrastructure trouble.
func (r *Reconciler) RecordAuditFailure(ctx context.Context, datasetID, version string, generation uint64, cause string) error {
	_, err := r.store.Mutate(ctx, datasetID, version, func(rec *store.Record) error {
		if rec.Object.Generation != generation {
			return ErrStaleRound
		}
		appendInfo(&rec.Object, fmt.Sprintf("L2 audit failed: %s", cause))
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleRound) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordStaleRound("l2")
			}
			return err
		}
		return err
	}
	slog.Warn("Recorded audit failure",
		"dataset_id", datasetID, "version", version, "cause", cause)
	return nil
}

// ManualOverride applies an operator-chosen judgment status immediately.
// The override is itself superseded by whatever automated report lands
// next; no rounds are invalidated.
func (r *Reconciler) ManualOverride(ctx context.Context, datasetID, version string, req datatypes.ManualOverrideRequest) (datatypes.DatasetObject, error) {
	if !req.OverrideStatus.IsJudgment() {
		return datatypes.DatasetObject{}, ErrInvalidOverride
	}
	reason := req.Reason
	if reason == "" {
		reason = "Manual override by operator"
	}
	rec, err := r.store.Mutate(ctx, datasetID, version, func(rec *store.Record) error {
		transition(&rec.Object, req.OverrideStatus, datatypes.SourceManual, reason)
		return nil
	})
	if err != nil {
		return datatypes.DatasetObject{}, err
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordOverride(string(req.OverrideStatus))
	}
	slog.Info("Applied manual override",
		"dataset_id", datasetID, "version", version, "status", req.OverrideStatus)
	return rec.Object, nil
}

// Reingest replaces a version's raw payload, bumps the generation so any
// in-flight reports against the old payload are discarded on arrival, and
// resets the version to VALIDATING. Stale audit artifacts (L2 reasoning,
// outlier annotations) are cleared; the next audit recomputes them. The
// returned record carries the new payload for the caller to re-run L1 on.
func (r *Reconciler) Reingest(ctx context.Context, datasetID, version string, samples []datatypes.RawSample) (store.Record, error) {
	rec, err := r.store.Mutate(ctx, datasetID, version, func(rec *store.Record) error {
		rec.Raw = samples
		rec.Outliers = nil
		rec.Object.L2Reasoning = nil
		rec.Object.Generation++
		transition(&rec.Object, datatypes.StatusValidating, datatypes.SourceSystem,
			fmt.Sprintf("Re-ingested %d samples", len(samples)))
		return nil
	})
	if err != nil {
		return store.Record{}, err
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordIngest("reingest")
	}
	slog.Info("Re-ingested dataset version",
		"dataset_id", datasetID, "version", version,
		"samples", len(samples), "generation", rec.Object.Generation)
	return rec, nil
}
