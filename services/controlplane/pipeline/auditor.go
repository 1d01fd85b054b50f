// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
	"github.com/AleutianAI/alignops/services/controlplane/judge"
	"github.com/AleutianAI/alignops/services/controlplane/observability"
	"github.com/AleutianAI/alignops/services/controlplane/reconciler"
	"github.com/AleutianAI/alignops/services/controlplane/store"
	"github.com/AleutianAI/alignops/services/controlplane/vectors"
)

var auditTracer = otel.Tracer("alignops.controlplane.auditor")

// auditTimeout bounds one background audit run end to end.
const auditTimeout = 5 * time.Minute

// sampleRefLimit caps how many samples are shown to the judge verbatim.
const sampleRefLimit = 20

// VectorSource reads back stored sample vectors. Satisfied by
// *vectors.Client; faked in tests.
type VectorSource interface {
	FetchVectors(ctx context.Context, datasetID, version string) ([]vectors.SampleVector, error)
}

// AuditorConfig wires an Auditor.
type AuditorConfig struct {
	Store      *store.Store
	Reconciler *reconciler.Reconciler

	// Vectors is optional. When nil, or when a version has no indexed
	// vectors yet, the auditor re-embeds from the raw payload.
	Vectors  VectorSource
	Embedder Embedder
	Judge    judge.Judge

	// MaxFlagged caps the flagged-sample and outlier-context sets.
	MaxFlagged int
}

// Auditor runs L2 semantic drift audits in the background.
//
// One audit per (dataset_id, version) key runs at a time; a trigger while an
// audit is already in flight is a no-op. The audit never fails the HTTP
// request that triggered it: every failure path ends in a history entry
// recorded by the reconciler.
type Auditor struct {
	store      *store.Store
	rec        *reconciler.Reconciler
	vectors    VectorSource
	embedder   Embedder
	judge      judge.Judge
	maxFlagged int

	mu       sync.Mutex
	inflight map[string]bool
}

// NewAuditor builds an Auditor.
func NewAuditor(cfg AuditorConfig) *Auditor {
	maxFlagged := cfg.MaxFlagged
	if maxFlagged <= 0 {
		maxFlagged = 10
	}
	return &Auditor{
		store:      cfg.Store,
		rec:        cfg.Reconciler,
		vectors:    cfg.Vectors,
		embedder:   cfg.Embedder,
		judge:      cfg.Judge,
		maxFlagged: maxFlagged,
		inflight:   make(map[string]bool),
	}
}

// Trigger starts a background audit for a version and returns its current
// (pre-audit) object. If an audit for the key is already running, the
// running one is kept and no new one starts.
func (a *Auditor) Trigger(ctx context.Context, datasetID, version string) (datatypes.DatasetObject, error) {
	obj, err := a.store.Get(ctx, datasetID, version)
	if err != nil {
		return datatypes.DatasetObject{}, err
	}

	key := datasetID + ":" + version
	a.mu.Lock()
	if a.inflight[key] {
		a.mu.Unlock()
		slog.Info("Audit already in flight, skipping trigger",
			"dataset_id", datasetID, "version", version)
		return obj, nil
	}
	a.inflight[key] = true
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.inflight, key)
			a.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		a.run(ctx, datasetID, version)
	}()

	return obj, nil
}

// run executes one audit end to end and records its outcome.
func (a *Auditor) run(ctx context.Context, datasetID, version string) {
	ctx, span := auditTracer.Start(ctx, "Auditor.Run",
		trace.WithAttributes(
			attribute.String("alignops.dataset_id", datasetID),
			attribute.String("alignops.version", version)))
	defer span.End()

	start := time.Now()
	if m := observability.DefaultMetrics; m != nil {
		m.ActiveAudits.Inc()
		defer m.ActiveAudits.Dec()
	}

	outcome := a.audit(ctx, datasetID, version)
	span.SetAttributes(attribute.String("alignops.outcome", string(outcome)))
	if m := observability.DefaultMetrics; m != nil {
		m.RecordAudit(outcome, time.Since(start).Seconds())
	}
	slog.Info("Audit finished",
		"dataset_id", datasetID, "version", version,
		"outcome", outcome, "duration", time.Since(start))
}

func (a *Auditor) audit(ctx context.Context, datasetID, version string) observability.AuditOutcome {
	rec, err := a.store.GetRecord(ctx, datasetID, version)
	if err != nil {
		slog.Error("Audit aborted: version unreadable",
			"dataset_id", datasetID, "version", version, "error", err)
		return observability.AuditFailed
	}
	round := rec.Object.Generation

	fail := func(cause string, err error) observability.AuditOutcome {
		if err != nil {
			cause = fmt.Sprintf("%s: %v", cause, err)
		}
		recErr := a.rec.RecordAuditFailure(ctx, datasetID, version, round, cause)
		if errors.Is(recErr, reconciler.ErrStaleRound) {
			return observability.AuditStale
		}
		if recErr != nil {
			slog.Error("Failed to record audit failure",
				"dataset_id", datasetID, "version", version, "error", recErr)
		}
		return observability.AuditFailed
	}

	parent := rec.Object.LineageParentVersion
	var parentRec store.Record
	if parent != "" {
		parentRec, err = a.store.GetRecord(ctx, datasetID, parent)
		if err != nil {
			return fail(fmt.Sprintf("lineage parent %s unavailable", parent), err)
		}
	}

	// Embed the current version and its lineage parent concurrently: with
	// the OpenAI embedder these are the two slow calls of the audit.
	var vecs, parentVecs [][]float32
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := a.vectorsFor(gctx, datasetID, version, rec.Raw)
		if err != nil {
			return fmt.Errorf("could not embed samples: %w", err)
		}
		vecs = v
		return nil
	})
	if parent != "" {
		g.Go(func() error {
			v, err := a.vectorsFor(gctx, datasetID, parent, parentRec.Raw)
			if err != nil {
				return fmt.Errorf("could not embed lineage parent %s: %w", parent, err)
			}
			parentVecs = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err.Error(), nil)
	}
	if len(vecs) == 0 {
		return fail("version has no samples to audit", nil)
	}

	if parent != "" {
		drift := DriftMetrics(vecs, parentVecs)
		return a.finish(ctx, rec, round, vecs, Centroid(parentVecs), drift)
	}

	// No lineage parent: drift is definitionally zero, outliers are ranked
	// against the version's own centroid.
	drift := DriftMetrics(vecs, nil)
	return a.finish(ctx, rec, round, vecs, nil, drift)
}

// finish runs ranking, judging, the range check, and result application.
func (a *Auditor) finish(ctx context.Context, rec store.Record, round uint64, vecs [][]float32, parentCentroid []float32, drift map[string]float64) observability.AuditOutcome {
	datasetID, version := rec.Object.DatasetID, rec.Object.Version

	outliers, rankedIDs := BuildOutliers(rec.Raw, vecs, parentCentroid)
	OutlierStats(drift, outliers)

	topOutliers := outliers
	flagged := rankedIDs
	if len(topOutliers) > a.maxFlagged {
		topOutliers = topOutliers[:a.maxFlagged]
		flagged = flagged[:a.maxFlagged]
	}

	refs := make([]judge.SampleRef, 0, sampleRefLimit)
	for _, s := range rec.Raw {
		if len(refs) == sampleRefLimit {
			break
		}
		refs = append(refs, judge.SampleRef{
			SampleID: s.SampleID,
			ImageURL: s.ImageURL,
			Caption:  s.Caption,
		})
	}

	verdict, err := a.judge.Evaluate(ctx, judge.Input{
		DatasetID:            datasetID,
		Version:              version,
		LineageParentVersion: rec.Object.LineageParentVersion,
		Drift:                drift,
		Samples:              refs,
		OutlierContext:       topOutliers,
	})
	if err != nil {
		recErr := a.rec.RecordAuditFailure(ctx, datasetID, version, round, err.Error())
		if errors.Is(recErr, reconciler.ErrStaleRound) {
			return observability.AuditStale
		}
		return observability.AuditFailed
	}

	status := rangeCheck(verdict, drift["cosine_mean_shift"], datasetID, version)

	reasoning := datatypes.L2Reasoning{
		ModelName:         a.judge.Name(),
		DistributionDrift: drift,
		ReasoningTrace:    verdict.ReasoningTrace,
		JudgmentSummary:   verdict.JudgmentSummary,
		FlaggedSamples:    flagged,
		ConfidenceScore:   verdict.ConfidenceScore,
		L2Status:          status,
	}

	_, suppressed, err := a.rec.ApplyL2(ctx, datasetID, version, round, reasoning, outliers)
	if errors.Is(err, reconciler.ErrStaleRound) {
		return observability.AuditStale
	}
	if err != nil {
		slog.Error("Failed to apply audit result",
			"dataset_id", datasetID, "version", version, "error", err)
		return observability.AuditFailed
	}
	if suppressed {
		return observability.AuditSuppressed
	}
	return observability.AuditApplied
}

// rangeCheck reconciles the judge's advisory status with the drift
// thresholds. The thresholds set the floor: the judge may escalate severity
// freely, but lowering a threshold-mandated BLOCK requires high confidence
// and a stated rationale, and is logged.
func rangeCheck(verdict judge.Verdict, shift float64, datasetID, version string) datatypes.StatusEnum {
	mandated := datatypes.StatusPass
	switch {
	case shift > judge.BlockShiftThreshold:
		mandated = datatypes.StatusBlock
	case shift > judge.WarnShiftThreshold:
		mandated = datatypes.StatusWarn
	}

	status := verdict.RecommendedStatus
	if status.Severity() >= mandated.Severity() {
		return status
	}

	if mandated == datatypes.StatusBlock &&
		verdict.ConfidenceScore >= reconciler.ConfidentDowngradeThreshold &&
		verdict.ReasoningTrace.DecisionRationale != "" {
		slog.Warn("Judge downgraded a threshold-mandated BLOCK",
			"dataset_id", datasetID, "version", version,
			"cosine_mean_shift", shift,
			"recommended_status", status,
			"confidence", verdict.ConfidenceScore,
			"rationale", verdict.ReasoningTrace.DecisionRationale)
		return status
	}

	slog.Info("Raised judge verdict to threshold-mandated status",
		"dataset_id", datasetID, "version", version,
		"cosine_mean_shift", shift,
		"recommended_status", status, "mandated_status", mandated)
	return mandated
}

// vectorsFor returns a version's vectors, preferring the vector store and
// falling back to re-embedding the raw payload. A count mismatch with the
// stored payload (partial index, concurrent re-ingest) also falls back.
func (a *Auditor) vectorsFor(ctx context.Context, datasetID, version string, samples []datatypes.RawSample) ([][]float32, error) {
	if a.vectors != nil {
		stored, err := a.vectors.FetchVectors(ctx, datasetID, version)
		if err != nil {
			slog.Warn("Vector store read failed, re-embedding",
				"dataset_id", datasetID, "version", version, "error", err)
		} else if len(stored) == len(samples) && len(stored) > 0 {
			byID := make(map[string][]float32, len(stored))
			for _, sv := range stored {
				byID[sv.SampleID] = sv.Vector
			}
			vecs := make([][]float32, 0, len(samples))
			complete := true
			for _, s := range samples {
				v, ok := byID[s.SampleID]
				if !ok {
					complete = false
					break
				}
				vecs = append(vecs, v)
			}
			if complete {
				return vecs, nil
			}
		}
	}

	texts := make([]string, len(samples))
	for i, s := range samples {
		texts[i] = s.Caption
	}
	return a.embedder.Embed(ctx, texts)
}
