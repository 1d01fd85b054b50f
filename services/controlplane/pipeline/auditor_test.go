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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerstore "github.com/AleutianAI/alignops/pkg/storage/badger"
	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
	"github.com/AleutianAI/alignops/services/controlplane/judge"
	"github.com/AleutianAI/alignops/services/controlplane/observability"
	"github.com/AleutianAI/alignops/services/controlplane/reconciler"
	"github.com/AleutianAI/alignops/services/controlplane/store"
	"github.com/AleutianAI/alignops/services/controlplane/vectors"
)

type auditEnv struct {
	store   *store.Store
	rec     *reconciler.Reconciler
	auditor *Auditor
}

func newAuditEnv(t *testing.T, j judge.Judge) *auditEnv {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	rec := reconciler.New(s)
	return &auditEnv{
		store: s,
		rec:   rec,
		auditor: NewAuditor(AuditorConfig{
			Store:      s,
			Reconciler: rec,
			Embedder:   NewHashEmbedder(),
			Judge:      j,
			MaxFlagged: 3,
		}),
	}
}

func (e *auditEnv) create(t *testing.T, version, parent, captionPrefix string, n int) datatypes.DatasetObject {
	t.Helper()
	samples := make([]datatypes.RawSample, n)
	for i := range samples {
		samples[i] = datatypes.RawSample{
			SampleID: fmt.Sprintf("sample_%03d", i+1),
			ImageURL: fmt.Sprintf("http://x/%s/%d.jpg", version, i+1),
			Caption:  fmt.Sprintf("%s scene %d", captionPrefix, i+1),
			SourceID: "cam_1",
		}
	}
	obj, err := e.rec.CreateVersion(context.Background(), datatypes.CreateDatasetSpec{
		DatasetID:            "ds1",
		Version:              version,
		SourceID:             "test_pipeline",
		LineageParentVersion: parent,
	}, samples, n)
	require.NoError(t, err)

	report := ValidateL1(samples, L1Config{ExpectedVolume: n}, obj.CreatedAt)
	_, err = e.rec.ApplyL1(context.Background(), "ds1", version, obj.Generation, report)
	require.NoError(t, err)
	return obj
}

// failingJudge simulates an unreachable or misbehaving model backend.
type failingJudge struct{}

func (failingJudge) Name() string { return "failing-judge" }
func (failingJudge) Evaluate(context.Context, judge.Input) (judge.Verdict, error) {
	return judge.Verdict{}, errors.New("model unreachable")
}

// =============================================================================
// Audit Flow Tests
// =============================================================================

func TestAudit_NoParentApplies(t *testing.T) {
	e := newAuditEnv(t, judge.NewRuleJudge())
	e.create(t, "v1", "", "nature", 5)

	outcome := e.auditor.audit(context.Background(), "ds1", "v1")
	assert.Equal(t, observability.AuditApplied, outcome)

	rec, err := e.store.GetRecord(context.Background(), "ds1", "v1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusPass, rec.Object.Status, "zero drift without a parent")
	assert.Equal(t, datatypes.SourceL2, rec.Object.StatusSource)
	require.NotNil(t, rec.Object.L2Reasoning)
	assert.Equal(t, "threshold-rules-v1", rec.Object.L2Reasoning.ModelName)
	assert.NotEmpty(t, rec.Outliers)
}

func TestAudit_DriftedVersionBlocks(t *testing.T) {
	e := newAuditEnv(t, judge.NewRuleJudge())
	e.create(t, "v1", "", "nature", 5)
	// Hash embeddings of unrelated captions are near-orthogonal, so the
	// centroid shift lands far above the block threshold.
	e.create(t, "v2", "v1", "urban", 5)

	outcome := e.auditor.audit(context.Background(), "ds1", "v2")
	assert.Equal(t, observability.AuditApplied, outcome)

	rec, err := e.store.GetRecord(context.Background(), "ds1", "v2")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusBlock, rec.Object.Status)
	assert.Equal(t, datatypes.SourceL2, rec.Object.StatusSource)
	assert.Greater(t, rec.Object.L2Reasoning.CosineMeanShift(), judge.BlockShiftThreshold)
}

func TestAudit_FlaggedSamplesCappedAndRanked(t *testing.T) {
	e := newAuditEnv(t, judge.NewRuleJudge())
	e.create(t, "v1", "", "nature", 5)
	e.create(t, "v2", "v1", "urban", 5)

	e.auditor.audit(context.Background(), "ds1", "v2")

	rec, err := e.store.GetRecord(context.Background(), "ds1", "v2")
	require.NoError(t, err)
	assert.Len(t, rec.Object.L2Reasoning.FlaggedSamples, 3, "capped at MaxFlagged")
	assert.Len(t, rec.Outliers, 5, "full ranked list is stored")
	for i := 1; i < len(rec.Outliers); i++ {
		assert.GreaterOrEqual(t, rec.Outliers[i-1].OutlierScore, rec.Outliers[i].OutlierScore)
	}
}

func TestAudit_L1BlockSuppressesResult(t *testing.T) {
	e := newAuditEnv(t, judge.NewRuleJudge())

	samples := []datatypes.RawSample{
		{SampleID: "sample_001", ImageURL: "http://x/1.jpg", Caption: "", SourceID: "cam_1"},
	}
	obj, err := e.rec.CreateVersion(context.Background(), datatypes.CreateDatasetSpec{
		DatasetID: "ds1", Version: "v1", SourceID: "test_pipeline",
	}, samples, 1)
	require.NoError(t, err)
	report := ValidateL1(samples, L1Config{ExpectedVolume: 1}, obj.CreatedAt)
	_, err = e.rec.ApplyL1(context.Background(), "ds1", "v1", obj.Generation, report)
	require.NoError(t, err)

	outcome := e.auditor.audit(context.Background(), "ds1", "v1")
	assert.Equal(t, observability.AuditSuppressed, outcome)

	rec, err := e.store.GetRecord(context.Background(), "ds1", "v1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusBlock, rec.Object.Status)
	assert.Equal(t, datatypes.SourceL1, rec.Object.StatusSource)
	require.NotNil(t, rec.Object.L2Reasoning, "reasoning kept for diagnostics")
}

func TestAudit_JudgeFailureRecordsHistoryOnly(t *testing.T) {
	e := newAuditEnv(t, failingJudge{})
	e.create(t, "v1", "", "nature", 5)

	outcome := e.auditor.audit(context.Background(), "ds1", "v1")
	assert.Equal(t, observability.AuditFailed, outcome)

	rec, err := e.store.GetRecord(context.Background(), "ds1", "v1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusPass, rec.Object.Status, "status untouched by audit failure")
	assert.Nil(t, rec.Object.L2Reasoning)
	last := rec.Object.StatusHistory[len(rec.Object.StatusHistory)-1]
	assert.Equal(t, datatypes.SourceSystem, last.Source)
	assert.Contains(t, last.Reason, "model unreachable")
}

func TestAudit_MissingParentIsFailure(t *testing.T) {
	e := newAuditEnv(t, judge.NewRuleJudge())
	e.create(t, "v2", "v1", "urban", 5)

	outcome := e.auditor.audit(context.Background(), "ds1", "v2")
	assert.Equal(t, observability.AuditFailed, outcome)

	rec, err := e.store.GetRecord(context.Background(), "ds1", "v2")
	require.NoError(t, err)
	last := rec.Object.StatusHistory[len(rec.Object.StatusHistory)-1]
	assert.Contains(t, last.Reason, "lineage parent v1")
}

func TestTrigger_ReturnsPreAuditObject(t *testing.T) {
	e := newAuditEnv(t, judge.NewRuleJudge())
	created := e.create(t, "v1", "", "nature", 5)

	obj, err := e.auditor.Trigger(context.Background(), "ds1", "v1")
	require.NoError(t, err)
	assert.Equal(t, created.Generation, obj.Generation)
}

func TestTrigger_UnknownVersion(t *testing.T) {
	e := newAuditEnv(t, judge.NewRuleJudge())

	_, err := e.auditor.Trigger(context.Background(), "ds1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// =============================================================================
// Range Check Tests
// =============================================================================

func verdictWith(status datatypes.StatusEnum, confidence float64, rationale string) judge.Verdict {
	return judge.Verdict{
		RecommendedStatus: status,
		ConfidenceScore:   confidence,
		JudgmentSummary:   "test",
		ReasoningTrace:    datatypes.ReasoningTrace{DecisionRationale: rationale},
	}
}

func TestRangeCheck_JudgeMayEscalate(t *testing.T) {
	got := rangeCheck(verdictWith(datatypes.StatusBlock, 0.5, ""), 0.05, "ds1", "v1")
	assert.Equal(t, datatypes.StatusBlock, got)
}

func TestRangeCheck_LowConfidenceDowngradeRaised(t *testing.T) {
	got := rangeCheck(verdictWith(datatypes.StatusPass, 0.5, "looks fine"), 0.4, "ds1", "v1")
	assert.Equal(t, datatypes.StatusBlock, got, "shift above block threshold mandates BLOCK")
}

func TestRangeCheck_ConfidentDowngradeWithRationale(t *testing.T) {
	got := rangeCheck(verdictWith(datatypes.StatusWarn, 0.95, "drift is an intended domain shift"), 0.4, "ds1", "v1")
	assert.Equal(t, datatypes.StatusWarn, got)
}

func TestRangeCheck_ConfidentDowngradeWithoutRationaleRejected(t *testing.T) {
	got := rangeCheck(verdictWith(datatypes.StatusWarn, 0.95, ""), 0.4, "ds1", "v1")
	assert.Equal(t, datatypes.StatusBlock, got)
}

func TestRangeCheck_WarnBandRaisesPass(t *testing.T) {
	got := rangeCheck(verdictWith(datatypes.StatusPass, 0.5, ""), 0.2, "ds1", "v1")
	assert.Equal(t, datatypes.StatusWarn, got)
}

// =============================================================================
// Vector Source Tests
// =============================================================================

type staticVectors struct {
	stored []vectors.SampleVector
	err    error
}

func (s staticVectors) FetchVectors(context.Context, string, string) ([]vectors.SampleVector, error) {
	return s.stored, s.err
}

func TestVectorsFor_UsesStoredVectors(t *testing.T) {
	samples := []datatypes.RawSample{
		{SampleID: "sample_001", Caption: "one"},
		{SampleID: "sample_002", Caption: "two"},
	}
	a := NewAuditor(AuditorConfig{
		Embedder: NewHashEmbedder(),
		Vectors: staticVectors{stored: []vectors.SampleVector{
			{SampleID: "sample_001", Vector: []float32{1, 0}},
			{SampleID: "sample_002", Vector: []float32{0, 1}},
		}},
		Judge: judge.NewRuleJudge(),
	})

	vecs, err := a.vectorsFor(context.Background(), "ds1", "v1", samples)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[0], "payload order preserved")
}

func TestVectorsFor_FallsBackOnReadError(t *testing.T) {
	samples := []datatypes.RawSample{{SampleID: "sample_001", Caption: "one"}}
	a := NewAuditor(AuditorConfig{
		Embedder: NewHashEmbedder(),
		Vectors:  staticVectors{err: errors.New("weaviate down")},
		Judge:    judge.NewRuleJudge(),
	})

	vecs, err := a.vectorsFor(context.Background(), "ds1", "v1", samples)
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Len(t, vecs[0], EmbeddingDim, "re-embedded from the raw payload")
}

func TestVectorsFor_CountMismatchFallsBack(t *testing.T) {
	samples := []datatypes.RawSample{
		{SampleID: "sample_001", Caption: "one"},
		{SampleID: "sample_002", Caption: "two"},
	}
	a := NewAuditor(AuditorConfig{
		Embedder: NewHashEmbedder(),
		Vectors: staticVectors{stored: []vectors.SampleVector{
			{SampleID: "sample_001", Vector: []float32{1, 0}},
		}},
		Judge: judge.NewRuleJudge(),
	})

	vecs, err := a.vectorsFor(context.Background(), "ds1", "v1", samples)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], EmbeddingDim)
}
