// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package judge abstracts the L2 semantic auditor's reasoning model.
//
// The auditor computes drift statistics and outlier context, then hands
// them to a Judge for a structured verdict. The default backend is the
// OpenAI chat API; a deterministic rule-based backend keeps the pipeline
// fully functional without an API key (and is what the tests use).
package judge

import (
	"context"
	"fmt"
	"sort"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
)

// SampleRef is the minimal sample view shown to the model.
type SampleRef struct {
	SampleID string `json:"sample_id"`
	ImageURL string `json:"image_url"`
	Caption  string `json:"caption"`
}

// Input is everything a Judge sees for one audit: drift statistics between
// the version and its lineage parent, representative samples, and the
// statistically most-outlying cohort.
type Input struct {
	DatasetID            string                    `json:"dataset_id"`
	Version              string                    `json:"version"`
	LineageParentVersion string                    `json:"lineage_parent_version,omitempty"`
	Drift                map[string]float64        `json:"drift"`
	Samples              []SampleRef               `json:"samples"`
	OutlierContext       []datatypes.OutlierSample `json:"outlier_context"`
}

// Verdict is the structured output of a Judge. RecommendedStatus is
// advisory: the auditor range-checks it against the drift thresholds
// before it becomes the version's L2 status.
type Verdict struct {
	ReasoningTrace    datatypes.ReasoningTrace `json:"reasoning_trace"`
	JudgmentSummary   string                   `json:"judgment_summary"`
	FlaggedSamples    []string                 `json:"flagged_samples"`
	ConfidenceScore   float64                  `json:"confidence_score"`
	RecommendedStatus datatypes.StatusEnum     `json:"recommended_status"`
}

// Validate checks the structural sanity of a verdict. A verdict that fails
// here is treated as malformed model output, i.e. an audit failure.
func (v *Verdict) Validate() error {
	if v.ConfidenceScore < 0 || v.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score %.3f outside [0, 1]", v.ConfidenceScore)
	}
	if !v.RecommendedStatus.IsJudgment() {
		return fmt.Errorf("recommended_status %q is not a judgment status", v.RecommendedStatus)
	}
	if v.JudgmentSummary == "" {
		return fmt.Errorf("empty judgment_summary")
	}
	return nil
}

// Judge produces a structured audit verdict from drift evidence.
type Judge interface {
	// Name identifies the backing model, recorded as L2Reasoning.ModelName.
	Name() string

	// Evaluate returns a verdict or an error. Errors are audit failures:
	// they are recorded in status history and never change the status.
	Evaluate(ctx context.Context, in Input) (Verdict, error)
}

// =============================================================================
// Rule-Based Judge
// =============================================================================

// Drift thresholds shared with the auditor's range check.
const (
	BlockShiftThreshold = 0.30
	WarnShiftThreshold  = 0.15
)

// RuleJudge is a deterministic offline Judge that applies the drift
// thresholds directly. It exists so the control plane degrades gracefully
// when no model backend is configured, and so tests are reproducible.
type RuleJudge struct{}

// NewRuleJudge returns the deterministic threshold judge.
func NewRuleJudge() *RuleJudge {
	return &RuleJudge{}
}

func (j *RuleJudge) Name() string {
	return "threshold-rules-v1"
}

func (j *RuleJudge) Evaluate(_ context.Context, in Input) (Verdict, error) {
	shift := in.Drift["cosine_mean_shift"]

	status := datatypes.StatusPass
	summary := "Drift within tolerance. No semantic misalignment indicated."
	rationale := fmt.Sprintf("cosine_mean_shift=%.3f is at or below the %.2f warn threshold", shift, WarnShiftThreshold)
	switch {
	case shift > BlockShiftThreshold:
		status = datatypes.StatusBlock
		summary = "BLOCK recommended: distribution shift exceeds the block threshold."
		rationale = fmt.Sprintf("cosine_mean_shift=%.3f exceeds the %.2f block threshold", shift, BlockShiftThreshold)
	case shift > WarnShiftThreshold:
		status = datatypes.StatusWarn
		summary = "Moderate drift detected. Human review recommended."
		rationale = fmt.Sprintf("cosine_mean_shift=%.3f is between the %.2f warn and %.2f block thresholds", shift, WarnShiftThreshold, BlockShiftThreshold)
	}

	observations := []string{
		fmt.Sprintf("cosine_mean_shift=%.3f against lineage parent %s", shift, orNone(in.LineageParentVersion)),
		fmt.Sprintf("%d samples evaluated, %d in outlier cohort", len(in.Samples), len(in.OutlierContext)),
	}
	for _, kv := range sortedDriftEntries(in.Drift) {
		if kv.name == "cosine_mean_shift" {
			continue
		}
		observations = append(observations, fmt.Sprintf("%s=%.3f", kv.name, kv.value))
	}

	flagged := make([]string, 0, len(in.OutlierContext))
	for _, o := range in.OutlierContext {
		flagged = append(flagged, o.SourceID)
	}

	return Verdict{
		ReasoningTrace: datatypes.ReasoningTrace{
			Summary:           summary,
			KeyObservations:   observations,
			DecisionRationale: rationale,
			RecommendedAction: recommendedAction(status),
		},
		JudgmentSummary:   summary,
		FlaggedSamples:    flagged,
		ConfidenceScore:   0.6,
		RecommendedStatus: status,
	}, nil
}

func recommendedAction(status datatypes.StatusEnum) string {
	switch status {
	case datatypes.StatusBlock:
		return "Inspect the outlier cohort and the upstream capture sources before promoting this version"
	case datatypes.StatusWarn:
		return "Human review to assess production impact"
	}
	return ""
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

type driftEntry struct {
	name  string
	value float64
}

func sortedDriftEntries(drift map[string]float64) []driftEntry {
	entries := make([]driftEntry, 0, len(drift))
	for name, value := range drift {
		entries = append(entries, driftEntry{name, value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries
}
