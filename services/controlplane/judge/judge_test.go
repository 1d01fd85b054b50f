// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package judge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
)

func ruleInput(shift float64) Input {
	return Input{
		DatasetID:            "ds1",
		Version:              "v2",
		LineageParentVersion: "v1",
		Drift:                map[string]float64{"cosine_mean_shift": shift},
	}
}

func TestRuleJudge_Thresholds(t *testing.T) {
	j := NewRuleJudge()
	cases := []struct {
		name  string
		shift float64
		want  datatypes.StatusEnum
	}{
		{"no drift passes", 0.0, datatypes.StatusPass},
		{"at warn threshold passes", 0.15, datatypes.StatusPass},
		{"above warn warns", 0.16, datatypes.StatusWarn},
		{"at block threshold warns", 0.30, datatypes.StatusWarn},
		{"above block blocks", 0.34, datatypes.StatusBlock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, err := j.Evaluate(context.Background(), ruleInput(tc.shift))
			require.NoError(t, err)
			assert.Equal(t, tc.want, verdict.RecommendedStatus)
			assert.NoError(t, verdict.Validate())
		})
	}
}

func TestRuleJudge_Deterministic(t *testing.T) {
	j := NewRuleJudge()
	in := ruleInput(0.2)
	in.Drift["outlier_score_max"] = 0.8
	in.Drift["sample_count"] = 5

	a, err := j.Evaluate(context.Background(), in)
	require.NoError(t, err)
	b, err := j.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical input yields identical verdicts")
}

func TestRuleJudge_ObservationsIncludeDriftMetrics(t *testing.T) {
	j := NewRuleJudge()
	in := ruleInput(0.4)
	in.Drift["outlier_score_mean"] = 0.3

	verdict, err := j.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.NotEmpty(t, verdict.ReasoningTrace.KeyObservations)
	assert.NotEmpty(t, verdict.ReasoningTrace.DecisionRationale)
	assert.NotEmpty(t, verdict.ReasoningTrace.RecommendedAction)
}

// =============================================================================
// Verdict Validation Tests
// =============================================================================

func TestVerdict_Validate(t *testing.T) {
	good := Verdict{
		JudgmentSummary:   "fine",
		ConfidenceScore:   0.5,
		RecommendedStatus: datatypes.StatusPass,
	}
	assert.NoError(t, good.Validate())

	bad := good
	bad.ConfidenceScore = 1.2
	assert.Error(t, bad.Validate())

	bad = good
	bad.RecommendedStatus = datatypes.StatusValidating
	assert.Error(t, bad.Validate())

	bad = good
	bad.JudgmentSummary = ""
	assert.Error(t, bad.Validate())
}
