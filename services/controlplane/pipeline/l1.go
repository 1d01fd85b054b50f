// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements the two validation tiers of the control
// plane: the deterministic L1 check (schema, volume, freshness) and the
// asynchronous L2 semantic drift audit, plus the ingestion glue that feeds
// them (sample normalization, embedding, vector indexing).
package pipeline

import (
	"time"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
)

// L1Config carries the thresholds for tier-1 validation.
type L1Config struct {
	// ExpectedVolume is the row count a full batch should carry.
	ExpectedVolume int

	// FreshnessWarnSec is the freshness delay above which a batch is
	// downgraded to WARN. 0 disables the freshness check.
	FreshnessWarnSec int
}

// Volume ratio cut-offs. Below BlockVolumeRatio the batch is unusable;
// below WarnVolumeRatio it is suspicious.
const (
	BlockVolumeRatio = 0.5
	WarnVolumeRatio  = 0.9
)

// ValidateL1 runs the deterministic tier-1 validation over an ingested
// batch. It is a pure function: no I/O, no external calls, and it never
// fails — malformed items are schema findings inside the report, not
// errors.
//
// Status derivation:
//   - BLOCK if the schema check fails or volume_actual/volume_expected < 0.5
//   - WARN if the volume ratio is < 0.9 or the freshness delay exceeds the
//     configured warn threshold
//   - PASS otherwise
func ValidateL1(samples []datatypes.RawSample, cfg L1Config, now time.Time) datatypes.L1Report {
	schemaPassed := true
	totalCaptionLen := 0
	for _, s := range samples {
		if s.ImageURL == "" || s.Caption == "" || s.SourceID == "" {
			schemaPassed = false
		}
		totalCaptionLen += len(s.Caption)
	}

	actual := len(samples)
	expected := cfg.ExpectedVolume
	if expected <= 0 {
		expected = actual
	}

	freshness := freshnessDelaySec(samples, now)

	var ratio float64
	if expected > 0 {
		ratio = float64(actual) / float64(expected)
	}

	status := datatypes.StatusPass
	switch {
	case !schemaPassed || ratio < BlockVolumeRatio:
		status = datatypes.StatusBlock
	case ratio < WarnVolumeRatio:
		status = datatypes.StatusWarn
	case cfg.FreshnessWarnSec > 0 && freshness > cfg.FreshnessWarnSec:
		status = datatypes.StatusWarn
	}

	avgCaptionLen := 0.0
	if actual > 0 {
		avgCaptionLen = float64(totalCaptionLen) / float64(actual)
	}

	return datatypes.L1Report{
		SchemaPassed:      schemaPassed,
		VolumeActual:      actual,
		VolumeExpected:    expected,
		FreshnessDelaySec: freshness,
		L1Status:          status,
		Details: map[string]any{
			"avg_caption_len": avgCaptionLen,
			"freshness_known": freshness >= 0,
		},
	}
}

// freshnessDelaySec returns the age of the newest event timestamp in the
// batch, in whole seconds, or -1 when no sample carries one.
func freshnessDelaySec(samples []datatypes.RawSample, now time.Time) int {
	var latest time.Time
	for _, s := range samples {
		if !s.CapturedAt.IsZero() && s.CapturedAt.After(latest) {
			latest = s.CapturedAt
		}
	}
	if latest.IsZero() {
		return -1
	}
	delay := int(now.Sub(latest).Seconds())
	if delay < 0 {
		return 0
	}
	return delay
}
