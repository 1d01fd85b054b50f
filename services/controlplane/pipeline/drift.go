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
	"math"
	"sort"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
)

// CosineDistance returns 1 - cosine_similarity, clamped to [0, 2]. A zero
// vector on either side yields the maximally-uninformative distance 1.0.
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1.0
	}
	d := 1.0 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}

// Centroid returns the element-wise mean of a set of vectors, or nil for an
// empty set.
func Centroid(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	mean := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		for i := 0; i < len(mean) && i < len(v); i++ {
			mean[i] += float64(v[i])
		}
	}
	out := make([]float32, len(mean))
	for i, s := range mean {
		out[i] = float32(s / float64(len(vecs)))
	}
	return out
}

// DriftMetrics computes the distribution drift map between a version's
// vectors and its lineage parent's. cosine_mean_shift, the headline metric,
// is the cosine distance between the two centroids; it is 0 when the parent
// has no vectors (nothing to drift from).
func DriftMetrics(current, parent [][]float32) map[string]float64 {
	metrics := map[string]float64{
		"cosine_mean_shift": 0,
		"sample_count":      float64(len(current)),
		"parent_count":      float64(len(parent)),
	}
	if len(current) == 0 || len(parent) == 0 {
		return metrics
	}
	metrics["cosine_mean_shift"] = CosineDistance(Centroid(current), Centroid(parent))
	return metrics
}

// BuildOutliers annotates every sample with its distance to the parent
// centroid and its own version's centroid, ranks by outlier score, and
// returns the full ranked list plus the sample IDs in the same order. The
// outlier score is the distance to the parent centroid when a parent exists
// (how far the sample sits from the baseline distribution), otherwise the
// distance to the version's own centroid.
//
// Ordering is deterministic: outlier_score descending, then source_id
// ascending, then image_url ascending.
func BuildOutliers(samples []datatypes.RawSample, vecs [][]float32, parentCentroid []float32) ([]datatypes.OutlierSample, []string) {
	if len(samples) == 0 || len(samples) != len(vecs) {
		return nil, nil
	}
	own := Centroid(vecs)

	type ranked struct {
		datatypes.OutlierSample
		sampleID string
	}
	out := make([]ranked, 0, len(samples))
	for i, s := range samples {
		distOwn := CosineDistance(vecs[i], own)
		distParent := distOwn
		if parentCentroid != nil {
			distParent = CosineDistance(vecs[i], parentCentroid)
		}
		out = append(out, ranked{
			OutlierSample: datatypes.OutlierSample{
				ImageURL:         s.ImageURL,
				Caption:          s.Caption,
				SourceID:         s.SourceID,
				ImageFetchStatus: s.ImageFetchStatus,
				FallbackUsed:     s.FallbackUsed,
				DistToV1Mean:     distParent,
				DistToV2Mean:     distOwn,
				OutlierScore:     distParent,
			},
			sampleID: s.SampleID,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].OutlierScore != out[j].OutlierScore {
			return out[i].OutlierScore > out[j].OutlierScore
		}
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].ImageURL < out[j].ImageURL
	})

	outliers := make([]datatypes.OutlierSample, len(out))
	ids := make([]string, len(out))
	for i, r := range out {
		outliers[i] = r.OutlierSample
		ids[i] = r.sampleID
	}
	return outliers, ids
}

// OutlierStats extends a drift map with summary statistics over the ranked
// outlier set.
func OutlierStats(metrics map[string]float64, outliers []datatypes.OutlierSample) {
	if len(outliers) == 0 {
		return
	}
	var sum, max float64
	for _, o := range outliers {
		sum += o.OutlierScore
		if o.OutlierScore > max {
			max = o.OutlierScore
		}
	}
	metrics["outlier_score_mean"] = sum / float64(len(outliers))
	metrics["outlier_score_max"] = max
}
