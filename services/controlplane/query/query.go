// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query builds the read-side projections the dashboard polls:
// per-dataset summaries, aggregate statistics, paginated sample listings,
// and ranked outlier listings. All projections are computed on demand from
// the version store; at dashboard scale a scan per poll is cheaper than
// maintaining materialized views.
package query

import (
	"context"
	"sort"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
	"github.com/AleutianAI/alignops/services/controlplane/store"
)

// recentActivityLimit caps the activity feed in the statistics view.
const recentActivityLimit = 20

// Service answers read-side queries over the version store.
type Service struct {
	store *store.Store
}

// New creates a query service over the version store.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// Summaries returns one roll-up per dataset, each reflecting the most
// recently created version, ordered by dataset creation (first version's
// sequence number).
func (s *Service) Summaries(ctx context.Context) ([]datatypes.DatasetSummary, error) {
	recs, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	type agg struct {
		latest store.Record
		count  int
		first  uint64
	}
	byDataset := make(map[string]*agg)
	order := make([]string, 0)
	for _, rec := range recs {
		id := rec.Object.DatasetID
		a, ok := byDataset[id]
		if !ok {
			a = &agg{latest: rec, first: rec.Seq}
			byDataset[id] = a
			order = append(order, id)
		}
		a.count++
		if rec.Seq >= a.latest.Seq {
			a.latest = rec
		}
	}
	sort.Slice(order, func(i, j int) bool {
		return byDataset[order[i]].first < byDataset[order[j]].first
	})

	summaries := make([]datatypes.DatasetSummary, 0, len(order))
	for _, id := range order {
		a := byDataset[id]
		obj := a.latest.Object
		summary := datatypes.DatasetSummary{
			DatasetID:     id,
			LatestVersion: obj.Version,
			Status:        obj.Status,
			StatusSource:  obj.StatusSource,
			TotalVersions: a.count,
		}
		if n := len(obj.StatusHistory); n > 0 {
			summary.LastEvaluated = obj.StatusHistory[n-1].Timestamp
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Stats returns the aggregate statistics view: total version count, a count
// per status (every status present, zeros included), and the most recent
// status changes across all versions, newest first.
func (s *Service) Stats(ctx context.Context) (datatypes.DatasetStatistics, error) {
	recs, err := s.store.ListAll(ctx)
	if err != nil {
		return datatypes.DatasetStatistics{}, err
	}

	stats := datatypes.DatasetStatistics{
		Total: len(recs),
		ByStatus: map[datatypes.StatusEnum]int{
			datatypes.StatusPending:    0,
			datatypes.StatusValidating: 0,
			datatypes.StatusPass:       0,
			datatypes.StatusWarn:       0,
			datatypes.StatusBlock:      0,
		},
		RecentActivity: []datatypes.ActivityItem{},
	}

	for _, rec := range recs {
		stats.ByStatus[rec.Object.Status]++
		if n := len(rec.Object.StatusHistory); n > 0 {
			last := rec.Object.StatusHistory[n-1]
			stats.RecentActivity = append(stats.RecentActivity, datatypes.ActivityItem{
				DatasetID: rec.Object.DatasetID,
				Version:   rec.Object.Version,
				Status:    last.Status,
				Timestamp: last.Timestamp,
			})
		}
	}

	sort.Slice(stats.RecentActivity, func(i, j int) bool {
		return stats.RecentActivity[i].Timestamp.After(stats.RecentActivity[j].Timestamp)
	})
	if len(stats.RecentActivity) > recentActivityLimit {
		stats.RecentActivity = stats.RecentActivity[:recentActivityLimit]
	}
	return stats, nil
}

// SamplePage is one page of a version's raw samples.
type SamplePage struct {
	DatasetID string                         `json:"dataset_id"`
	Version   string                         `json:"version"`
	Total     int                            `json:"total"`
	Offset    int                            `json:"offset"`
	Limit     int                            `json:"limit"`
	Samples   []datatypes.SampleWithMetadata `json:"samples"`
}

// Samples returns a page of a version's ingested samples in ingestion
// order. Out-of-range offsets yield an empty page, not an error.
func (s *Service) Samples(ctx context.Context, datasetID, version string, offset, limit int) (SamplePage, error) {
	rec, err := s.store.GetRecord(ctx, datasetID, version)
	if err != nil {
		return SamplePage{}, err
	}

	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}

	page := SamplePage{
		DatasetID: datasetID,
		Version:   version,
		Total:     len(rec.Raw),
		Offset:    offset,
		Limit:     limit,
		Samples:   []datatypes.SampleWithMetadata{},
	}
	for i := offset; i < len(rec.Raw) && i < offset+limit; i++ {
		raw := rec.Raw[i]
		page.Samples = append(page.Samples, datatypes.SampleWithMetadata{
			ImageURL:         raw.ImageURL,
			Caption:          raw.Caption,
			SourceID:         raw.SourceID,
			ImageFetchStatus: raw.ImageFetchStatus,
			FallbackUsed:     raw.FallbackUsed,
		})
	}
	return page, nil
}

// Outliers returns the top-ranked outlier annotations from the version's
// last completed audit, capped at limit. Empty before the first audit.
func (s *Service) Outliers(ctx context.Context, datasetID, version string, limit int) ([]datatypes.OutlierSample, error) {
	rec, err := s.store.GetRecord(ctx, datasetID, version)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	outliers := rec.Outliers
	if len(outliers) > limit {
		outliers = outliers[:limit]
	}
	if outliers == nil {
		outliers = []datatypes.OutlierSample{}
	}
	return outliers, nil
}
