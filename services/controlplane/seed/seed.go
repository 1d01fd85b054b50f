// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package seed loads the demo_vlm_dataset fixtures so a fresh install has
// something to show: a nature-scene baseline version and a drifted urban
// follow-up version with a lineage pointer back to the baseline.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
	"github.com/AleutianAI/alignops/services/controlplane/pipeline"
	"github.com/AleutianAI/alignops/services/controlplane/reconciler"
	"github.com/AleutianAI/alignops/services/controlplane/store"
)

const demoDatasetID = "demo_vlm_dataset"

// Deps is what the seeder needs: the same creation path the API uses, so
// seeded versions carry real L1 reports and history.
type Deps struct {
	Store      *store.Store
	Reconciler *reconciler.Reconciler
	Indexer    *pipeline.Indexer
	L1Config   pipeline.L1Config
}

type demoVersion struct {
	spec  datatypes.CreateDatasetSpec
	items []datatypes.IngestItem
}

func demoVersions() []demoVersion {
	return []demoVersion{
		{
			spec: datatypes.CreateDatasetSpec{
				DatasetID: demoDatasetID,
				Version:   "v1",
				SourceID:  "nature_pipeline",
				Tags:      []string{"nature", "demo", "baseline"},
			},
			items: []datatypes.IngestItem{
				datatypes.NewIngestItem("https://images.demo.aleutian.ai/nature/forest_stream.jpg",
					"A shallow stream running through a mossy pine forest", "nature_pipeline"),
				datatypes.NewIngestItem("https://images.demo.aleutian.ai/nature/alpine_meadow.jpg",
					"Wildflowers blooming in an alpine meadow below snowy peaks", "nature_pipeline"),
				datatypes.NewIngestItem("https://images.demo.aleutian.ai/nature/coastal_cliffs.jpg",
					"Seabirds circling above coastal cliffs at low tide", "nature_pipeline"),
				datatypes.NewIngestItem("https://images.demo.aleutian.ai/nature/autumn_lake.jpg",
					"A still lake reflecting autumn birch trees", "nature_pipeline"),
				datatypes.NewIngestItem("https://images.demo.aleutian.ai/nature/desert_dunes.jpg",
					"Wind-carved sand dunes under a clear morning sky", "nature_pipeline"),
			},
		},
		{
			spec: datatypes.CreateDatasetSpec{
				DatasetID:            demoDatasetID,
				Version:              "v2",
				SourceID:             "urban_pipeline",
				LineageParentVersion: "v1",
				Tags:                 []string{"urban", "demo", "drifted"},
			},
			items: []datatypes.IngestItem{
				datatypes.NewIngestItem("https://images.demo.aleutian.ai/urban/intersection.jpg",
					"Pedestrians crossing a busy downtown intersection at dusk", "urban_pipeline"),
				datatypes.NewIngestItem("https://images.demo.aleutian.ai/urban/subway.jpg",
					"Commuters waiting on a crowded subway platform", "urban_pipeline"),
				datatypes.NewIngestItem("https://images.demo.aleutian.ai/urban/rooftops.jpg",
					"Apartment rooftops with water towers against the skyline", "urban_pipeline"),
				datatypes.NewIngestItem("https://images.demo.aleutian.ai/urban/market.jpg",
					"A covered street market lit by strings of bulbs at night", "urban_pipeline"),
				datatypes.NewIngestItem("https://images.demo.aleutian.ai/urban/construction.jpg",
					"Cranes over a high-rise construction site in morning fog", "urban_pipeline"),
			},
		},
	}
}

// Demo loads the fixtures through the regular creation path: persist, run
// L1, index vectors. Idempotent: versions that already exist are skipped.
func Demo(ctx context.Context, d Deps) error {
	for _, dv := range demoVersions() {
		_, err := d.Store.Get(ctx, dv.spec.DatasetID, dv.spec.Version)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check demo version %s: %w", dv.spec.Version, err)
		}

		samples := pipeline.PrepareSamples(dv.items)
		expected := len(samples)
		obj, err := d.Reconciler.CreateVersion(ctx, dv.spec, samples, expected)
		if err != nil {
			return fmt.Errorf("seed demo version %s: %w", dv.spec.Version, err)
		}

		report := pipeline.ValidateL1(samples, pipeline.L1Config{
			ExpectedVolume:   expected,
			FreshnessWarnSec: d.L1Config.FreshnessWarnSec,
		}, obj.CreatedAt)
		if _, err := d.Reconciler.ApplyL1(ctx, obj.DatasetID, obj.Version, obj.Generation, report); err != nil {
			return fmt.Errorf("seed L1 for %s: %w", dv.spec.Version, err)
		}

		d.Indexer.IndexAsync(obj.DatasetID, obj.Version, samples)
		slog.Info("Seeded demo dataset version",
			"dataset_id", obj.DatasetID, "version", obj.Version, "samples", len(samples))
	}
	return nil
}
