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
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
	"github.com/AleutianAI/alignops/services/controlplane/vectors"
)

// timestampKeys are scanned, in order, for a per-item event timestamp.
var timestampKeys = []string{"captured_at", "created_at", "updated_at", "timestamp", "event_time"}

// PrepareSamples normalizes an ingestion batch into stored samples.
//
// Sample IDs are positional (sample_001, ...) so that re-ingesting the same
// batch yields the same IDs and vector upserts overwrite rather than
// duplicate. Items with no image URL are marked fallback_used with fetch
// status "missing_url"; the L1 schema check fails them, but the sample is
// still stored so the dashboard can show what arrived.
func PrepareSamples(items []datatypes.IngestItem) []datatypes.RawSample {
	samples := make([]datatypes.RawSample, 0, len(items))
	for i, it := range items {
		s := datatypes.RawSample{
			SampleID:   fmt.Sprintf("sample_%03d", i+1),
			ImageURL:   it.ImageURL,
			Caption:    it.Caption,
			SourceID:   it.SourceID,
			CapturedAt: extractTimestamp(it.Fields),
		}
		if s.ImageURL == "" {
			s.FallbackUsed = true
			s.ImageFetchStatus = "missing_url"
		} else {
			s.ImageFetchStatus = "ok"
		}
		samples = append(samples, s)
	}
	return samples
}

// extractTimestamp pulls the first recognizable event timestamp out of a raw
// item's fields. Accepts RFC 3339 strings and numeric epoch seconds. Returns
// the zero time when nothing parses.
func extractTimestamp(fields map[string]any) time.Time {
	for _, key := range timestampKeys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339, t); err == nil {
				return ts
			}
		case float64:
			if t > 0 {
				return time.Unix(int64(t), 0).UTC()
			}
		}
	}
	return time.Time{}
}

// Indexer pushes a version's sample embeddings into the vector store in the
// background so ingestion latency stays flat. Failures are logged and
// retried implicitly on the next audit, which falls back to re-embedding
// from the raw payload.
type Indexer struct {
	vectors  *vectors.Client
	embedder Embedder
}

// NewIndexer builds a background indexer. vc may be nil, in which case
// IndexAsync is a no-op (offline mode).
func NewIndexer(vc *vectors.Client, embedder Embedder) *Indexer {
	return &Indexer{vectors: vc, embedder: embedder}
}

// IndexAsync embeds and upserts one version's samples without blocking the
// caller. The supplied context is only used for cancellation of the request
// that triggered it; the background work runs on its own timeout.
func (ix *Indexer) IndexAsync(datasetID, version string, samples []datatypes.RawSample) {
	if ix == nil || ix.vectors == nil || len(samples) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := ix.Index(ctx, datasetID, version, samples); err != nil {
			slog.Warn("Background vector indexing failed",
				"dataset_id", datasetID, "version", version, "error", err)
		}
	}()
}

// Index embeds the batch's captions and upserts them into the vector store.
func (ix *Indexer) Index(ctx context.Context, datasetID, version string, samples []datatypes.RawSample) error {
	texts := make([]string, len(samples))
	for i, s := range samples {
		texts[i] = s.Caption
	}
	vecs, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if err := ix.vectors.UpsertBatch(ctx, datasetID, version, samples, vecs); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}
	slog.Debug("Indexed sample vectors",
		"dataset_id", datasetID, "version", version, "count", len(samples))
	return nil
}
