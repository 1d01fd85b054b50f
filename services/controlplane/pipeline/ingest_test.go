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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
)

func TestPrepareSamples_PositionalIDs(t *testing.T) {
	items := []datatypes.IngestItem{
		datatypes.NewIngestItem("http://x/1.jpg", "one", "cam"),
		datatypes.NewIngestItem("http://x/2.jpg", "two", "cam"),
	}
	samples := PrepareSamples(items)
	require.Len(t, samples, 2)
	assert.Equal(t, "sample_001", samples[0].SampleID)
	assert.Equal(t, "sample_002", samples[1].SampleID)
	assert.Equal(t, "ok", samples[0].ImageFetchStatus)
	assert.False(t, samples[0].FallbackUsed)
}

func TestPrepareSamples_MissingURLMarksFallback(t *testing.T) {
	samples := PrepareSamples([]datatypes.IngestItem{
		datatypes.NewIngestItem("", "no image", "cam"),
	})
	require.Len(t, samples, 1)
	assert.True(t, samples[0].FallbackUsed)
	assert.Equal(t, "missing_url", samples[0].ImageFetchStatus)
}

func TestExtractTimestamp_RFC3339(t *testing.T) {
	ts := extractTimestamp(map[string]any{"captured_at": "2025-08-01T10:00:00Z"})
	assert.Equal(t, time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC), ts)
}

func TestExtractTimestamp_EpochSeconds(t *testing.T) {
	// JSON numbers arrive as float64.
	ts := extractTimestamp(map[string]any{"event_time": float64(1754042400)})
	assert.Equal(t, int64(1754042400), ts.Unix())
}

func TestExtractTimestamp_KeyPriority(t *testing.T) {
	ts := extractTimestamp(map[string]any{
		"captured_at": "2025-08-01T10:00:00Z",
		"created_at":  "2020-01-01T00:00:00Z",
	})
	assert.Equal(t, 2025, ts.Year(), "captured_at outranks created_at")
}

func TestExtractTimestamp_Unparseable(t *testing.T) {
	assert.True(t, extractTimestamp(map[string]any{"timestamp": "yesterday"}).IsZero())
	assert.True(t, extractTimestamp(nil).IsZero())
}

func TestIndexer_NilVectorClientIsNoOp(t *testing.T) {
	ix := NewIndexer(nil, NewHashEmbedder())
	// Must not panic or spawn anything.
	ix.IndexAsync("ds1", "v1", []datatypes.RawSample{{SampleID: "sample_001", Caption: "x"}})
}
