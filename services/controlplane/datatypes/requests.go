// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
)

// CreateDatasetSpec is the client-supplied part of a new dataset version.
// Status, history and timestamps are assigned by the server.
type CreateDatasetSpec struct {
	DatasetID            string   `json:"dataset_id" binding:"required,identifier"`
	Version              string   `json:"version" binding:"required,identifier"`
	SourceID             string   `json:"source_id" binding:"required"`
	LineageParentVersion string   `json:"lineage_parent_version,omitempty" binding:"omitempty,identifier"`
	Tags                 []string `json:"tags"`
}

// CreateDatasetRequest is the body of POST /datasets/.
type CreateDatasetRequest struct {
	Dataset CreateDatasetSpec `json:"dataset" binding:"required"`
	RawData []IngestItem      `json:"raw_data" binding:"required"`
}

// ManualOverrideRequest is the body of the manual-override endpoint.
type ManualOverrideRequest struct {
	OverrideStatus StatusEnum `json:"override_status" binding:"required"`
	Reason         string     `json:"reason,omitempty"`
}

// IngestItem is one raw item of an ingestion batch.
//
// The batch format is intentionally loose: the three core fields are pulled
// out when present, and the full key set is preserved in Fields so the L1
// validator can scan for event timestamps (captured_at, event_time, ...)
// without the API rejecting unknown keys. A missing or mistyped core field
// is a schema finding for L1, never a transport error.
type IngestItem struct {
	ImageURL string
	Caption  string
	SourceID string
	Fields   map[string]any
}

func (it *IngestItem) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	it.Fields = m
	it.ImageURL, _ = m["image_url"].(string)
	it.Caption, _ = m["caption"].(string)
	it.SourceID, _ = m["source_id"].(string)
	return nil
}

func (it IngestItem) MarshalJSON() ([]byte, error) {
	if it.Fields != nil {
		return json.Marshal(it.Fields)
	}
	return json.Marshal(map[string]any{
		"image_url": it.ImageURL,
		"caption":   it.Caption,
		"source_id": it.SourceID,
	})
}

// NewIngestItem builds a well-formed item from the three core fields.
// Mostly used by the demo seeder and tests.
func NewIngestItem(imageURL, caption, sourceID string) IngestItem {
	return IngestItem{
		ImageURL: imageURL,
		Caption:  caption,
		SourceID: sourceID,
		Fields: map[string]any{
			"image_url": imageURL,
			"caption":   caption,
			"source_id": sourceID,
		},
	}
}
