// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectors stores sample embeddings in Weaviate.
//
// Each ingested sample becomes one object of class AlignOpsSample carrying
// its precomputed vector (vectorizer "none") and enough payload to rebuild
// outlier listings. The L2 auditor reads vectors back by (dataset_id,
// version) instead of re-embedding on every audit. The whole package is
// optional: when no Weaviate URL is configured the auditor re-embeds from
// the raw payload stored in Badger.
package vectors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
)

var vecTracer = otel.Tracer("alignops.controlplane.vectors")

// ClassSample is the Weaviate class holding per-sample embeddings.
const ClassSample = "AlignOpsSample"

// fetchLimit bounds one version's vector read. Versions larger than this
// are audited on a prefix of their samples.
const fetchLimit = 10000

// sampleNamespace seeds deterministic object IDs so re-upserting the same
// (dataset, version, sample) overwrites instead of duplicating.
var sampleNamespace = uuid.MustParse("5d1c8e1e-32a1-4c06-9b42-6a3f0a9d6f21")

// SampleVector is one sample's stored embedding plus payload.
type SampleVector struct {
	SampleID string
	ImageURL string
	Caption  string
	SourceID string
	Vector   []float32
}

// Client wraps the Weaviate connection for sample vector storage.
type Client struct {
	wv *weaviate.Client
}

// New wraps an existing Weaviate client.
func New(wv *weaviate.Client) *Client {
	return &Client{wv: wv}
}

// EnsureSchema creates the AlignOpsSample class if it does not exist.
// Vectors are supplied by the pipeline, so the class vectorizer is "none".
func (c *Client) EnsureSchema(ctx context.Context) error {
	exists, err := c.wv.Schema().ClassExistenceChecker().WithClassName(ClassSample).Do(ctx)
	if err != nil {
		return fmt.Errorf("check %s class: %w", ClassSample, err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      ClassSample,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "dataset_id", DataType: []string{"text"}},
			{Name: "version", DataType: []string{"text"}},
			{Name: "sample_id", DataType: []string{"text"}},
			{Name: "image_url", DataType: []string{"text"}},
			{Name: "caption", DataType: []string{"text"}},
			{Name: "source_id", DataType: []string{"text"}},
		},
	}
	if err := c.wv.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create %s class: %w", ClassSample, err)
	}
	slog.Info("Created Weaviate class", "class", ClassSample)
	return nil
}

// objectID derives the deterministic Weaviate UUID for one sample.
func objectID(datasetID, version, sampleID string) string {
	return uuid.NewSHA1(sampleNamespace, []byte(datasetID+":"+version+":"+sampleID)).String()
}

// UpsertBatch writes one version's sample vectors in a single batch call.
// len(vecs) must equal len(samples).
func (c *Client) UpsertBatch(ctx context.Context, datasetID, version string, samples []datatypes.RawSample, vecs [][]float32) error {
	ctx, span := vecTracer.Start(ctx, "Vectors.UpsertBatch")
	defer span.End()

	if len(samples) != len(vecs) {
		return fmt.Errorf("sample/vector count mismatch: %d != %d", len(samples), len(vecs))
	}

	objects := make([]*models.Object, 0, len(samples))
	for i, s := range samples {
		objects = append(objects, &models.Object{
			Class: ClassSample,
			ID:    strfmt.UUID(objectID(datasetID, version, s.SampleID)),
			Properties: map[string]any{
				"dataset_id": datasetID,
				"version":    version,
				"sample_id":  s.SampleID,
				"image_url":  s.ImageURL,
				"caption":    s.Caption,
				"source_id":  s.SourceID,
			},
			Vector: models.C11yVector(vecs[i]),
		})
	}

	resp, err := c.wv.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch upsert %d sample vectors: %w", len(objects), err)
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch upsert rejected object %s: %s", obj.ID, obj.Result.Errors.Error[0].Message)
		}
	}
	slog.Debug("Upserted sample vectors",
		"dataset_id", datasetID, "version", version, "count", len(objects))
	return nil
}

// FetchVectors reads back one version's sample vectors in sample_id order.
// Returns an empty slice (not an error) when the version has no indexed
// samples yet.
func (c *Client) FetchVectors(ctx context.Context, datasetID, version string) ([]SampleVector, error) {
	ctx, span := vecTracer.Start(ctx, "Vectors.FetchVectors")
	defer span.End()

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"dataset_id"}).
				WithOperator(filters.Equal).
				WithValueString(datasetID),
			filters.Where().
				WithPath([]string{"version"}).
				WithOperator(filters.Equal).
				WithValueString(version),
		})

	fields := []graphql.Field{
		{Name: "sample_id"},
		{Name: "image_url"},
		{Name: "caption"},
		{Name: "source_id"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "vector"}}},
	}

	resp, err := c.wv.GraphQL().Get().
		WithClassName(ClassSample).
		WithWhere(where).
		WithFields(fields...).
		WithSort(graphql.Sort{Path: []string{"sample_id"}, Order: graphql.Asc}).
		WithLimit(fetchLimit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query sample vectors: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("query sample vectors: %s", resp.Errors[0].Message)
	}

	return ParseSampleVectors(resp.Data)
}

// sampleQueryPayload mirrors the GraphQL response shape for ClassSample.
type sampleQueryPayload struct {
	Get struct {
		AlignOpsSample []struct {
			SampleID   string `json:"sample_id"`
			ImageURL   string `json:"image_url"`
			Caption    string `json:"caption"`
			SourceID   string `json:"source_id"`
			Additional struct {
				Vector []float32 `json:"vector"`
			} `json:"_additional"`
		} `json:"AlignOpsSample"`
	} `json:"Get"`
}

// ParseSampleVectors converts the raw GraphQL data map into typed vectors.
// Split out for testability: the GraphQL client hands back untyped JSON.
func ParseSampleVectors(data map[string]models.JSONObject) ([]SampleVector, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("re-marshal graphql payload: %w", err)
	}
	var payload sampleQueryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse graphql payload: %w", err)
	}

	out := make([]SampleVector, 0, len(payload.Get.AlignOpsSample))
	for _, s := range payload.Get.AlignOpsSample {
		out = append(out, SampleVector{
			SampleID: s.SampleID,
			ImageURL: s.ImageURL,
			Caption:  s.Caption,
			SourceID: s.SourceID,
			Vector:   s.Additional.Vector,
		})
	}
	return out, nil
}
