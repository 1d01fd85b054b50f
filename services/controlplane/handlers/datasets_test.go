// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerstore "github.com/AleutianAI/alignops/pkg/storage/badger"
	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
	"github.com/AleutianAI/alignops/services/controlplane/judge"
	"github.com/AleutianAI/alignops/services/controlplane/pipeline"
	"github.com/AleutianAI/alignops/services/controlplane/query"
	"github.com/AleutianAI/alignops/services/controlplane/reconciler"
	"github.com/AleutianAI/alignops/services/controlplane/routes"
	"github.com/AleutianAI/alignops/services/controlplane/store"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	rec := reconciler.New(s)
	embedder := pipeline.NewHashEmbedder()
	auditor := pipeline.NewAuditor(pipeline.AuditorConfig{
		Store:      s,
		Reconciler: rec,
		Embedder:   embedder,
		Judge:      judge.NewRuleJudge(),
		MaxFlagged: 10,
	})

	router := gin.New()
	routes.SetupRoutes(router, routes.Deps{
		Store:      s,
		Reconciler: rec,
		Auditor:    auditor,
		Indexer:    pipeline.NewIndexer(nil, embedder),
		Query:      query.New(s),
		L1Config:   pipeline.L1Config{ExpectedVolume: 5, FreshnessWarnSec: 3600},
	})
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeObject(t *testing.T, w *httptest.ResponseRecorder) datatypes.DatasetObject {
	t.Helper()
	var obj datatypes.DatasetObject
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &obj))
	return obj
}

func createBody(datasetID, version, parent string, captions ...string) map[string]any {
	raw := make([]map[string]any, 0, len(captions))
	for i, caption := range captions {
		item := map[string]any{
			"image_url": fmt.Sprintf("http://x/%s/%d.jpg", version, i+1),
			"source_id": "cam_1",
		}
		if caption != "" {
			item["caption"] = caption
		}
		raw = append(raw, item)
	}
	dataset := map[string]any{
		"dataset_id": datasetID,
		"version":    version,
		"source_id":  "test_pipeline",
		"tags":       []string{"test"},
	}
	if parent != "" {
		dataset["lineage_parent_version"] = parent
	}
	return map[string]any{"dataset": dataset, "raw_data": raw}
}

func pollStatusSource(t *testing.T, router *gin.Engine, path string, source datatypes.StatusSource) datatypes.DatasetObject {
	t.Helper()
	var obj datatypes.DatasetObject
	require.Eventually(t, func() bool {
		w := doJSON(t, router, http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			return false
		}
		obj = decodeObject(t, w)
		return obj.StatusSource == source
	}, 5*time.Second, 20*time.Millisecond)
	return obj
}

// =============================================================================
// Create / Read Tests
// =============================================================================

func TestCreateVersion_RunsL1Synchronously(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("ds1", "v1", "", "a", "b", "c", "d", "e"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	obj := decodeObject(t, w)
	assert.Equal(t, datatypes.StatusPass, obj.Status, "5/5 good items pass L1")
	assert.Equal(t, datatypes.SourceL1, obj.StatusSource)
	require.NotNil(t, obj.L1Report)
	assert.True(t, obj.L1Report.SchemaPassed)
	assert.Equal(t, uint64(1), obj.Generation)
}

func TestCreateVersion_Conflict(t *testing.T) {
	router := newTestRouter(t)

	body := createBody("ds1", "v1", "", "a")
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/datasets/", body).Code)

	w := doJSON(t, router, http.MethodPost, "/datasets/", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "detail")
}

func TestCreateVersion_MalformedBody(t *testing.T) {
	router := newTestRouter(t)

	req, _ := http.NewRequest(http.MethodPost, "/datasets/", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCreateVersion_InvalidIdentifier(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("bad:id", "v1", "", "a"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetVersion_NotFound(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/datasets/ds1/v/v1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "detail")
}

func TestListVersions(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/", createBody("ds1", "v1", "", "a"))
	doJSON(t, router, http.MethodPost, "/datasets/", createBody("ds1", "v2", "v1", "b"))

	w := doJSON(t, router, http.MethodGet, "/datasets/ds1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var objs []datatypes.DatasetObject
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &objs))
	assert.Len(t, objs, 2)
}

func TestListSummariesAndStats(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("ds1", "v1", "", "a", "b", "c", "d", "e"))

	w := doJSON(t, router, http.MethodGet, "/datasets/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summaries []datatypes.DatasetSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "v1", summaries[0].LatestVersion)

	w = doJSON(t, router, http.MethodGet, "/datasets/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats datatypes.DatasetStatistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[datatypes.StatusPass])
}

// =============================================================================
// Validation Scenario Tests
// =============================================================================

func TestScenario_MissingCaptionBlocksAndL2CannotUnblock(t *testing.T) {
	router := newTestRouter(t)

	// One of five items lacks a caption.
	w := doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("ds1", "v1", "", "a", "b", "", "d", "e"))
	require.Equal(t, http.StatusCreated, w.Code)

	obj := decodeObject(t, w)
	require.NotNil(t, obj.L1Report)
	assert.False(t, obj.L1Report.SchemaPassed)
	assert.Equal(t, datatypes.StatusBlock, obj.Status)
	assert.Equal(t, datatypes.SourceL1, obj.StatusSource)

	// Trigger L2: it completes, records reasoning, but cannot unblock.
	w = doJSON(t, router, http.MethodPost, "/datasets/ds1/v/v1/trigger-l2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		got := decodeObject(t, doJSON(t, router, http.MethodGet, "/datasets/ds1/v/v1", nil))
		return got.L2Reasoning != nil
	}, 5*time.Second, 20*time.Millisecond)

	got := decodeObject(t, doJSON(t, router, http.MethodGet, "/datasets/ds1/v/v1", nil))
	assert.Equal(t, datatypes.StatusBlock, got.Status)
	assert.Equal(t, datatypes.SourceL1, got.StatusSource)
}

func TestScenario_DriftedLineageBlocksViaL2(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("ds1", "v1", "", "forest stream", "alpine meadow", "coastal cliffs", "autumn lake", "desert dunes"))
	doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("ds1", "v2", "v1", "downtown intersection", "subway platform", "apartment rooftops", "street market", "construction site"))

	w := doJSON(t, router, http.MethodPost, "/datasets/ds1/v/v2/trigger-l2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pre := decodeObject(t, w)
	assert.Equal(t, datatypes.SourceL1, pre.StatusSource, "trigger returns the pre-audit state")

	got := pollStatusSource(t, router, "/datasets/ds1/v/v2", datatypes.SourceL2)
	assert.Equal(t, datatypes.StatusBlock, got.Status)
	require.NotNil(t, got.L2Reasoning)
	assert.Greater(t, got.L2Reasoning.CosineMeanShift(), judge.BlockShiftThreshold)

	// Ranked outliers are served once the audit lands.
	w = doJSON(t, router, http.MethodGet, "/datasets/ds1/v/v2/outliers?limit=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var outliers []datatypes.OutlierSample
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outliers))
	assert.Len(t, outliers, 3)
}

func TestManualOverride_ThenGetReflectsImmediately(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/", createBody("ds1", "v1", "", "a"))

	w := doJSON(t, router, http.MethodPost, "/datasets/ds1/v/v1/manual-override",
		map[string]any{"override_status": "WARN", "reason": "spot check"})
	require.Equal(t, http.StatusOK, w.Code)

	obj := decodeObject(t, w)
	assert.Equal(t, datatypes.StatusWarn, obj.Status)
	assert.Equal(t, datatypes.SourceManual, obj.StatusSource)

	got := decodeObject(t, doJSON(t, router, http.MethodGet, "/datasets/ds1/v/v1", nil))
	assert.Equal(t, datatypes.StatusWarn, got.Status)
}

func TestManualOverride_RejectsTransientStatus(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/", createBody("ds1", "v1", "", "a"))

	w := doJSON(t, router, http.MethodPost, "/datasets/ds1/v/v1/manual-override",
		map[string]any{"override_status": "VALIDATING"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestValidateL1_Endpoint(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("ds1", "v1", "", "a", "b", "c", "d", "e"))

	// Force an override, then re-run L1: the automated signal supersedes it.
	doJSON(t, router, http.MethodPost, "/datasets/ds1/v/v1/manual-override",
		map[string]any{"override_status": "BLOCK"})

	w := doJSON(t, router, http.MethodPatch, "/datasets/ds1/v/v1/validate-l1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	obj := decodeObject(t, w)
	assert.Equal(t, datatypes.StatusPass, obj.Status)
	assert.Equal(t, datatypes.SourceL1, obj.StatusSource)
}

func TestAuditL2_AttachExternalResult(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("ds1", "v1", "", "a", "b", "c", "d", "e"))

	w := doJSON(t, router, http.MethodPatch, "/datasets/ds1/v/v1/audit-l2",
		map[string]any{
			"model_name":         "offline-batch-auditor",
			"distribution_drift": map[string]float64{"cosine_mean_shift": 0.2},
			"judgment_summary":   "moderate drift",
			"confidence_score":   0.8,
			"l2_status":          "WARN",
		})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	obj := decodeObject(t, w)
	assert.Equal(t, datatypes.StatusWarn, obj.Status)
	assert.Equal(t, datatypes.SourceL2, obj.StatusSource)
	require.NotNil(t, obj.L2Reasoning)
	assert.Equal(t, "offline-batch-auditor", obj.L2Reasoning.ModelName)
}

func TestAuditL2_RejectsNonJudgmentStatus(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/", createBody("ds1", "v1", "", "a"))

	w := doJSON(t, router, http.MethodPatch, "/datasets/ds1/v/v1/audit-l2",
		map[string]any{"model_name": "x", "judgment_summary": "y", "l2_status": "PENDING"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// =============================================================================
// Re-ingestion Tests
// =============================================================================

func TestReingest_BumpsGeneration(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("ds1", "v1", "", "a", "b", "c", "d", "e"))

	w := doJSON(t, router, http.MethodPost, "/datasets/ds1/v/v1/reingest",
		map[string]any{"raw_data": []map[string]any{
			{"image_url": "http://x/new.jpg", "caption": "fresh", "source_id": "cam_2"},
		}})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())

	got := decodeObject(t, doJSON(t, router, http.MethodGet, "/datasets/ds1/v/v1", nil))
	assert.Equal(t, uint64(2), got.Generation)
	assert.Nil(t, got.L2Reasoning)
	// The new single-item payload misses the expected volume of 5.
	require.NotNil(t, got.L1Report)
	assert.Equal(t, 1, got.L1Report.VolumeActual)
}

func TestReingest_EmptyBodyReusesPayload(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("ds1", "v1", "", "a", "b", "c", "d", "e"))

	w := doJSON(t, router, http.MethodPost, "/datasets/ds1/v/v1/reingest", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	got := decodeObject(t, doJSON(t, router, http.MethodGet, "/datasets/ds1/v/v1", nil))
	assert.Equal(t, uint64(2), got.Generation)
	assert.Equal(t, datatypes.StatusPass, got.Status, "same payload, same verdict")
}

func TestReingest_NotFound(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/datasets/ds1/v/v1/reingest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Sample Listing Tests
// =============================================================================

func TestListSamples_Paginated(t *testing.T) {
	router := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/datasets/",
		createBody("ds1", "v1", "", "a", "b", "c", "d", "e"))

	w := doJSON(t, router, http.MethodGet, "/datasets/ds1/v/v1/samples?limit=2&offset=3", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var samples []datatypes.SampleWithMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &samples))
	require.Len(t, samples, 2)
	assert.Equal(t, "http://x/v1/4.jpg", samples[0].ImageURL)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
