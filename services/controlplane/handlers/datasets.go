// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin handlers for the control-plane API.
//
// Handlers are thin: bind, validate identifiers, call into the reconciler or
// query service, map domain errors to HTTP statuses. Error bodies follow the
// dashboard contract: {"detail": "..."}.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/alignops/pkg/validation"
	"github.com/AleutianAI/alignops/services/controlplane/datatypes"
	"github.com/AleutianAI/alignops/services/controlplane/pipeline"
	"github.com/AleutianAI/alignops/services/controlplane/query"
	"github.com/AleutianAI/alignops/services/controlplane/reconciler"
	"github.com/AleutianAI/alignops/services/controlplane/store"
)

// detail writes the contract error body.
func detail(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"detail": msg})
}

// storeError maps store errors to HTTP responses. Returns true if it wrote a
// response.
func storeError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrNotFound):
		detail(c, http.StatusNotFound, "dataset version not found")
	case errors.Is(err, store.ErrConflict):
		detail(c, http.StatusConflict, "dataset version already exists")
	default:
		slog.Error("Store operation failed", "error", err)
		detail(c, http.StatusInternalServerError, "internal error")
	}
	return true
}

// pathKey validates the dataset/version path parameters.
func pathKey(c *gin.Context) (datasetID, version string, ok bool) {
	datasetID = c.Param("datasetId")
	version = c.Param("version")
	if err := validation.ValidateVersionKey(datasetID, version); err != nil {
		detail(c, http.StatusUnprocessableEntity, err.Error())
		return "", "", false
	}
	return datasetID, version, true
}

// ListSummaries handles GET /datasets/.
func ListSummaries(q *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		summaries, err := q.Summaries(c.Request.Context())
		if storeError(c, err) {
			return
		}
		if summaries == nil {
			summaries = []datatypes.DatasetSummary{}
		}
		c.JSON(http.StatusOK, summaries)
	}
}

// GetStats handles GET /datasets/stats.
func GetStats(q *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := q.Stats(c.Request.Context())
		if storeError(c, err) {
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// ListVersions handles GET /datasets/:datasetId.
func ListVersions(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		datasetID := c.Param("datasetId")
		if err := validation.ValidateDatasetID(datasetID); err != nil {
			detail(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
		objs, err := s.ListVersions(c.Request.Context(), datasetID)
		if storeError(c, err) {
			return
		}
		c.JSON(http.StatusOK, objs)
	}
}

// GetVersion handles GET /datasets/:datasetId/v/:version, the dashboard's
// polling target.
func GetVersion(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		datasetID, version, ok := pathKey(c)
		if !ok {
			return
		}
		obj, err := s.Get(c.Request.Context(), datasetID, version)
		if storeError(c, err) {
			return
		}
		c.JSON(http.StatusOK, obj)
	}
}

// CreateVersion handles POST /datasets/: persist the new version, run L1
// synchronously, and kick off background vector indexing. The response
// already carries the L1 verdict, so the dashboard's first poll is settled.
func CreateVersion(r *reconciler.Reconciler, ix *pipeline.Indexer, l1cfg pipeline.L1Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateDatasetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			detail(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if err := validation.ValidateVersionKey(req.Dataset.DatasetID, req.Dataset.Version); err != nil {
			detail(c, http.StatusUnprocessableEntity, err.Error())
			return
		}

		samples := pipeline.PrepareSamples(req.RawData)
		expected := l1cfg.ExpectedVolume
		if expected <= 0 {
			expected = len(samples)
		}

		obj, err := r.CreateVersion(c.Request.Context(), req.Dataset, samples, expected)
		if storeError(c, err) {
			return
		}

		report := pipeline.ValidateL1(samples, pipeline.L1Config{
			ExpectedVolume:   expected,
			FreshnessWarnSec: l1cfg.FreshnessWarnSec,
		}, time.Now())
		obj, err = r.ApplyL1(c.Request.Context(), obj.DatasetID, obj.Version, obj.Generation, report)
		if err != nil && !errors.Is(err, reconciler.ErrStaleRound) {
			if storeError(c, err) {
				return
			}
		}

		ix.IndexAsync(obj.DatasetID, obj.Version, samples)
		c.JSON(http.StatusCreated, obj)
	}
}

// ValidateL1 handles PATCH /datasets/:datasetId/v/:version/validate-l1:
// re-run tier-1 validation over the stored payload and apply the result.
func ValidateL1(s *store.Store, r *reconciler.Reconciler, l1cfg pipeline.L1Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		datasetID, version, ok := pathKey(c)
		if !ok {
			return
		}
		rec, err := s.GetRecord(c.Request.Context(), datasetID, version)
		if storeError(c, err) {
			return
		}

		cfg := l1cfg
		if rec.ExpectedVolume > 0 {
			cfg.ExpectedVolume = rec.ExpectedVolume
		}
		report := pipeline.ValidateL1(rec.Raw, cfg, time.Now())
		obj, err := r.ApplyL1(c.Request.Context(), datasetID, version, rec.Object.Generation, report)
		if errors.Is(err, reconciler.ErrStaleRound) {
			// The payload changed under us; serve the current state.
			obj, err = s.Get(c.Request.Context(), datasetID, version)
		}
		if storeError(c, err) {
			return
		}
		c.JSON(http.StatusOK, obj)
	}
}

// TriggerL2 handles POST /datasets/:datasetId/v/:version/trigger-l2: start
// the asynchronous audit and return the pre-audit object immediately. The
// dashboard polls the version until the audit lands.
func TriggerL2(a *pipeline.Auditor) gin.HandlerFunc {
	return func(c *gin.Context) {
		datasetID, version, ok := pathKey(c)
		if !ok {
			return
		}
		obj, err := a.Trigger(c.Request.Context(), datasetID, version)
		if storeError(c, err) {
			return
		}
		c.JSON(http.StatusOK, obj)
	}
}

// AuditL2 handles PATCH /datasets/:datasetId/v/:version/audit-l2: attach an
// externally computed audit result. Used by offline batch auditors and by
// operators replaying an audit from another environment.
func AuditL2(s *store.Store, r *reconciler.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		datasetID, version, ok := pathKey(c)
		if !ok {
			return
		}
		var reasoning datatypes.L2Reasoning
		if err := c.ShouldBindJSON(&reasoning); err != nil {
			detail(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if !reasoning.L2Status.IsJudgment() {
			detail(c, http.StatusUnprocessableEntity, "l2_status must be PASS, WARN or BLOCK")
			return
		}

		obj, err := s.Get(c.Request.Context(), datasetID, version)
		if storeError(c, err) {
			return
		}
		obj, _, err = r.ApplyL2(c.Request.Context(), datasetID, version, obj.Generation, reasoning, nil)
		if errors.Is(err, reconciler.ErrStaleRound) {
			obj, err = s.Get(c.Request.Context(), datasetID, version)
		}
		if storeError(c, err) {
			return
		}
		c.JSON(http.StatusOK, obj)
	}
}

// ManualOverride handles POST /datasets/:datasetId/v/:version/manual-override.
func ManualOverride(r *reconciler.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		datasetID, version, ok := pathKey(c)
		if !ok {
			return
		}
		var req datatypes.ManualOverrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			detail(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
		obj, err := r.ManualOverride(c.Request.Context(), datasetID, version, req)
		if errors.Is(err, reconciler.ErrInvalidOverride) {
			detail(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if storeError(c, err) {
			return
		}
		c.JSON(http.StatusOK, obj)
	}
}

// Reingest handles POST /datasets/:datasetId/v/:version/reingest: replace
// the payload (or reuse the stored one when the body is empty), bump the
// generation, re-run L1, and re-index vectors. Responds 202; the dashboard
// polls for the outcome.
func Reingest(s *store.Store, r *reconciler.Reconciler, ix *pipeline.Indexer, l1cfg pipeline.L1Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		datasetID, version, ok := pathKey(c)
		if !ok {
			return
		}

		var body struct {
			RawData []datatypes.IngestItem `json:"raw_data"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				detail(c, http.StatusUnprocessableEntity, err.Error())
				return
			}
		}

		var samples []datatypes.RawSample
		if len(body.RawData) > 0 {
			samples = pipeline.PrepareSamples(body.RawData)
		} else {
			rec, err := s.GetRecord(c.Request.Context(), datasetID, version)
			if storeError(c, err) {
				return
			}
			samples = rec.Raw
		}

		rec, err := r.Reingest(c.Request.Context(), datasetID, version, samples)
		if storeError(c, err) {
			return
		}

		cfg := l1cfg
		if rec.ExpectedVolume > 0 {
			cfg.ExpectedVolume = rec.ExpectedVolume
		}
		report := pipeline.ValidateL1(rec.Raw, cfg, time.Now())
		if _, err := r.ApplyL1(c.Request.Context(), datasetID, version, rec.Object.Generation, report); err != nil &&
			!errors.Is(err, reconciler.ErrStaleRound) {
			if storeError(c, err) {
				return
			}
		}

		ix.IndexAsync(datasetID, version, rec.Raw)
		c.Status(http.StatusAccepted)
	}
}

// ListOutliers handles GET /datasets/:datasetId/v/:version/outliers.
func ListOutliers(q *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		datasetID, version, ok := pathKey(c)
		if !ok {
			return
		}
		limit := intQuery(c, "limit", 10)
		outliers, err := q.Outliers(c.Request.Context(), datasetID, version, limit)
		if storeError(c, err) {
			return
		}
		c.JSON(http.StatusOK, outliers)
	}
}

// ListSamples handles GET /datasets/:datasetId/v/:version/samples.
func ListSamples(q *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		datasetID, version, ok := pathKey(c)
		if !ok {
			return
		}
		limit := intQuery(c, "limit", 50)
		offset := intQuery(c, "offset", 0)
		page, err := q.Samples(c.Request.Context(), datasetID, version, offset, limit)
		if storeError(c, err) {
			return
		}
		c.JSON(http.StatusOK, page.Samples)
	}
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
