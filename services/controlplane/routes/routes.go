// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/alignops/services/controlplane/handlers"
	"github.com/AleutianAI/alignops/services/controlplane/pipeline"
	"github.com/AleutianAI/alignops/services/controlplane/query"
	"github.com/AleutianAI/alignops/services/controlplane/reconciler"
	"github.com/AleutianAI/alignops/services/controlplane/store"
)

// Deps carries everything the route handlers need.
type Deps struct {
	Store      *store.Store
	Reconciler *reconciler.Reconciler
	Auditor    *pipeline.Auditor
	Indexer    *pipeline.Indexer
	Query      *query.Service
	L1Config   pipeline.L1Config
}

// SetupRoutes registers the control-plane API on the router.
//
// The route shapes match the dashboard contract: /datasets/stats must be
// registered on the same literal segment level as /datasets/:datasetId, which
// gin handles as long as "stats" is declared inside the same group.
func SetupRoutes(router *gin.Engine, d Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	datasets := router.Group("/datasets")
	{
		datasets.GET("/", handlers.ListSummaries(d.Query))
		datasets.POST("/", handlers.CreateVersion(d.Reconciler, d.Indexer, d.L1Config))
		datasets.GET("/stats", handlers.GetStats(d.Query))
		datasets.GET("/:datasetId", handlers.ListVersions(d.Store))

		version := datasets.Group("/:datasetId/v/:version")
		{
			version.GET("", handlers.GetVersion(d.Store))
			version.PATCH("/validate-l1", handlers.ValidateL1(d.Store, d.Reconciler, d.L1Config))
			version.POST("/trigger-l2", handlers.TriggerL2(d.Auditor))
			version.PATCH("/audit-l2", handlers.AuditL2(d.Store, d.Reconciler))
			version.POST("/manual-override", handlers.ManualOverride(d.Reconciler))
			version.POST("/reingest", handlers.Reingest(d.Store, d.Reconciler, d.Indexer, d.L1Config))
			version.GET("/outliers", handlers.ListOutliers(d.Query))
			version.GET("/samples", handlers.ListSamples(d.Query))
		}
	}
}
