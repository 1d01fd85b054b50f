// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controlplane provides the AlignOps dataset-quality control plane.
//
// The control plane coordinates the version store (Badger), the two
// validation tiers (deterministic L1, model-backed L2), the status
// reconciler, the read-side query service, and the HTTP surface the
// dashboard polls. External dependencies are optional where possible:
// without a Weaviate URL the auditor re-embeds on demand, and without an
// OpenAI key the deterministic rule judge and hash embedder take over, so a
// single binary with no network still evaluates datasets end to end.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	badgerstore "github.com/AleutianAI/alignops/pkg/storage/badger"
	"github.com/AleutianAI/alignops/services/controlplane/judge"
	"github.com/AleutianAI/alignops/services/controlplane/observability"
	"github.com/AleutianAI/alignops/services/controlplane/pipeline"
	"github.com/AleutianAI/alignops/services/controlplane/query"
	"github.com/AleutianAI/alignops/services/controlplane/reconciler"
	"github.com/AleutianAI/alignops/services/controlplane/routes"
	"github.com/AleutianAI/alignops/services/controlplane/seed"
	"github.com/AleutianAI/alignops/services/controlplane/store"
	"github.com/AleutianAI/alignops/services/controlplane/vectors"
)

const serviceName = "alignops-controlplane"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the control-plane lifecycle contract. Run blocks; call it at
// most once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for integration testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds control-plane configuration. Zero values use defaults.
type Config struct {
	// Port is the HTTP server port. Default: 8000.
	Port int

	// DataDir is the Badger data directory. Default: ./data/alignops.
	DataDir string

	// InMemory runs the version store without disk persistence. Intended
	// for tests and demos.
	InMemory bool

	// WeaviateURL is the vector database URL. Empty disables vector
	// storage; the auditor re-embeds from raw payloads instead.
	WeaviateURL string

	// OTelEndpoint is the OpenTelemetry collector endpoint. Empty disables
	// trace export.
	OTelEndpoint string

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string

	// ExpectedVolume is the default row count a full batch should carry.
	// Default: 10.
	ExpectedVolume int

	// FreshnessWarnSec downgrades batches older than this to WARN.
	// Default: 3600.
	FreshnessWarnSec int

	// MaxFlaggedSamples caps the flagged-sample and outlier sets.
	// Default: 10.
	MaxFlaggedSamples int

	// DemoSeed loads the demo_vlm_dataset fixtures at startup.
	DemoSeed bool

	// EnableMetrics registers Prometheus metrics and the /metrics route.
	// Default: true.
	EnableMetrics *bool
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/alignops"
	}
	if cfg.ExpectedVolume == 0 {
		cfg.ExpectedVolume = 10
	}
	if cfg.FreshnessWarnSec == 0 {
		cfg.FreshnessWarnSec = 3600
	}
	if cfg.MaxFlaggedSamples == 0 {
		cfg.MaxFlaggedSamples = 10
	}
	if cfg.EnableMetrics == nil {
		enabled := true
		cfg.EnableMetrics = &enabled
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config
	router *gin.Engine

	db       *badger.DB
	gc       *badgerstore.GCRunner
	store    *store.Store
	rec      *reconciler.Reconciler
	auditor  *pipeline.Auditor
	indexer  *pipeline.Indexer
	query    *query.Service
	embedder pipeline.Embedder
	judge    judge.Judge

	weaviateClient *weaviate.Client
	tracerCleanup  func(context.Context)
}

// New wires a control-plane Service from configuration. Initialization
// order: tracing, metrics, store, optional Weaviate, judge/embedder
// selection, router, optional demo seed.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if *s.config.EnableMetrics && observability.DefaultMetrics == nil {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for the validation pipeline")
	}

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize version store: %w", err)
	}

	if err := s.initWeaviate(); err != nil {
		slog.Warn("Weaviate initialization failed, running in lightweight mode",
			"error", err)
		s.weaviateClient = nil
	}

	s.initJudge()

	var vecClient *vectors.Client
	var vecSource pipeline.VectorSource
	if s.weaviateClient != nil {
		vecClient = vectors.New(s.weaviateClient)
		vecSource = vecClient
	}
	s.indexer = pipeline.NewIndexer(vecClient, s.embedder)

	s.rec = reconciler.New(s.store)
	s.query = query.New(s.store)
	s.auditor = pipeline.NewAuditor(pipeline.AuditorConfig{
		Store:      s.store,
		Reconciler: s.rec,
		Vectors:    vecSource,
		Embedder:   s.embedder,
		Judge:      s.judge,
		MaxFlagged: s.config.MaxFlaggedSamples,
	})

	s.initRouter()

	if s.config.DemoSeed {
		if err := seed.Demo(context.Background(), seed.Deps{
			Store:      s.store,
			Reconciler: s.rec,
			Indexer:    s.indexer,
			L1Config:   s.l1Config(),
		}); err != nil {
			slog.Warn("Demo seed failed", "error", err)
		}
	}

	return s, nil
}

func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting control-plane server",
		"port", s.config.Port,
		"judge", s.judge.Name(),
		"embedder", s.embedder.Name(),
		"weaviate", s.weaviateClient != nil)

	return s.router.Run(addr)
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) l1Config() pipeline.L1Config {
	return pipeline.L1Config{
		ExpectedVolume:   s.config.ExpectedVolume,
		FreshnessWarnSec: s.config.FreshnessWarnSec,
	}
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer sets up OTLP trace export. A missing endpoint is not an error:
// spans still record locally through the no-op provider.
func (s *service) initTracer() (func(context.Context), error) {
	if s.config.OTelEndpoint == "" {
		slog.Info("OTel endpoint not configured, trace export disabled")
		return func(context.Context) {}, nil
	}

	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStore opens Badger and the version store, and starts the value-log GC
// loop for on-disk instances.
func (s *service) initStore() error {
	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = s.config.DataDir
	if s.config.InMemory {
		dbCfg = badgerstore.InMemoryConfig()
	}

	db, err := badgerstore.Open(dbCfg)
	if err != nil {
		return err
	}
	s.db = db

	if dbCfg.GCInterval > 0 {
		gc, err := badgerstore.NewGCRunner(db, dbCfg.GCInterval, dbCfg.GCDiscardRatio, slog.Default())
		if err != nil {
			return err
		}
		s.gc = gc
		s.gc.Start()
	}

	s.store, err = store.New(db)
	if err != nil {
		return err
	}
	slog.Info("Version store ready", "dir", s.config.DataDir, "in_memory", s.config.InMemory)
	return nil
}

// initWeaviate connects the optional vector database and ensures the sample
// class exists.
func (s *service) initWeaviate() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		slog.Info("Weaviate URL not configured, running in lightweight mode")
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	s.weaviateClient, err = weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := vectors.New(s.weaviateClient).EnsureSchema(ctx); err != nil {
		return err
	}

	slog.Info("Weaviate client initialized", "url", weaviateURL)
	return nil
}

// initJudge selects the audit backend: the OpenAI judge and embedder when a
// key is available, otherwise the deterministic offline pair.
func (s *service) initJudge() {
	oaJudge, err := judge.NewOpenAIJudge()
	if err != nil {
		slog.Warn("OpenAI judge unavailable, using deterministic rule judge",
			"error", err)
		s.judge = judge.NewRuleJudge()
		s.embedder = pipeline.NewHashEmbedder()
		return
	}
	s.judge = oaJudge
	s.embedder = pipeline.NewOpenAIEmbedder(oaJudge.Client())
}

// initRouter builds the Gin engine with tracing, permissive CORS for the
// dashboard origin, and the API routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(serviceName))
	s.router.Use(cors.Default())

	routes.SetupRoutes(s.router, routes.Deps{
		Store:      s.store,
		Reconciler: s.rec,
		Auditor:    s.auditor,
		Indexer:    s.indexer,
		Query:      s.query,
		L1Config:   s.l1Config(),
	})
}

// cleanup releases resources on Run exit or failed initialization.
func (s *service) cleanup() {
	if s.gc != nil {
		s.gc.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Version store close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("Badger close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}
