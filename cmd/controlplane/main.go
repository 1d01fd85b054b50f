// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command controlplane starts the AlignOps dataset-quality control plane.
//
// This is the main entry point for the containerized control-plane service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - CONTROLPLANE_PORT: HTTP server port (default: 8000)
//   - ALIGNOPS_DATA_DIR: Badger data directory (default: ./data/alignops)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional)
//   - OPENAI_API_KEY: enables the model-backed L2 judge (optional)
//   - OPENAI_MODEL: judge model name (default: gpt-4o-mini)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//   - ALIGNOPS_EXPECTED_VOLUME: rows a full batch should carry (default: 10)
//   - ALIGNOPS_FRESHNESS_WARN_SEC: freshness WARN threshold (default: 3600)
//   - ALIGNOPS_MAX_FLAGGED_SAMPLES: flagged/outlier cap (default: 10)
//   - ALIGNOPS_DEMO_SEED: load the demo dataset at startup (default: false)
//   - ALIGNOPS_LOG_DIR: also write JSON logs to this directory (optional)
//   - ALIGNOPS_LOG_LEVEL: debug, info, warn or error (default: info)
//
// # Usage
//
//	# Build
//	go build -o controlplane ./cmd/controlplane
//
//	# Run
//	./controlplane
//
//	# Or via container
//	podman-compose up controlplane
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/AleutianAI/alignops/pkg/logging"
	"github.com/AleutianAI/alignops/services/controlplane"
)

func main() {
	// Setup structured logging
	_, closeLogs, err := logging.Setup(logging.Config{
		Level:   parseLogLevel(os.Getenv("ALIGNOPS_LOG_LEVEL")),
		Service: "controlplane",
		JSON:    true,
		LogDir:  os.Getenv("ALIGNOPS_LOG_DIR"),
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLogs()

	// Build configuration from environment variables
	cfg := controlplane.Config{
		Port:              getEnvInt("CONTROLPLANE_PORT", 8000),
		DataDir:           getEnvString("ALIGNOPS_DATA_DIR", "./data/alignops"),
		WeaviateURL:       os.Getenv("WEAVIATE_SERVICE_URL"),
		OTelEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExpectedVolume:    getEnvInt("ALIGNOPS_EXPECTED_VOLUME", 10),
		FreshnessWarnSec:  getEnvInt("ALIGNOPS_FRESHNESS_WARN_SEC", 3600),
		MaxFlaggedSamples: getEnvInt("ALIGNOPS_MAX_FLAGGED_SAMPLES", 10),
		DemoSeed:          getEnvBool("ALIGNOPS_DEMO_SEED", false),
	}

	slog.Info("Starting control plane",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"weaviate_url", cfg.WeaviateURL,
		"demo_seed", cfg.DemoSeed,
	)

	svc, err := controlplane.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create control plane: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Control plane error: %v", err)
	}
}

// parseLogLevel maps an env value to a slog level, defaulting to info.
func parseLogLevel(value string) slog.Level {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
