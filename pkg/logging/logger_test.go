// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DefaultStderrOnly(t *testing.T) {
	logger, closeFn, err := Setup(Config{Service: "test"})
	require.NoError(t, err)
	defer closeFn()
	assert.NotNil(t, logger)
	assert.Same(t, logger, slog.Default())
}

func TestSetup_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger, closeFn, err := Setup(Config{
		Service: "controlplane",
		JSON:    true,
		LogDir:  dir,
	})
	require.NoError(t, err)

	logger.Info("version created", "dataset_id", "ds1", "version", "v1")
	closeFn()

	name := "controlplane_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "version created", entry["msg"])
	assert.Equal(t, "ds1", entry["dataset_id"])
	assert.Equal(t, "controlplane", entry["service"])
}

func TestSetup_LevelFilter(t *testing.T) {
	dir := t.TempDir()
	logger, closeFn, err := Setup(Config{
		Level:   slog.LevelWarn,
		Service: "controlplane",
		LogDir:  dir,
	})
	require.NoError(t, err)

	logger.Info("filtered out")
	logger.Warn("kept")
	closeFn()

	name := "controlplane_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "filtered out")
	assert.Contains(t, string(data), "kept")
}

func TestFanoutHandler_BothDestinations(t *testing.T) {
	var a, b bytes.Buffer
	h := &fanoutHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}}

	logger := slog.New(h)
	logger.Info("fan out", "k", "v")

	assert.Contains(t, a.String(), "fan out")
	assert.Contains(t, b.String(), `"msg":"fan out"`)
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".alignops/logs"), expandPath("~/.alignops/logs"))
	assert.Equal(t, "/var/log/alignops", expandPath("/var/log/alignops"))
}
