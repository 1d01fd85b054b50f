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
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// EmbeddingDim is the vector width produced by every Embedder. The hash
// fallback pads to this width so drift math never mixes dimensions.
const EmbeddingDim = 768

// Embedder turns captions into fixed-width vectors for drift analysis.
type Embedder interface {
	// Name identifies the embedding backend, for logs.
	Name() string

	// Embed returns one vector per input text, all EmbeddingDim wide.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// =============================================================================
// Hash Embedder
// =============================================================================

// HashEmbedder derives vectors from repeated SHA-256 of the text. It carries
// no semantic signal, but it is deterministic, dependency-free, and keeps
// distances stable across runs, which is what the offline mode and the
// tests need.
type HashEmbedder struct{}

// NewHashEmbedder returns the deterministic hash embedder.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{}
}

func (e *HashEmbedder) Name() string {
	return "sha256-hash-v1"
}

func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t)
	}
	return out, nil
}

// hashVector expands a text into EmbeddingDim floats in [-1, 1] by chaining
// SHA-256 digests over the previous block.
func hashVector(text string) []float32 {
	vec := make([]float32, 0, EmbeddingDim)
	block := sha256.Sum256([]byte(text))
	for len(vec) < EmbeddingDim {
		for _, b := range block {
			if len(vec) == EmbeddingDim {
				break
			}
			vec = append(vec, float32(b)/255.0*2.0-1.0)
		}
		block = sha256.Sum256(block[:])
	}
	return vec
}

// =============================================================================
// OpenAI Embedder
// =============================================================================

// OpenAIEmbedder produces semantic embeddings through the OpenAI embeddings
// API, truncated or padded to EmbeddingDim.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder builds an embedder on an existing OpenAI client.
func NewOpenAIEmbedder(client *openai.Client) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client: client,
		model:  openai.SmallEmbedding3,
	}
}

func (e *OpenAIEmbedder) Name() string {
	return string(e.model)
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      e.model,
		Input:      texts,
		Dimensions: EmbeddingDim,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = fitDim(d.Embedding)
	}
	slog.Debug("Embedded caption batch", "model", e.model, "count", len(texts))
	return out, nil
}

// fitDim truncates or zero-pads a vector to EmbeddingDim.
func fitDim(v []float32) []float32 {
	if len(v) == EmbeddingDim {
		return v
	}
	fitted := make([]float32, EmbeddingDim)
	copy(fitted, v)
	return fitted
}
