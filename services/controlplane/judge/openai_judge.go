// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const auditorSystemPrompt = `You are a vision-language dataset auditor.
Review image-text samples and drift statistics, then decide the alignment status.
The outlier context lists the statistically most-outlying samples (lowest similarity cohort).
Assess whether these outliers also indicate semantic misalignment.
Return strict JSON with exactly these keys:
{"reasoning_trace": {"summary": string, "key_observations": [string], "decision_rationale": string, "recommended_action": string},
 "judgment_summary": string, "flagged_samples": [string], "confidence_score": number between 0 and 1,
 "recommended_status": "PASS" | "WARN" | "BLOCK"}`

// OpenAIJudge evaluates audits through the OpenAI chat completion API with
// a JSON response format.
type OpenAIJudge struct {
	client *openai.Client
	model  string
}

// NewOpenAIJudge builds a judge from OPENAI_API_KEY / OPENAI_MODEL. The key
// is also read from the container secret path when the env var is unset,
// matching how the other Aleutian services resolve it.
func NewOpenAIJudge() (*OpenAIJudge, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI audit judge", "model", model)
	return &OpenAIJudge{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

func (j *OpenAIJudge) Name() string {
	return j.model
}

// Client exposes the underlying OpenAI client so the embedding pipeline can
// share one connection and key.
func (j *OpenAIJudge) Client() *openai.Client {
	return j.client
}

// Evaluate sends the drift evidence to the model and parses its structured
// verdict. Any transport error or malformed output is returned as an error;
// the auditor records it as a retryable audit failure.
func (j *OpenAIJudge) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal audit input: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: j.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: auditorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := j.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Verdict{}, fmt.Errorf("audit model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, fmt.Errorf("audit model returned no choices")
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("malformed audit verdict: %w", err)
	}
	if err := verdict.Validate(); err != nil {
		return Verdict{}, fmt.Errorf("malformed audit verdict: %w", err)
	}
	slog.Debug("Received audit verdict",
		"model", j.model,
		"recommended_status", verdict.RecommendedStatus,
		"confidence", verdict.ConfidenceScore,
	)
	return verdict, nil
}
