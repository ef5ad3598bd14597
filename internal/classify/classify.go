// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package classify determines whether an inbound email expresses
// unsubscribe intent. A language-model backend makes the judgment; when
// the backend is unreachable or returns unparsable output, a deterministic
// keyword fallback takes over so the caller always receives a decision.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailops/optout/internal/models"
)

// Backend is a text-completion provider. Implementations wrap a specific
// LLM API (Ollama, OpenAI-compatible).
type Backend interface {
	// Complete sends the prompt and returns the raw model output.
	Complete(ctx context.Context, prompt string) (string, error)
	// Name identifies the backend for logging.
	Name() string
}

// promptTemplate asks for a conservative judgment encoded as one JSON
// object. Ambiguity must resolve to false: a missed unsubscribe is
// recoverable on a future message, a false suppression is not.
const promptTemplate = `You are a highly accurate email intent classification system.

Your task is to determine whether the sender is requesting to unsubscribe
or expressing that they do not want to receive marketing emails anymore.

IMPORTANT:
- Focus on the sender's intent, not just keywords.
- The request may be direct or indirect.
- The sender may be polite, angry, sarcastic, or subtle.
- Questions about how to unsubscribe DO count as unsubscribe intent.
- Complaints alone DO NOT count unless they clearly imply stopping emails.
- Ignore signatures, disclaimers, and quoted previous emails.
- Be conservative in your decision.

CRITICAL RULE:
If you are not confident that the sender clearly wants to unsubscribe,
you MUST classify it as FALSE.

Email Message:
----------------
%s
----------------

Respond ONLY with valid JSON in this exact format:
{"has_unsubscribe_intent": true or false, "confidence": "high" or "medium" or "low", "reasoning": "short explanation"}

Do not include any additional text outside the JSON.`

// fallbackKeywords are scanned case-insensitively when the backend fails.
var fallbackKeywords = []string{
	"unsubscribe", "remove me", "stop emails", "stop sending",
	"take me off", "opt out", "cancel subscription", "no longer interested",
	"don't want to receive", "don't send", "stop contacting",
}

// Detector classifies unsubscribe intent. Classify never returns an
// error; every failure path degrades to the keyword fallback.
type Detector struct {
	backend Backend
	timeout time.Duration
}

// NewDetector creates a detector over the given backend. timeout bounds
// each backend call; zero means 60s.
func NewDetector(backend Backend, timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Detector{backend: backend, timeout: timeout}
}

// Classify judges one message body. The returned decision is always
// well-formed: confidence is one of the three enumerated levels even on
// fallback.
func (d *Detector) Classify(ctx context.Context, messageText string) models.IntentDecision {
	if d.backend == nil {
		return d.fallback(messageText)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	raw, err := d.backend.Complete(ctx, fmt.Sprintf(promptTemplate, messageText))
	if err != nil {
		slog.Warn("classifier backend failed, using keyword fallback",
			"backend", d.backend.Name(),
			"error", err,
		)
		return d.fallback(messageText)
	}

	decision, err := parseDecision(raw)
	if err != nil {
		slog.Warn("classifier output not parsable, using keyword fallback",
			"backend", d.backend.Name(),
			"error", err,
		)
		return d.fallback(messageText)
	}

	return decision
}

// parseDecision extracts the JSON decision object from raw model output.
// Models often wrap the JSON in prose or markdown fences, so when the
// trimmed output is not a clean object we slice from the first '{' to the
// last '}' before unmarshalling.
func parseDecision(raw string) (models.IntentDecision, error) {
	cleaned := strings.TrimSpace(raw)

	if !strings.HasPrefix(cleaned, "{") {
		start := strings.Index(cleaned, "{")
		end := strings.LastIndex(cleaned, "}")
		if start == -1 || end == -1 || end <= start {
			return models.IntentDecision{}, fmt.Errorf("no JSON object in output")
		}
		cleaned = cleaned[start : end+1]
	}

	var parsed struct {
		HasIntent  bool   `json:"has_unsubscribe_intent"`
		Confidence string `json:"confidence"`
		Reasoning  string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return models.IntentDecision{}, fmt.Errorf("decode decision: %w", err)
	}

	confidence := models.Confidence(parsed.Confidence)
	switch confidence {
	case models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow:
	default:
		confidence = models.ConfidenceLow
	}

	return models.IntentDecision{
		HasIntent:  parsed.HasIntent,
		Confidence: confidence,
		Reasoning:  parsed.Reasoning,
	}, nil
}

// fallback applies the deterministic keyword policy.
func (d *Detector) fallback(messageText string) models.IntentDecision {
	lower := strings.ToLower(messageText)
	for _, kw := range fallbackKeywords {
		if strings.Contains(lower, kw) {
			return models.IntentDecision{
				HasIntent:  true,
				Confidence: models.ConfidenceMedium,
				Reasoning:  fmt.Sprintf("fallback keyword matching: matched %q", kw),
			}
		}
	}
	return models.IntentDecision{
		HasIntent:  false,
		Confidence: models.ConfidenceLow,
		Reasoning:  "fallback keyword matching: no unsubscribe keywords found",
	}
}
