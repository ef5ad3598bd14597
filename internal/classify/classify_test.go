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

package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailops/optout/internal/models"
)

type stubBackend struct {
	output string
	err    error
}

func (s *stubBackend) Complete(ctx context.Context, prompt string) (string, error) {
	return s.output, s.err
}

func (s *stubBackend) Name() string { return "stub" }

func TestClassify_CleanJSON(t *testing.T) {
	backend := &stubBackend{
		output: `{"has_unsubscribe_intent": true, "confidence": "high", "reasoning": "explicit request"}`,
	}
	d := NewDetector(backend, time.Second)

	got := d.Classify(context.Background(), "please unsubscribe me")
	if !got.HasIntent {
		t.Fatal("expected intent detected")
	}
	if got.Confidence != models.ConfidenceHigh {
		t.Errorf("confidence = %q, want high", got.Confidence)
	}
}

func TestClassify_JSONWrappedInProse(t *testing.T) {
	backend := &stubBackend{
		output: "Sure, here is the result:\n```json\n{\"has_unsubscribe_intent\": false, \"confidence\": \"high\", \"reasoning\": \"newsletter feedback\"}\n```\nLet me know if you need more.",
	}
	d := NewDetector(backend, time.Second)

	got := d.Classify(context.Background(), "love the newsletter")
	if got.HasIntent {
		t.Error("expected no intent")
	}
	if got.Confidence != models.ConfidenceHigh {
		t.Errorf("confidence = %q, want high", got.Confidence)
	}
}

func TestClassify_UnknownConfidenceClamped(t *testing.T) {
	backend := &stubBackend{
		output: `{"has_unsubscribe_intent": true, "confidence": "very sure", "reasoning": "x"}`,
	}
	d := NewDetector(backend, time.Second)

	got := d.Classify(context.Background(), "stop")
	if got.Confidence != models.ConfidenceLow {
		t.Errorf("confidence = %q, want low for unknown level", got.Confidence)
	}
}

func TestClassify_BackendErrorFallsBack(t *testing.T) {
	backend := &stubBackend{err: errors.New("connection refused")}
	d := NewDetector(backend, time.Second)

	cases := []struct {
		text       string
		wantIntent bool
		wantConf   models.Confidence
	}{
		{"Please UNSUBSCRIBE me from this list", true, models.ConfidenceMedium},
		{"take me off your mailing list", true, models.ConfidenceMedium},
		{"I don't want to receive these anymore", true, models.ConfidenceMedium},
		{"thanks for the great content", false, models.ConfidenceLow},
	}
	for _, tc := range cases {
		got := d.Classify(context.Background(), tc.text)
		if got.HasIntent != tc.wantIntent {
			t.Errorf("Classify(%q).HasIntent = %v, want %v", tc.text, got.HasIntent, tc.wantIntent)
		}
		if got.Confidence != tc.wantConf {
			t.Errorf("Classify(%q).Confidence = %q, want %q", tc.text, got.Confidence, tc.wantConf)
		}
	}
}

func TestClassify_GarbageOutputFallsBack(t *testing.T) {
	backend := &stubBackend{output: "I cannot answer that."}
	d := NewDetector(backend, time.Second)

	got := d.Classify(context.Background(), "remove me from your list")
	if !got.HasIntent {
		t.Error("expected fallback to detect keyword")
	}
}

func TestClassify_NilBackendUsesFallback(t *testing.T) {
	d := NewDetector(nil, time.Second)

	got := d.Classify(context.Background(), "opt out please")
	if !got.HasIntent {
		t.Error("expected fallback intent with nil backend")
	}
}

func TestOllamaBackend_Complete(t *testing.T) {
	var gotReq ollamaGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q, want /api/generate", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: `{"has_unsubscribe_intent": true, "confidence": "high", "reasoning": "ok"}`})
	}))
	defer srv.Close()

	backend := NewOllamaBackend(srv.URL, "llama3")
	out, err := backend.Complete(context.Background(), "classify this")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty output")
	}
	if gotReq.Model != "llama3" {
		t.Errorf("model = %q, want llama3", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("stream should be disabled")
	}
}

func TestOllamaBackend_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	backend := NewOllamaBackend(srv.URL, "missing")
	if _, err := backend.Complete(context.Background(), "x"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
