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

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/mailops/optout/internal/models"
)

type mockClassifier struct {
	decision models.IntentDecision
}

func (m *mockClassifier) Classify(ctx context.Context, text string) models.IntentDecision {
	return m.decision
}

type mockSink struct {
	outcome models.SuppressionOutcome
	calls   []string
}

func (m *mockSink) Suppress(ctx context.Context, email string) models.SuppressionOutcome {
	m.calls = append(m.calls, email)
	return m.outcome
}

type mockRecords struct {
	results []models.ProcessResult
	err     error
}

func (m *mockRecords) RecordResult(ctx context.Context, res models.ProcessResult, snippet string) error {
	m.results = append(m.results, res)
	return m.err
}

type mockReplies struct {
	sent []models.InboundMessage
	err  error
}

func (m *mockReplies) SendReply(ctx context.Context, original models.InboundMessage, body string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, original)
	return nil
}

var testMsg = models.InboundMessage{
	Sender:  "alice@example.com",
	Subject: "stop",
	Body:    "please unsubscribe me",
}

func TestProcess_IntentSuppressedAndConfirmed(t *testing.T) {
	sink := &mockSink{outcome: models.SuppressionOutcome{Success: true, Action: models.ActionCreated}}
	records := &mockRecords{}
	replies := &mockReplies{}
	p := NewProcessor(
		&mockClassifier{decision: models.IntentDecision{HasIntent: true, Confidence: models.ConfidenceHigh}},
		sink, records, replies,
	)

	res := p.Process(context.Background(), testMsg, models.SourceWorker)

	if res.ProcessingID == "" {
		t.Error("missing processing ID")
	}
	if !res.Suppressed {
		t.Error("expected suppression")
	}
	if !res.ReplySent {
		t.Error("expected confirmation reply")
	}
	if len(sink.calls) != 1 || sink.calls[0] != "alice@example.com" {
		t.Errorf("sink calls = %v", sink.calls)
	}
	if len(records.results) != 1 {
		t.Fatalf("recorded %d results, want 1", len(records.results))
	}
	if records.results[0].Source != models.SourceWorker {
		t.Errorf("recorded source = %q", records.results[0].Source)
	}
}

func TestProcess_NoIntentSkipsSuppression(t *testing.T) {
	sink := &mockSink{}
	records := &mockRecords{}
	p := NewProcessor(
		&mockClassifier{decision: models.IntentDecision{HasIntent: false, Confidence: models.ConfidenceLow}},
		sink, records, nil,
	)

	res := p.Process(context.Background(), testMsg, models.SourceWebhook)

	if res.Suppressed {
		t.Error("should not suppress without intent")
	}
	if res.Outcome.Action != models.ActionSkipped {
		t.Errorf("action = %q, want skipped", res.Outcome.Action)
	}
	if len(sink.calls) != 0 {
		t.Errorf("sink called %d times, want 0", len(sink.calls))
	}
	if len(records.results) != 1 {
		t.Error("no-intent outcomes must still be recorded")
	}
}

func TestProcess_SuppressionFailureSkipsReply(t *testing.T) {
	sink := &mockSink{outcome: models.SuppressionOutcome{
		Success: false, Action: models.ActionFailed, Err: "api down",
	}}
	replies := &mockReplies{}
	records := &mockRecords{}
	p := NewProcessor(
		&mockClassifier{decision: models.IntentDecision{HasIntent: true}},
		sink, records, replies,
	)

	res := p.Process(context.Background(), testMsg, models.SourceManual)

	if res.Suppressed {
		t.Error("suppression should have failed")
	}
	if res.ReplySent || len(replies.sent) != 0 {
		t.Error("reply must not be sent after failed suppression")
	}
	if len(records.results) != 1 {
		t.Error("failed outcomes must still be recorded")
	}
}

func TestProcess_ReplyFailureDoesNotChangeOutcome(t *testing.T) {
	sink := &mockSink{outcome: models.SuppressionOutcome{Success: true, Action: models.ActionUpdated}}
	replies := &mockReplies{err: errors.New("smtp refused")}
	records := &mockRecords{}
	p := NewProcessor(
		&mockClassifier{decision: models.IntentDecision{HasIntent: true}},
		sink, records, replies,
	)

	res := p.Process(context.Background(), testMsg, models.SourceWorker)

	if !res.Suppressed {
		t.Error("suppression result must survive reply failure")
	}
	if res.ReplySent {
		t.Error("reply was not sent")
	}
	if res.Error != "" {
		t.Errorf("reply failure must not surface as pipeline error, got %q", res.Error)
	}
}

func TestProcess_RecordFailureSurfacesButKeepsResult(t *testing.T) {
	sink := &mockSink{outcome: models.SuppressionOutcome{Success: true, Action: models.ActionCreated}}
	records := &mockRecords{err: errors.New("db down")}
	p := NewProcessor(
		&mockClassifier{decision: models.IntentDecision{HasIntent: true}},
		sink, records, nil,
	)

	res := p.Process(context.Background(), testMsg, models.SourceWebhook)

	if !res.Suppressed {
		t.Error("suppression result must survive logging failure")
	}
	if res.Error == "" {
		t.Error("logging failure should be surfaced in the result")
	}
}

func TestProcess_UniqueProcessingIDs(t *testing.T) {
	p := NewProcessor(
		&mockClassifier{decision: models.IntentDecision{}},
		&mockSink{}, &mockRecords{}, nil,
	)

	a := p.Process(context.Background(), testMsg, models.SourceWebhook)
	b := p.Process(context.Background(), testMsg, models.SourceWebhook)
	if a.ProcessingID == b.ProcessingID {
		t.Error("processing IDs must be unique per run")
	}
}
