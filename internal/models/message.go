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

// Package models defines the value objects shared across the opt-out service.
package models

// InboundMessage represents one inbound email reply, however it arrived
// (mailbox fetch or webhook push). It is consumed exactly once by the
// processing pipeline and never persisted itself; only its outcome is.
type InboundMessage struct {
	// Sender and Body are required; the boundary validates both.
	Sender string `json:"sender_email"`
	Body   string `json:"message_text"`

	Subject string `json:"subject,omitempty"`

	// MessageID is the provider-side identifier, present only when the
	// source transport exposes one (Graph message id, IMAP Message-ID).
	MessageID string `json:"message_id,omitempty"`

	// Threading headers, carried through so a confirmation reply can be
	// attached to the original conversation.
	InReplyTo  string `json:"in_reply_to,omitempty"`
	References string `json:"references,omitempty"`

	// ProviderID is the transport-internal handle needed to act on the
	// message after fetch (Graph resource id). Never serialized.
	ProviderID string `json:"-"`
}

// Source identifies which entry point produced a processing run.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceWorker  Source = "worker"
	SourceManual  Source = "manual"
)

// Confidence is the classifier's self-reported confidence level.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// IntentDecision is the classifier's judgment for one message. The
// classifier contract guarantees a well-formed decision even when the
// LLM backend is unreachable (keyword fallback).
type IntentDecision struct {
	HasIntent  bool       `json:"has_unsubscribe_intent"`
	Confidence Confidence `json:"confidence"`
	Reasoning  string     `json:"reasoning,omitempty"`
}

// SuppressionAction describes what the suppression sink did.
type SuppressionAction string

const (
	ActionCreated SuppressionAction = "created"
	ActionUpdated SuppressionAction = "updated"
	ActionFailed  SuppressionAction = "failed"
	ActionSkipped SuppressionAction = "skipped"
)

// SuppressionOutcome is the tagged result of a suppression attempt.
//
// Action created or updated implies Success; ActionFailed implies
// !Success.
type SuppressionOutcome struct {
	Success bool              `json:"success"`
	Action  SuppressionAction `json:"action"`
	Message string            `json:"message"`
	Err     string            `json:"error,omitempty"`
}

// ProcessResult mirrors the durable action record for one processed
// message, plus transient fields the caller cares about.
type ProcessResult struct {
	ProcessingID string `json:"processing_id"`
	Sender       string `json:"sender_email"`
	Subject      string `json:"subject,omitempty"`

	Intent     IntentDecision     `json:"intent"`
	Suppressed bool               `json:"unsubscribed"`
	Outcome    SuppressionOutcome `json:"suppression,omitempty"`

	ReplySent bool   `json:"reply_sent"`
	Source    Source `json:"source"`

	// Error is set only when an unexpected failure escaped a pipeline
	// step; expected failures are encoded in Intent/Outcome values.
	Error string `json:"error,omitempty"`
}
