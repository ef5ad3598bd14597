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

// Package pipeline runs one inbound message through classification,
// suppression, confirmation, and logging. Both the webhook handler and
// the mailbox worker feed it, so its semantics are the single source of
// truth for what "processing a message" means.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mailops/optout/internal/blocklist"
	"github.com/mailops/optout/internal/mailsource"
	"github.com/mailops/optout/internal/models"
)

// Classifier judges unsubscribe intent. It never fails; degraded
// backends fall back to keyword matching.
type Classifier interface {
	Classify(ctx context.Context, messageText string) models.IntentDecision
}

// Sink suppresses one address on the marketing platform.
type Sink interface {
	Suppress(ctx context.Context, email string) models.SuppressionOutcome
}

// RecordStore appends one action record per processed message.
type RecordStore interface {
	RecordResult(ctx context.Context, res models.ProcessResult, snippet string) error
}

// Processor wires the steps together. replies may be nil when the
// deployment sends no confirmation emails.
type Processor struct {
	classifier Classifier
	sink       Sink
	records    RecordStore
	replies    mailsource.ReplySender
}

// NewProcessor creates a processor. records is required; replies is
// optional.
func NewProcessor(classifier Classifier, sink Sink, records RecordStore, replies mailsource.ReplySender) *Processor {
	return &Processor{
		classifier: classifier,
		sink:       sink,
		records:    records,
		replies:    replies,
	}
}

// Process runs one message through the pipeline and returns the result.
// The steps run strictly in order: classify, then suppress only when
// intent was found, then confirm only when suppression succeeded. Reply
// and logging failures are recorded in the result but never change the
// suppression outcome.
func (p *Processor) Process(ctx context.Context, msg models.InboundMessage, source models.Source) models.ProcessResult {
	result := models.ProcessResult{
		ProcessingID: uuid.New().String(),
		Sender:       msg.Sender,
		Subject:      msg.Subject,
		Source:       source,
	}

	log := slog.With(
		"processing_id", result.ProcessingID,
		"sender", msg.Sender,
		"source", source,
	)
	log.Info("processing message", "subject", msg.Subject)

	result.Intent = p.classifier.Classify(ctx, msg.Body)
	log.Info("intent classified",
		"has_intent", result.Intent.HasIntent,
		"confidence", result.Intent.Confidence,
	)

	if result.Intent.HasIntent {
		result.Outcome = p.sink.Suppress(ctx, msg.Sender)
		result.Suppressed = result.Outcome.Success
		if result.Outcome.Success {
			log.Info("sender suppressed", "action", result.Outcome.Action)
		} else {
			log.Error("suppression failed",
				"action", result.Outcome.Action,
				"error", result.Outcome.Err,
			)
		}
	} else {
		result.Outcome = models.SuppressionOutcome{
			Success: false,
			Action:  models.ActionSkipped,
			Message: "no unsubscribe intent detected",
		}
	}

	if result.Suppressed && p.replies != nil {
		if err := p.replies.SendReply(ctx, msg, mailsource.ConfirmationBody); err != nil {
			log.Warn("failed to send confirmation reply", "error", err)
		} else {
			result.ReplySent = true
			log.Info("confirmation reply sent")
		}
	}

	if err := p.records.RecordResult(ctx, result, blocklist.Snippet(msg.Body)); err != nil {
		log.Error("failed to record action", "error", err)
		result.Error = "failed to record action: " + err.Error()
	}

	return result
}
