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

// Package worker runs the background loop that periodically drains the
// monitored mailbox through the processing pipeline. The worker starts
// stopped and is driven entirely through its Start/Stop/CheckNow
// operations, which the HTTP API exposes.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailops/optout/internal/mailsource"
	"github.com/mailops/optout/internal/models"
)

// Processor runs one message through the pipeline.
type Processor interface {
	Process(ctx context.Context, msg models.InboundMessage, source models.Source) models.ProcessResult
}

// SeenFilter skips messages that were already processed.
type SeenFilter interface {
	IsNew(ctx context.Context, messageID string) bool
}

// Status is the externally visible worker state.
type Status struct {
	Running       bool       `json:"running"`
	Mailbox       string     `json:"mailbox"`
	CheckInterval string     `json:"check_interval"`
	LastRun       *time.Time `json:"last_check,omitempty"`
	NextRun       *time.Time `json:"next_check,omitempty"`
}

// BatchSummary reports one mailbox sweep.
type BatchSummary struct {
	Fetched    int                    `json:"emails_found"`
	Processed  int                    `json:"processed"`
	Skipped    int                    `json:"skipped_duplicates"`
	Suppressed int                    `json:"suppressed"`
	Results    []models.ProcessResult `json:"results"`
}

// Worker owns the polling loop. All exported methods are safe for
// concurrent use.
type Worker struct {
	source    mailsource.Source
	processor Processor
	filter    SeenFilter

	interval time.Duration
	// pause separates consecutive messages in a batch so the classifier
	// and the suppression API are never hammered.
	pause time.Duration
	// allowDegraded lets Start proceed when the connectivity probe
	// fails, for mailboxes behind flaky networks.
	allowDegraded bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastRun *time.Time
	nextRun *time.Time

	checking atomic.Bool
}

// New creates a stopped worker. interval <= 0 defaults to one hour,
// pause <= 0 to one second.
func New(source mailsource.Source, processor Processor, filter SeenFilter, interval, pause time.Duration, allowDegraded bool) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	if pause <= 0 {
		pause = time.Second
	}
	return &Worker{
		source:        source,
		processor:     processor,
		filter:        filter,
		interval:      interval,
		pause:         pause,
		allowDegraded: allowDegraded,
	}
}

// Start verifies mailbox connectivity and launches the polling loop.
// Starting an already running worker is a logged no-op. The first sweep
// happens immediately, then every interval.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		slog.Warn("worker already running, start ignored", "mailbox", w.source.Mailbox())
		return nil
	}

	if err := w.source.TestConnection(ctx); err != nil {
		if !w.allowDegraded {
			return fmt.Errorf("mailbox connectivity check failed: %w", err)
		}
		slog.Warn("mailbox connectivity check failed, starting anyway",
			"mailbox", w.source.Mailbox(),
			"error", err,
		)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go w.run(loopCtx)

	slog.Info("worker started",
		"mailbox", w.source.Mailbox(),
		"interval", w.interval,
	)
	return nil
}

// Stop cancels the loop and waits for any in-flight sweep to finish.
// Stopping a stopped worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.nextRun = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	slog.Info("worker stopped", "mailbox", w.source.Mailbox())
}

// Status reports the current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Running:       w.running,
		Mailbox:       w.source.Mailbox(),
		CheckInterval: w.interval.String(),
		LastRun:       w.lastRun,
		NextRun:       w.nextRun,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	// Batches run on a fresh context, not the loop context: Stop cancels
	// future ticks, but a batch already in progress completes to normal
	// termination. Sources mark messages read at fetch time, so aborting
	// mid-batch would drop the unprocessed remainder permanently.
	w.sweep(context.Background())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(context.Background())
		}
	}
}

// sweep runs one CheckEmails pass and updates the schedule bookkeeping.
func (w *Worker) sweep(ctx context.Context) {
	_, err := w.CheckEmails(ctx)
	now := time.Now().UTC()
	next := now.Add(w.interval)

	w.mu.Lock()
	w.lastRun = &now
	if w.running {
		w.nextRun = &next
	}
	w.mu.Unlock()

	if err != nil {
		slog.Error("mailbox sweep failed", "mailbox", w.source.Mailbox(), "error", err)
	}
}

// CheckEmails performs one full sweep of the mailbox: fetch unread,
// drop duplicates, process the rest sequentially with a pause between
// messages. Only one sweep runs at a time; a concurrent call returns an
// error instead of queueing.
func (w *Worker) CheckEmails(ctx context.Context) (BatchSummary, error) {
	if !w.checking.CompareAndSwap(false, true) {
		return BatchSummary{}, fmt.Errorf("a mailbox check is already in progress")
	}
	defer w.checking.Store(false)

	summary := BatchSummary{Results: []models.ProcessResult{}}

	messages, err := w.source.FetchUnread(ctx)
	if err != nil {
		return summary, fmt.Errorf("fetch unread: %w", err)
	}
	summary.Fetched = len(messages)

	if len(messages) == 0 {
		slog.Info("no unread messages", "mailbox", w.source.Mailbox())
		return summary, nil
	}

	for i, msg := range messages {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		if !w.filter.IsNew(ctx, msg.MessageID) {
			slog.Info("skipping already processed message",
				"message_id", msg.MessageID,
				"sender", msg.Sender,
			)
			summary.Skipped++
			continue
		}

		res := w.processor.Process(ctx, msg, models.SourceWorker)
		summary.Processed++
		if res.Suppressed {
			summary.Suppressed++
		}
		summary.Results = append(summary.Results, res)

		if i < len(messages)-1 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(w.pause):
			}
		}
	}

	slog.Info("mailbox sweep complete",
		"mailbox", w.source.Mailbox(),
		"fetched", summary.Fetched,
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"suppressed", summary.Suppressed,
	)
	return summary, nil
}
