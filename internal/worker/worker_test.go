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

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mailops/optout/internal/models"
)

type mockSource struct {
	mu       sync.Mutex
	messages []models.InboundMessage
	fetchErr error
	connErr  error
	fetches  int
}

func (m *mockSource) FetchUnread(ctx context.Context) ([]models.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	msgs := m.messages
	m.messages = nil
	return msgs, nil
}

func (m *mockSource) TestConnection(ctx context.Context) error { return m.connErr }
func (m *mockSource) Mailbox() string                          { return "optout@example.com" }

type mockProcessor struct {
	mu        sync.Mutex
	processed []models.InboundMessage
}

func (m *mockProcessor) Process(ctx context.Context, msg models.InboundMessage, source models.Source) models.ProcessResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, msg)
	return models.ProcessResult{Sender: msg.Sender, Source: source, Suppressed: true}
}

type mockFilter struct {
	seen map[string]bool
}

func (m *mockFilter) IsNew(ctx context.Context, id string) bool {
	if id == "" {
		return true
	}
	if m.seen[id] {
		return false
	}
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	m.seen[id] = true
	return true
}

func newTestWorker(src *mockSource, proc *mockProcessor) *Worker {
	return New(src, proc, &mockFilter{}, time.Hour, time.Millisecond, false)
}

func TestStart_ConnectivityFailureStaysStopped(t *testing.T) {
	src := &mockSource{connErr: errors.New("auth failed")}
	w := newTestWorker(src, &mockProcessor{})

	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail on connectivity error")
	}
	if w.Status().Running {
		t.Error("worker must stay stopped after failed start")
	}
}

func TestStart_AllowDegradedStartsAnyway(t *testing.T) {
	src := &mockSource{connErr: errors.New("timeout")}
	w := New(src, &mockProcessor{}, &mockFilter{}, time.Hour, time.Millisecond, true)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if !w.Status().Running {
		t.Error("worker should be running in degraded mode")
	}
}

func TestStart_DoubleStartIsNoOp(t *testing.T) {
	src := &mockSource{}
	w := newTestWorker(src, &mockProcessor{})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer w.Stop()

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
	if !w.Status().Running {
		t.Error("worker should still be running")
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	src := &mockSource{messages: []models.InboundMessage{
		{Sender: "a@example.com", Body: "unsubscribe", MessageID: "m1"},
	}}
	proc := &mockProcessor{}
	w := newTestWorker(src, proc)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The first sweep runs immediately; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		fetches := src.fetches
		src.mu.Unlock()
		if fetches > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	w.Stop()

	if w.Status().Running {
		t.Error("worker should be stopped")
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.processed) != 1 {
		t.Errorf("processed %d messages, want 1", len(proc.processed))
	}

	st := w.Status()
	if st.LastRun == nil {
		t.Error("last run should be recorded after a sweep")
	}
	if st.NextRun != nil {
		t.Error("stopped worker must not advertise a next run")
	}
}

type slowProcessor struct {
	mockProcessor
	delay time.Duration
	first chan struct{}
	once  sync.Once
}

func (s *slowProcessor) Process(ctx context.Context, msg models.InboundMessage, source models.Source) models.ProcessResult {
	s.once.Do(func() { close(s.first) })
	time.Sleep(s.delay)
	return s.mockProcessor.Process(ctx, msg, source)
}

// TestStop_InFlightBatchCompletes verifies that stopping the worker
// mid-sweep lets the batch run to normal termination. Sources mark
// messages read at fetch time, so an aborted batch would lose the
// remainder for good.
func TestStop_InFlightBatchCompletes(t *testing.T) {
	msgs := make([]models.InboundMessage, 5)
	for i := range msgs {
		msgs[i] = models.InboundMessage{
			Sender:    fmt.Sprintf("u%d@example.com", i),
			Body:      "unsubscribe",
			MessageID: fmt.Sprintf("m%d", i),
		}
	}
	src := &mockSource{messages: msgs}
	proc := &slowProcessor{delay: 20 * time.Millisecond, first: make(chan struct{})}
	w := New(src, proc, &mockFilter{}, time.Hour, time.Millisecond, false)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-proc.first:
	case <-time.After(2 * time.Second):
		t.Fatal("first message never reached the processor")
	}

	// Stop while the batch is under way. It must block until the sweep
	// finishes and every fetched message has been processed.
	w.Stop()

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.processed) != 5 {
		t.Errorf("Stop interrupted the batch: processed %d of 5 messages", len(proc.processed))
	}
}

func TestStop_WhenStoppedIsNoOp(t *testing.T) {
	w := newTestWorker(&mockSource{}, &mockProcessor{})
	w.Stop() // must not panic or block
}

func TestCheckEmails_SkipsDuplicates(t *testing.T) {
	src := &mockSource{messages: []models.InboundMessage{
		{Sender: "a@example.com", Body: "unsubscribe", MessageID: "dup"},
		{Sender: "b@example.com", Body: "remove me", MessageID: "dup"},
		{Sender: "c@example.com", Body: "opt out"},
	}}
	proc := &mockProcessor{}
	w := newTestWorker(src, proc)

	summary, err := w.CheckEmails(context.Background())
	if err != nil {
		t.Fatalf("CheckEmails: %v", err)
	}
	if summary.Fetched != 3 {
		t.Errorf("fetched = %d, want 3", summary.Fetched)
	}
	if summary.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", summary.Skipped)
	}
	if summary.Processed != 2 {
		t.Errorf("processed = %d, want 2", summary.Processed)
	}
}

func TestCheckEmails_RejectsConcurrentSweep(t *testing.T) {
	w := newTestWorker(&mockSource{}, &mockProcessor{})

	w.checking.Store(true)
	if _, err := w.CheckEmails(context.Background()); err == nil {
		t.Fatal("expected concurrent sweep to be rejected")
	}
	w.checking.Store(false)

	if _, err := w.CheckEmails(context.Background()); err != nil {
		t.Fatalf("sweep after release: %v", err)
	}
}

func TestCheckEmails_FetchErrorPropagates(t *testing.T) {
	src := &mockSource{fetchErr: errors.New("imap down")}
	w := newTestWorker(src, &mockProcessor{})

	if _, err := w.CheckEmails(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
}
