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

// Package api exposes the HTTP surface: the inbound-email webhook, the
// worker lifecycle controls, the action-log queries, and the diagnostic
// endpoints used during setup.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/mailops/optout/internal/blocklist"
	"github.com/mailops/optout/internal/models"
	"github.com/mailops/optout/internal/pipeline"
	"github.com/mailops/optout/internal/suppress"
	"github.com/mailops/optout/internal/worker"
)

// WorkerControl is the slice of the worker the API drives. Nil when no
// mailbox is configured.
type WorkerControl interface {
	Start(ctx context.Context) error
	Stop()
	Status() worker.Status
	CheckEmails(ctx context.Context) (worker.BatchSummary, error)
}

// Pinger is a backing store that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler routes API requests to the underlying components.
type Handler struct {
	processor  *pipeline.Processor
	classifier pipeline.Classifier
	sink       suppress.Sink
	store      *blocklist.Store
	worker     WorkerControl
	pingers    map[string]Pinger
}

// NewHandler creates the API handler. worker may be nil when the
// mailbox worker is disabled.
func NewHandler(
	processor *pipeline.Processor,
	classifier pipeline.Classifier,
	sink suppress.Sink,
	store *blocklist.Store,
	w WorkerControl,
) *Handler {
	return &Handler{
		processor:  processor,
		classifier: classifier,
		sink:       sink,
		store:      store,
		worker:     w,
		pingers:    map[string]Pinger{},
	}
}

// WithPinger registers a named backing store for the health endpoint.
func (h *Handler) WithPinger(name string, p Pinger) *Handler {
	h.pingers[name] = p
	return h
}

// Routes registers every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", h.handleRoot)
	mux.HandleFunc("GET /health", h.handleRoot)

	mux.HandleFunc("POST /inbound-email", h.handleInboundEmail)
	mux.HandleFunc("POST /test-suppress", h.handleTestSuppress)
	mux.HandleFunc("POST /test-intent", h.handleTestIntent)

	mux.HandleFunc("POST /worker/start", h.handleWorkerStart)
	mux.HandleFunc("POST /worker/stop", h.handleWorkerStop)
	mux.HandleFunc("GET /worker/status", h.handleWorkerStatus)
	mux.HandleFunc("POST /worker/check-now", h.handleWorkerCheckNow)

	mux.HandleFunc("GET /blocklist/stats", h.handleBlocklistStats)
	mux.HandleFunc("GET /blocklist/all", h.handleBlocklistAll)
	mux.HandleFunc("GET /blocklist/recent", h.handleBlocklistRecent)
	mux.HandleFunc("GET /blocklist/export", h.handleBlocklistExport)
	mux.HandleFunc("GET /blocklist/search/{email}", h.handleBlocklistSearch)
	mux.HandleFunc("POST /blocklist/clear", h.handleBlocklistClear)
	mux.HandleFunc("DELETE /blocklist/clear", h.handleBlocklistClear)

	return mux
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/health" {
		http.NotFound(w, r)
		return
	}
	for name, p := range h.pingers {
		if err := p.Ping(r.Context()); err != nil {
			slog.Error("health check failed", "backend", name, "error", err)
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("%s unhealthy", name))
			return
		}
	}

	status := map[string]any{
		"status":  "ok",
		"service": "opt-out processor",
	}
	if h.worker != nil {
		status["worker_running"] = h.worker.Status().Running
	}
	writeJSON(w, http.StatusOK, status)
}

// handleInboundEmail processes one pushed email reply synchronously and
// returns the full outcome. This is the endpoint inbound-parse services
// (Brevo webhooks, Zapier, and similar) POST to.
func (h *Handler) handleInboundEmail(w http.ResponseWriter, r *http.Request) {
	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg.Sender = strings.TrimSpace(msg.Sender)
	if msg.Sender == "" {
		writeError(w, http.StatusBadRequest, "sender_email is required")
		return
	}
	addr, err := mail.ParseAddress(msg.Sender)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid sender_email: %v", err))
		return
	}
	msg.Sender = addr.Address
	if strings.TrimSpace(msg.Body) == "" {
		writeError(w, http.StatusBadRequest, "message_text is required")
		return
	}

	res := h.processor.Process(r.Context(), msg, models.SourceWebhook)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":                      true,
		"message":                      "email processed",
		"processing_id":                res.ProcessingID,
		"sender_email":                 res.Sender,
		"unsubscribe_intent_detected":  res.Intent.HasIntent,
		"unsubscribed_from_brevo":      res.Suppressed,
		"details": map[string]any{
			"intent":      res.Intent,
			"suppression": res.Outcome,
			"reply_sent":  res.ReplySent,
		},
	})
}

// handleTestSuppress suppresses an address directly, bypassing
// classification. Setup diagnostic.
func (h *Handler) handleTestSuppress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid email: %v", err))
		return
	}

	outcome := h.sink.Suppress(r.Context(), addr.Address)
	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, outcome)
}

// handleTestIntent classifies a message without acting on it. Setup
// diagnostic.
func (h *Handler) handleTestIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"message_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "message_text is required")
		return
	}

	writeJSON(w, http.StatusOK, h.classifier.Classify(r.Context(), req.Body))
}

func (h *Handler) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		writeError(w, http.StatusServiceUnavailable, "mailbox worker disabled in configuration")
		return
	}
	if h.worker.Status().Running {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "worker already running",
			"status":  h.worker.Status(),
		})
		return
	}
	if err := h.worker.Start(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "worker started",
		"status":  h.worker.Status(),
	})
}

func (h *Handler) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		writeError(w, http.StatusServiceUnavailable, "mailbox worker disabled in configuration")
		return
	}
	if !h.worker.Status().Running {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "worker already stopped",
			"status":  h.worker.Status(),
		})
		return
	}
	h.worker.Stop()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "worker stopped",
		"status":  h.worker.Status(),
	})
}

// handleWorkerStatus reports the worker state. The enabled flag is
// derived from the wiring: a worker only exists when the mailbox is
// configured.
func (h *Handler) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"running": false, "enabled": false, "mailbox": ""})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		worker.Status
		Enabled bool `json:"enabled"`
	}{h.worker.Status(), true})
}

func (h *Handler) handleWorkerCheckNow(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		writeError(w, http.StatusServiceUnavailable, "no mailbox configured")
		return
	}
	summary, err := h.worker.CheckEmails(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleBlocklistStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		slog.Error("failed to compute stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleBlocklistAll(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context(), successfulOnlyParam(r))
	if err != nil {
		slog.Error("failed to list records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"entries": records,
	})
}

func (h *Handler) handleBlocklistRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list recent records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"entries": records,
	})
}

func (h *Handler) handleBlocklistExport(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context(), successfulOnlyParam(r))
	if err != nil {
		slog.Error("failed to export records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export records")
		return
	}

	filename := fmt.Sprintf("unsubscribes-%s.csv", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := blocklist.WriteCSV(w, records); err != nil {
		slog.Error("failed to stream csv", "error", err)
	}
}

func (h *Handler) handleBlocklistSearch(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PathValue("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	records, err := h.store.FindByAddress(r.Context(), email)
	if err != nil {
		slog.Error("failed to search records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to search records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   email,
		"count":   len(records),
		"entries": records,
	})
}

func (h *Handler) handleBlocklistClear(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.store.ClearAll(r.Context())
	if err != nil {
		slog.Error("failed to clear action log", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear action log")
		return
	}
	slog.Warn("action log cleared", "deleted", deleted)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": deleted,
	})
}

// successfulOnlyParam reads the successful_only query parameter,
// defaulting to true so listing and export exclude rows where the
// suppression did not go through.
func successfulOnlyParam(r *http.Request) bool {
	raw := r.URL.Query().Get("successful_only")
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

// Serve starts the API server on the given port. It binds the port
// immediately and signals readiness via the first returned channel
// before accepting connections. When ctx is cancelled the server drains
// in-flight requests; the second channel closes once shutdown is
// complete, so main can wait before exiting.
func Serve(ctx context.Context, port int, handler *Handler) (ready, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind API port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		<-ctx.Done()
		slog.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("API server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("API server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
