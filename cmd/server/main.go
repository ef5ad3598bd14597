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

// Opt-Out Processor
//
// Entry point for the opt-out processing service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL (action log) and Redis (dedup)
//  3. Builds the intent classifier, suppression client, and pipeline
//  4. Wires the mailbox worker when a mailbox is configured
//  5. Serves the HTTP API (webhook, worker controls, action log)
//  6. Handles graceful shutdown on SIGTERM/SIGINT
//
// The worker never starts on boot; POST /worker/start begins polling.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mailops/optout/internal/api"
	"github.com/mailops/optout/internal/blocklist"
	"github.com/mailops/optout/internal/classify"
	"github.com/mailops/optout/internal/config"
	"github.com/mailops/optout/internal/dedup"
	"github.com/mailops/optout/internal/mailsource"
	"github.com/mailops/optout/internal/pipeline"
	"github.com/mailops/optout/internal/suppress"
	"github.com/mailops/optout/internal/worker"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting opt-out processor")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"llm_provider", cfg.LLM.Provider,
		"mailbox_enabled", cfg.Mailbox.Enabled,
		"mailbox_transport", cfg.Mailbox.Transport,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Action Log Store (Postgres) ---
	store, err := blocklist.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise action log store", "error", err)
		os.Exit(1)
	}

	// --- Dedup Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Intent Classifier ---
	var backend classify.Backend
	switch cfg.LLM.Provider {
	case config.ProviderOllama:
		backend = classify.NewOllamaBackend(cfg.LLM.OllamaBaseURL, cfg.LLM.Model)
	case config.ProviderOpenAI:
		backend = classify.NewOpenAIBackend(cfg.LLM.OpenAIAPIKey, cfg.LLM.OpenAIBaseURL, cfg.LLM.Model)
	}
	detector := classify.NewDetector(backend, cfg.LLM.Timeout)

	// --- Suppression Client ---
	brevo := suppress.NewBrevoClient(cfg.BrevoAPIKey, cfg.BrevoBaseURL)

	// --- Mailbox Source and Reply Sender ---
	var source mailsource.Source
	var replies mailsource.ReplySender
	if cfg.Mailbox.Enabled {
		switch cfg.Mailbox.Transport {
		case config.TransportIMAP:
			source = mailsource.NewIMAPSource(
				cfg.Mailbox.IMAPHost, cfg.Mailbox.IMAPPort,
				cfg.Mailbox.Email, cfg.Mailbox.Password, cfg.Mailbox.Folder,
			)
			if cfg.Mailbox.SendConfirmation {
				replies = mailsource.NewSMTPSender(
					cfg.Mailbox.SMTPHost, cfg.Mailbox.SMTPPort,
					cfg.Mailbox.Email, cfg.Mailbox.Password,
				)
			}
		case config.TransportGraph:
			graphSource := mailsource.NewGraphSource(ctx,
				cfg.Mailbox.GraphTenantID, cfg.Mailbox.GraphClientID,
				cfg.Mailbox.GraphClientSecret, cfg.Mailbox.GraphUserEmail,
				cfg.Mailbox.GraphFolder,
			)
			source = graphSource
			if cfg.Mailbox.SendConfirmation {
				replies = graphSource
			}
		}
	}

	// --- Processing Pipeline ---
	processor := pipeline.NewProcessor(detector, brevo, store, replies)

	// --- Mailbox Worker (not started; driven through the API) ---
	var workerControl api.WorkerControl
	if source != nil {
		workerControl = worker.New(source, processor, filter,
			cfg.Mailbox.CheckInterval, 0, cfg.Mailbox.AllowDegraded)
	}

	// --- HTTP API ---
	handler := api.NewHandler(processor, detector, brevo, store, workerControl).
		WithPinger("postgres", pgPool).
		WithPinger("redis", filter)
	ready, done, err := api.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start API server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	if workerControl != nil {
		workerControl.Stop()
	}
	cancel()
	<-done

	slog.Info("opt-out processor stopped")
}
