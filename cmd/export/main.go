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

// Command export dumps the action log to CSV without going through the
// HTTP API. Useful for periodic compliance reports from cron.
//
// Usage:
//
//	go run ./cmd/export/ [--out unsubscribes.csv] [--all]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailops/optout/internal/blocklist"
	"github.com/mailops/optout/internal/config"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	outFlag := flag.String("out", "unsubscribes.csv", "Output file path (- for stdout)")
	allFlag := flag.Bool("all", false, "Include failed and no-intent records, not just successful suppressions")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	store, err := blocklist.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise action log store", "error", err)
		os.Exit(1)
	}

	records, err := store.List(ctx, !*allFlag)
	if err != nil {
		slog.Error("failed to list records", "error", err)
		os.Exit(1)
	}

	out := os.Stdout
	if *outFlag != "-" {
		f, err := os.Create(*outFlag)
		if err != nil {
			slog.Error("failed to create output file", "path", *outFlag, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	if err := blocklist.WriteCSV(out, records); err != nil {
		slog.Error("failed to write csv", "error", err)
		os.Exit(1)
	}

	slog.Info("export complete", "records", len(records), "path", *outFlag)
}
