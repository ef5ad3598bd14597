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

// Package blocklist provides the Postgres-backed action log. Every
// processed message appends exactly one record, whatever the outcome,
// so the log doubles as an audit trail and a stats source.
package blocklist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailops/optout/internal/models"
)

// maxRecentLimit caps ListRecent so a careless caller cannot drag the
// whole table through the API.
const maxRecentLimit = 500

// Record is one processed message persisted in Postgres.
type Record struct {
	ID           int64      `json:"id"`
	ProcessingID string     `json:"processing_id"`
	Email        string     `json:"email"`
	Subject      string     `json:"subject"`
	Snippet      string     `json:"message_snippet"`
	IntentFound  bool       `json:"intent_detected"`
	Confidence   string     `json:"intent_confidence"`
	Reasoning    string     `json:"intent_reasoning"`
	Suppressed   bool       `json:"suppress_success"`
	Action       string     `json:"suppress_action"`
	Detail       string     `json:"suppress_message"`
	Source       string     `json:"source"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Stats summarises the whole log. Field names are part of the HTTP API.
type Stats struct {
	TotalProcessed   int64            `json:"total_processed"`
	IntentDetected   int64            `json:"intent_detected_count"`
	Blocklisted      int64            `json:"successfully_blocklisted"`
	FailedBlocklist  int64            `json:"failed_blocklist"`
	NoIntentDetected int64            `json:"no_intent_detected"`
	SourceBreakdown  map[string]int64 `json:"source_breakdown"`
}

// Store provides append and query operations over the action log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an action log store backed by the given Postgres
// pool. It ensures the table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure blocklist schema: %w", err)
	}
	slog.Info("blocklist store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS unsubscribe_log (
			id                BIGSERIAL PRIMARY KEY,
			processing_id     TEXT NOT NULL,
			email             TEXT NOT NULL,
			subject           TEXT DEFAULT '',
			message_snippet   TEXT DEFAULT '',
			intent_detected   BOOLEAN NOT NULL DEFAULT FALSE,
			intent_confidence TEXT DEFAULT '',
			intent_reasoning  TEXT DEFAULT '',
			suppress_success  BOOLEAN NOT NULL DEFAULT FALSE,
			suppress_action   TEXT DEFAULT '',
			suppress_message  TEXT DEFAULT '',
			source            TEXT NOT NULL,
			created_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_unsub_email ON unsubscribe_log(email);
		CREATE INDEX IF NOT EXISTS idx_unsub_created ON unsubscribe_log(created_at);
		CREATE INDEX IF NOT EXISTS idx_unsub_source ON unsubscribe_log(source);
	`)
	return err
}

// Append inserts one record and fills in its database-assigned ID and
// timestamp.
func (s *Store) Append(ctx context.Context, r *Record) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO unsubscribe_log
			(processing_id, email, subject, message_snippet,
			 intent_detected, intent_confidence, intent_reasoning,
			 suppress_success, suppress_action, suppress_message, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`, r.ProcessingID, r.Email, r.Subject, r.Snippet,
		r.IntentFound, r.Confidence, r.Reasoning,
		r.Suppressed, r.Action, r.Detail, r.Source,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("append action record: %w", err)
	}
	return nil
}

// RecordResult builds and appends a record from a pipeline result.
func (s *Store) RecordResult(ctx context.Context, res models.ProcessResult, snippet string) error {
	return s.Append(ctx, &Record{
		ProcessingID: res.ProcessingID,
		Email:        res.Sender,
		Subject:      res.Subject,
		Snippet:      snippet,
		IntentFound:  res.Intent.HasIntent,
		Confidence:   string(res.Intent.Confidence),
		Reasoning:    res.Intent.Reasoning,
		Suppressed:   res.Suppressed,
		Action:       string(res.Outcome.Action),
		Detail:       res.Outcome.Message,
		Source:       string(res.Source),
	})
}

// ListRecent returns the newest records first. limit <= 0 defaults to
// 50 and anything above the cap is clamped.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, processing_id, email, subject, message_snippet,
		       intent_detected, intent_confidence, intent_reasoning,
		       suppress_success, suppress_action, suppress_message,
		       source, created_at
		FROM unsubscribe_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// List returns all records oldest first, optionally only successful
// suppressions. Used by the CSV export.
func (s *Store) List(ctx context.Context, successfulOnly bool) ([]Record, error) {
	q := `
		SELECT id, processing_id, email, subject, message_snippet,
		       intent_detected, intent_confidence, intent_reasoning,
		       suppress_success, suppress_action, suppress_message,
		       source, created_at
		FROM unsubscribe_log
	`
	if successfulOnly {
		q += ` WHERE suppress_success`
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// FindByAddress returns every record whose email matches, newest first.
// Matching is case-insensitive and allows substrings.
func (s *Store) FindByAddress(ctx context.Context, email string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, processing_id, email, subject, message_snippet,
		       intent_detected, intent_confidence, intent_reasoning,
		       suppress_success, suppress_action, suppress_message,
		       source, created_at
		FROM unsubscribe_log
		WHERE email ILIKE '%' || $1 || '%'
		ORDER BY created_at DESC, id DESC
	`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Stats aggregates the whole log in one round trip plus a per-source
// breakdown.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{SourceBreakdown: map[string]int64{}}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE intent_detected),
		       COUNT(*) FILTER (WHERE suppress_success),
		       COUNT(*) FILTER (WHERE intent_detected AND NOT suppress_success),
		       COUNT(*) FILTER (WHERE NOT intent_detected)
		FROM unsubscribe_log
	`).Scan(
		&stats.TotalProcessed, &stats.IntentDetected, &stats.Blocklisted,
		&stats.FailedBlocklist, &stats.NoIntentDetected,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT source, COUNT(*) FROM unsubscribe_log GROUP BY source
	`)
	if err != nil {
		return Stats{}, fmt.Errorf("source breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			return Stats{}, err
		}
		stats.SourceBreakdown[source] = count
	}
	return stats, rows.Err()
}

// ClearAll deletes every record and reports how many were removed.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM unsubscribe_log`)
	if err != nil {
		return 0, fmt.Errorf("clear action log: %w", err)
	}
	return tag.RowsAffected(), nil
}

// collectRecords scans multiple rows into a slice of Records.
func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.ProcessingID, &r.Email, &r.Subject, &r.Snippet,
			&r.IntentFound, &r.Confidence, &r.Reasoning,
			&r.Suppressed, &r.Action, &r.Detail,
			&r.Source, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
