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

// Package dedup provides message deduplication using Redis SETNX with a
// TTL. The mailbox worker marks messages read on fetch, but a crash
// between fetch and processing, or the same message arriving through
// both the webhook and the worker, can present one message twice.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen message ID is remembered. Senders
	// rarely retry an unsubscribe reply after a week.
	DefaultTTL = 7 * 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "optout:seen:"
)

// Filter tracks which message IDs have already been processed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the message ID has NOT been seen before. If
// true, the ID is marked as seen atomically (SETNX). An empty ID is
// always new: some transports do not expose a stable identifier.
//
// The filter fails open. Suppressing the same address twice is a no-op
// at the sink, so when Redis is unreachable it is safer to process a
// duplicate than to drop a genuine opt-out.
func (f *Filter) IsNew(ctx context.Context, messageID string) bool {
	if messageID == "" {
		return true
	}

	key := fmt.Sprintf("%s%s", keyPrefix, messageID)

	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		slog.Warn("dedup check failed, treating message as new",
			"message_id", messageID,
			"error", err,
		)
		return true
	}

	return set
}

// Ping reports whether Redis is reachable.
func (f *Filter) Ping(ctx context.Context) error {
	if err := f.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
