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

package blocklist

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// csvHeader fixes the export column order. Downstream spreadsheets
// depend on it.
var csvHeader = []string{
	"id", "email", "intent_detected", "intent_confidence",
	"suppress_success", "suppress_action", "subject", "source", "created_at",
}

// WriteCSV streams records as CSV, header first.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.Email,
			strconv.FormatBool(r.IntentFound),
			r.Confidence,
			strconv.FormatBool(r.Suppressed),
			r.Action,
			r.Subject,
			r.Source,
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// Snippet truncates a message body for storage. Full bodies are not
// persisted; 200 characters is enough to audit a decision.
func Snippet(body string) string {
	const max = 200
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max]) + "..."
}
