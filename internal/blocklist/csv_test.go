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
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"
)

func TestWriteCSV(t *testing.T) {
	records := []Record{
		{
			ID:          1,
			Email:       "alice@example.com",
			IntentFound: true,
			Confidence:  "high",
			Suppressed:  true,
			Action:      "created",
			Subject:     "unsubscribe, please",
			Source:      "worker",
			CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			ID:     2,
			Email:  "bob@example.com",
			Source: "webhook",
		},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading back csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if got := strings.Join(rows[0], ","); got != "id,email,intent_detected,intent_confidence,suppress_success,suppress_action,subject,source,created_at" {
		t.Errorf("header = %q", got)
	}
	if rows[1][1] != "alice@example.com" || rows[1][2] != "true" || rows[1][8] != "2026-03-01T12:00:00Z" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[2][2] != "false" || rows[2][4] != "false" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 1 {
		t.Errorf("expected header only, got %q", buf.String())
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet("short body"); got != "short body" {
		t.Errorf("Snippet short = %q", got)
	}

	long := strings.Repeat("a", 300)
	got := Snippet(long)
	if len([]rune(got)) != 203 {
		t.Errorf("snippet length = %d, want 200 + ellipsis", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("snippet missing ellipsis: %q", got)
	}
}
