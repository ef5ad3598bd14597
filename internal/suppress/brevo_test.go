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

package suppress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mailops/optout/internal/models"
)

// fakeBrevo simulates the contacts API with an in-memory contact set.
type fakeBrevo struct {
	mu       sync.Mutex
	contacts map[string]bool // email -> blacklisted
	creates  int
	updates  int
}

func newFakeBrevo() *fakeBrevo {
	return &fakeBrevo{contacts: map[string]bool{}}
}

func (f *fakeBrevo) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /contacts/{email}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.contacts[r.PathValue("email")]; !ok {
			http.Error(w, `{"code":"document_not_found"}`, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /contacts", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var body struct {
			Email            string `json:"email"`
			EmailBlacklisted bool   `json:"emailBlacklisted"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode create: %v", err)
		}
		f.mu.Lock()
		f.contacts[body.Email] = body.EmailBlacklisted
		f.creates++
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("PUT /contacts/{email}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.contacts[r.PathValue("email")] = true
		f.updates++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /contacts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestSuppress_NewContactCreated(t *testing.T) {
	fake := newFakeBrevo()
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := NewBrevoClient("key", srv.URL)
	out := client.Suppress(context.Background(), "new@example.com")
	if !out.Success {
		t.Fatalf("Suppress failed: %+v", out)
	}
	if out.Action != models.ActionCreated {
		t.Errorf("action = %q, want created", out.Action)
	}
	if !fake.contacts["new@example.com"] {
		t.Error("contact not blacklisted on server")
	}
}

func TestSuppress_ExistingContactUpdated(t *testing.T) {
	fake := newFakeBrevo()
	fake.contacts["old@example.com"] = false
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := NewBrevoClient("key", srv.URL)
	out := client.Suppress(context.Background(), "old@example.com")
	if !out.Success {
		t.Fatalf("Suppress failed: %+v", out)
	}
	if out.Action != models.ActionUpdated {
		t.Errorf("action = %q, want updated", out.Action)
	}
	if !fake.contacts["old@example.com"] {
		t.Error("contact not blacklisted on server")
	}
}

func TestSuppress_Idempotent(t *testing.T) {
	fake := newFakeBrevo()
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := NewBrevoClient("key", srv.URL)
	first := client.Suppress(context.Background(), "dup@example.com")
	second := client.Suppress(context.Background(), "dup@example.com")

	if first.Action != models.ActionCreated {
		t.Errorf("first action = %q, want created", first.Action)
	}
	if second.Action != models.ActionUpdated {
		t.Errorf("second action = %q, want updated", second.Action)
	}
	if fake.creates != 1 {
		t.Errorf("creates = %d, want exactly 1", fake.creates)
	}
}

func TestSuppress_ServerErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewBrevoClient("key", srv.URL)
	out := client.Suppress(context.Background(), "x@example.com")
	if out.Success {
		t.Fatal("expected failure")
	}
	if out.Action != models.ActionFailed {
		t.Errorf("action = %q, want failed", out.Action)
	}
	if out.Err == "" {
		t.Error("expected error detail")
	}
}

func TestTestConnection(t *testing.T) {
	fake := newFakeBrevo()
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := NewBrevoClient("key", srv.URL)
	if err := client.TestConnection(context.Background()); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
}
