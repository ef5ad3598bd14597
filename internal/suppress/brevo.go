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

// Package suppress places email addresses on the marketing suppression
// list. The only implementation targets the Brevo contacts API.
package suppress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mailops/optout/internal/models"
)

// Sink suppresses one address. Implementations must be idempotent: a
// second call for an already-suppressed address updates rather than
// duplicates.
type Sink interface {
	Suppress(ctx context.Context, email string) models.SuppressionOutcome
	TestConnection(ctx context.Context) error
}

// BrevoClient implements Sink against the Brevo v3 contacts API.
type BrevoClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewBrevoClient builds a client. baseURL may be empty for the public
// API endpoint.
func NewBrevoClient(apiKey, baseURL string) *BrevoClient {
	if baseURL == "" {
		baseURL = "https://api.brevo.com/v3"
	}
	return &BrevoClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Suppress blacklists the address. An unknown contact is created already
// blacklisted; a known contact is updated in place. The outcome reports
// which path was taken so callers can distinguish created from updated.
func (b *BrevoClient) Suppress(ctx context.Context, email string) models.SuppressionOutcome {
	status, err := b.getContact(ctx, email)
	if err != nil {
		return models.SuppressionOutcome{
			Success: false,
			Action:  models.ActionFailed,
			Message: "failed to look up contact",
			Err:     err.Error(),
		}
	}

	switch status {
	case http.StatusNotFound:
		if err := b.createBlacklisted(ctx, email); err != nil {
			return models.SuppressionOutcome{
				Success: false,
				Action:  models.ActionFailed,
				Message: "failed to create blacklisted contact",
				Err:     err.Error(),
			}
		}
		return models.SuppressionOutcome{
			Success: true,
			Action:  models.ActionCreated,
			Message: fmt.Sprintf("contact %s created and blacklisted", email),
		}
	case http.StatusOK:
		if err := b.updateBlacklisted(ctx, email); err != nil {
			return models.SuppressionOutcome{
				Success: false,
				Action:  models.ActionFailed,
				Message: "failed to blacklist existing contact",
				Err:     err.Error(),
			}
		}
		return models.SuppressionOutcome{
			Success: true,
			Action:  models.ActionUpdated,
			Message: fmt.Sprintf("existing contact %s blacklisted", email),
		}
	default:
		return models.SuppressionOutcome{
			Success: false,
			Action:  models.ActionFailed,
			Message: fmt.Sprintf("contact lookup returned status %d", status),
			Err:     fmt.Sprintf("unexpected status %d", status),
		}
	}
}

// TestConnection verifies the API key by listing one contact.
func (b *BrevoClient) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.baseURL+"/contacts?limit=1", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("call brevo: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("brevo connectivity check returned %d", resp.StatusCode)
	}
	return nil
}

// getContact returns the HTTP status of a contact lookup. 404 is a valid
// answer, not an error.
func (b *BrevoClient) getContact(ctx context.Context, email string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.baseURL+"/contacts/"+url.PathEscape(email), nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call brevo: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func (b *BrevoClient) createBlacklisted(ctx context.Context, email string) error {
	payload, err := json.Marshal(map[string]any{
		"email":            email,
		"emailBlacklisted": true,
		"updateEnabled":    true,
	})
	if err != nil {
		return fmt.Errorf("marshal contact: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/contacts", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("call brevo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create contact returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (b *BrevoClient) updateBlacklisted(ctx context.Context, email string) error {
	payload, err := json.Marshal(map[string]any{
		"emailBlacklisted": true,
	})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		b.baseURL+"/contacts/"+url.PathEscape(email), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("call brevo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("update contact returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (b *BrevoClient) setHeaders(req *http.Request) {
	req.Header.Set("api-key", b.apiKey)
	req.Header.Set("Accept", "application/json")
	if req.Method == http.MethodPost || req.Method == http.MethodPut {
		req.Header.Set("Content-Type", "application/json")
	}
}
