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

package mailsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/mailops/optout/internal/models"
)

const defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

// GraphSource reads unread mail from an M365 mailbox through the
// Microsoft Graph API using application (client credential) permissions.
// It also implements ReplySender: replies go out through the Graph reply
// endpoint so they thread correctly in the recipient's mailbox.
type GraphSource struct {
	httpClient *http.Client
	baseURL    string
	userEmail  string
	folder     string
}

// NewGraphSource builds a source for one tenant and mailbox. folder
// defaults to Inbox when empty.
func NewGraphSource(ctx context.Context, tenantID, clientID, clientSecret, userEmail, folder string) *GraphSource {
	creds := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &GraphSource{
		httpClient: creds.Client(ctx),
		baseURL:    defaultGraphBaseURL,
		userEmail:  userEmail,
		folder:     firstNonEmpty(folder, "Inbox"),
	}
}

func (g *GraphSource) Mailbox() string { return g.userEmail + "/" + g.folder }

// graphListResponse represents the relevant fields of a Graph message
// list response.
type graphListResponse struct {
	Value []struct {
		ID      string `json:"id"`
		Subject string `json:"subject"`
		From    struct {
			EmailAddress struct {
				Address string `json:"address"`
				Name    string `json:"name"`
			} `json:"emailAddress"`
		} `json:"from"`
		Body struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		InternetMessageID string `json:"internetMessageId"`
	} `json:"value"`
}

// FetchUnread lists unread messages in the monitored folder and marks
// each one read. A message without a usable sender or body is marked
// read and skipped.
func (g *GraphSource) FetchUnread(ctx context.Context) ([]models.InboundMessage, error) {
	query := url.Values{}
	query.Set("$filter", "isRead eq false")
	query.Set("$top", "50")
	query.Set("$select", "id,subject,from,body,internetMessageId")
	query.Set("$orderby", "receivedDateTime desc")
	u := fmt.Sprintf("%s/users/%s/mailFolders/%s/messages?%s",
		g.baseURL, url.PathEscape(g.userEmail), url.PathEscape(g.folder), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "outlook.body-content-type=\"text\"")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("graph API returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var listed graphListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		return nil, fmt.Errorf("decode message list: %w", err)
	}

	var messages []models.InboundMessage
	for _, m := range listed.Value {
		if err := g.markRead(ctx, m.ID); err != nil {
			slog.Warn("failed to mark message read",
				"message_id", m.ID,
				"error", err,
			)
		}

		sender := m.From.EmailAddress.Address
		if sender == "" {
			slog.Warn("graph message has no sender, skipping", "message_id", m.ID)
			continue
		}

		body := m.Body.Content
		if strings.EqualFold(m.Body.ContentType, "html") {
			body = stripHTML(body)
		}
		if strings.TrimSpace(body) == "" {
			slog.Warn("graph message has an empty body, skipping", "message_id", m.ID)
			continue
		}

		messages = append(messages, models.InboundMessage{
			Sender:     sender,
			Subject:    m.Subject,
			Body:       body,
			MessageID:  firstNonEmpty(m.InternetMessageID, m.ID),
			ProviderID: m.ID,
		})
	}

	return messages, nil
}

// TestConnection verifies the credential can see the monitored mailbox.
func (g *GraphSource) TestConnection(ctx context.Context) error {
	u := fmt.Sprintf("%s/users/%s", g.baseURL, url.PathEscape(g.userEmail))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reach graph API: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph API returned HTTP %d for mailbox %s", resp.StatusCode, g.userEmail)
	}
	return nil
}

// SendReply answers the original message through the Graph reply
// endpoint, using the resource ID captured during FetchUnread. Messages
// that arrived through the webhook carry no resource ID; those get a
// fresh confirmation through sendMail instead.
func (g *GraphSource) SendReply(ctx context.Context, original models.InboundMessage, body string) error {
	if original.ProviderID == "" {
		return g.sendMail(ctx, original, body)
	}

	payload, err := json.Marshal(map[string]any{"comment": body})
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	u := fmt.Sprintf("%s/users/%s/messages/%s/reply",
		g.baseURL, url.PathEscape(g.userEmail), url.PathEscape(original.ProviderID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("graph reply returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// sendMail composes a standalone confirmation to the original sender
// over the same authenticated channel.
func (g *GraphSource) sendMail(ctx context.Context, original models.InboundMessage, body string) error {
	subject := original.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	payload, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"subject": subject,
			"body": map[string]string{
				"contentType": "Text",
				"content":     body,
			},
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]string{"address": original.Sender}},
			},
		},
		"saveToSentItems": true,
	})
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}

	u := fmt.Sprintf("%s/users/%s/sendMail", g.baseURL, url.PathEscape(g.userEmail))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("graph sendMail returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// markRead flips isRead so the message cannot be fetched again.
func (g *GraphSource) markRead(ctx context.Context, graphID string) error {
	payload := []byte(`{"isRead": true}`)
	u := fmt.Sprintf("%s/users/%s/messages/%s",
		g.baseURL, url.PathEscape(g.userEmail), url.PathEscape(graphID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("patch message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph patch returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
