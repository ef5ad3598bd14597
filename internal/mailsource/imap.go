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
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/mailops/optout/internal/models"
)

// IMAPSource reads unread mail over IMAP. A fresh connection is opened
// per call; check intervals are long enough that keeping a session alive
// buys nothing and risks stale-connection errors.
type IMAPSource struct {
	host     string
	port     int
	email    string
	password string
	folder   string
}

// NewIMAPSource configures an IMAP source. folder defaults to INBOX when
// empty.
func NewIMAPSource(host string, port int, email, password, folder string) *IMAPSource {
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPSource{
		host:     host,
		port:     port,
		email:    email,
		password: password,
		folder:   folder,
	}
}

func (s *IMAPSource) Mailbox() string { return s.email + "/" + s.folder }

// connect dials, authenticates, and selects the monitored folder.
func (s *IMAPSource) connect() (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(s.email, s.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authentication failed for %s: %w", s.email, err)
	}

	if _, err := client.Select(s.folder, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", s.folder, err)
	}

	return client, nil
}

// TestConnection verifies the server is reachable and the credentials
// work.
func (s *IMAPSource) TestConnection(ctx context.Context) error {
	client, err := s.connect()
	if err != nil {
		return err
	}
	return client.Logout().Wait()
}

// FetchUnread returns every unseen message in the monitored folder and
// marks each one seen. A message that cannot be parsed is still marked
// seen and skipped, so a single malformed email cannot wedge the
// mailbox.
func (s *IMAPSource) FetchUnread(ctx context.Context) ([]models.InboundMessage, error) {
	client, err := s.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching unseen messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSetNum(uids...)

	bodySection := &imap.FetchItemBodySection{}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var messages []models.InboundMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			slog.Warn("failed to collect IMAP message, skipping", "error", err)
			continue
		}

		inbound, err := inboundFromBuffer(buf, bodySection)
		if err != nil {
			slog.Warn("failed to parse IMAP message, skipping",
				"uid", uint32(buf.UID),
				"error", err,
			)
			continue
		}
		messages = append(messages, inbound)
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, fmt.Errorf("fetching messages: %w", err)
	}

	// Mark everything we touched as seen, parsed or not.
	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		slog.Warn("failed to mark messages seen", "error", err)
	}

	return messages, nil
}

// inboundFromBuffer converts one fetched message into the canonical
// inbound form.
func inboundFromBuffer(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) (models.InboundMessage, error) {
	inbound := models.InboundMessage{}

	if buf.Envelope != nil {
		inbound.Subject = buf.Envelope.Subject
		inbound.MessageID = buf.Envelope.MessageID
		if len(buf.Envelope.From) > 0 {
			inbound.Sender = buf.Envelope.From[0].Addr()
		}
	}
	if inbound.Sender == "" {
		return inbound, fmt.Errorf("message UID %d has no sender", uint32(buf.UID))
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return inbound, fmt.Errorf("message UID %d has no body section", uint32(buf.UID))
	}

	text, html := extractBodies(raw)
	if text != "" {
		inbound.Body = text
	} else if html != "" {
		inbound.Body = stripHTML(html)
	}
	if strings.TrimSpace(inbound.Body) == "" {
		return inbound, fmt.Errorf("message UID %d has an empty body", uint32(buf.UID))
	}

	return inbound, nil
}

// extractBodies walks the MIME tree and returns the first text/plain and
// text/html inline parts. A message that fails MIME parsing entirely is
// treated as one plain-text blob.
func extractBodies(raw []byte) (textBody, htmlBody string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	return textBody, htmlBody
}
