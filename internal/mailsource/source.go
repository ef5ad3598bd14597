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

// Package mailsource retrieves unread mail from a monitored mailbox and
// sends confirmation replies. Two transports are supported: IMAP for
// generic providers and the Microsoft Graph API for M365 mailboxes.
package mailsource

import (
	"context"
	"regexp"
	"strings"

	"github.com/mailops/optout/internal/models"
)

// Source reads unread messages from a mailbox. FetchUnread marks
// returned messages as read on the server so a crash between fetch and
// processing cannot cause an unbounded reprocessing loop.
type Source interface {
	FetchUnread(ctx context.Context) ([]models.InboundMessage, error)
	TestConnection(ctx context.Context) error
	// Mailbox identifies the monitored account for logging.
	Mailbox() string
}

// ReplySender sends a confirmation reply to the original message. Reply
// delivery is best effort; callers log failures and continue.
type ReplySender interface {
	SendReply(ctx context.Context, original models.InboundMessage, body string) error
}

// ConfirmationBody is the plain-text reply sent after a successful
// suppression.
const ConfirmationBody = "You have been successfully unsubscribed from our mailing list. You will no longer receive marketing emails from us.\n\nIf this was a mistake, please contact our support team."

var (
	htmlTagRE    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlStripRE  = regexp.MustCompile(`<[^>]+>`)
	whitespaceRE = regexp.MustCompile(`[ \t]+`)
	blankLinesRE = regexp.MustCompile(`\n{3,}`)
)

// stripHTML reduces an HTML body to readable plain text. It is a
// heuristic: scripts and styles are dropped, tags removed, entities for
// common cases decoded, whitespace collapsed.
func stripHTML(html string) string {
	text := htmlTagRE.ReplaceAllString(html, " ")
	text = strings.ReplaceAll(text, "<br>", "\n")
	text = strings.ReplaceAll(text, "<br/>", "\n")
	text = strings.ReplaceAll(text, "<br />", "\n")
	text = strings.ReplaceAll(text, "</p>", "\n")
	text = htmlStripRE.ReplaceAllString(text, " ")

	replacer := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	text = replacer.Replace(text)

	text = whitespaceRE.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRE.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
