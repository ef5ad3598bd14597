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
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/mailops/optout/internal/models"
)

// SMTPSender sends confirmation replies over authenticated SMTP. It
// pairs with IMAPSource, which can read a mailbox but not send from it.
type SMTPSender struct {
	host     string
	port     int
	email    string
	password string
}

// NewSMTPSender configures a sender. The same account credentials as
// the IMAP side are used.
func NewSMTPSender(host string, port int, email, password string) *SMTPSender {
	return &SMTPSender{host: host, port: port, email: email, password: password}
}

// SendReply delivers a plain-text reply threaded onto the original
// message. Port 465 uses implicit TLS; anything else does STARTTLS.
func (s *SMTPSender) SendReply(ctx context.Context, original models.InboundMessage, body string) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var conn net.Conn
	var err error
	dialer := &net.Dialer{Deadline: deadline}
	if s.port == 465 {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: s.host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("connecting to SMTP %s: %w", addr, err)
	}
	conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if s.port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	auth := smtp.PlainAuth("", s.email, s.password, s.host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth for %s: %w", s.email, err)
	}

	if err := client.Mail(s.email); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(original.Sender); err != nil {
		return fmt.Errorf("rcpt to %s: %w", original.Sender, err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := wc.Write(buildReply(s.email, original, body)); err != nil {
		wc.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}

	return client.Quit()
}

// mimeBoundary separates the alternative parts of the confirmation.
const mimeBoundary = "confirm-alt-9c2a1f"

// buildReply assembles the RFC 5322 reply as multipart/alternative with
// a plain-text and an HTML part. Threading headers are set when the
// original carries a Message-ID so mail clients attach the confirmation
// to the conversation.
func buildReply(from string, original models.InboundMessage, body string) []byte {
	subject := original.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", original.Sender)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	if original.MessageID != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", original.MessageID)
		refs := strings.TrimSpace(original.References + " " + original.MessageID)
		fmt.Fprintf(&b, "References: %s\r\n", refs)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", mimeBoundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(confirmationHTML(body), "\n", "\r\n"))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", mimeBoundary)
	return []byte(b.String())
}

// confirmationHTML wraps the plain-text confirmation in a minimal HTML
// shell so clients that prefer the HTML part render something
// presentable.
func confirmationHTML(text string) string {
	var b strings.Builder
	b.WriteString("<html><body style=\"font-family: Arial, sans-serif; line-height: 1.6; color: #333;\">\n")
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(para))
	}
	b.WriteString("</body></html>\n")
	return b.String()
}
