package email

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
// This is critical security: RFC 5322 headers are newline-delimited, so any newline in
// a header value allows an attacker to inject arbitrary headers or body content.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		// Allow only printable characters (space through ~) and valid UTF-8
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Send sends an email via Gmail API, as multipart/mixed when an attachment
// is present.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string, attachment *Attachment) error {
	// Sanitize headers to prevent email header injection attacks
	to = sanitizeEmailHeader(to)
	subject = sanitizeEmailHeader(subject)

	raw, err := buildMIME(to, subject, htmlBody, attachment)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	encoded := base64.URLEncoding.EncodeToString(raw)

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", to,
				"subject", subject)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
}

// buildMIME assembles the RFC 5322 message. From is set by the Gmail API
// from the authenticated account.
func buildMIME(to, subject, htmlBody string, attachment *Attachment) ([]byte, error) {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))

	if attachment == nil {
		msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		msg.WriteString(htmlBody)
		return []byte(msg.String()), nil
	}

	boundary, err := mimeBoundary()
	if err != nil {
		return nil, err
	}

	msg.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary))

	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString(fmt.Sprintf("Content-Type: %s; name=%q\r\n", attachment.ContentType, attachment.Filename))
	msg.WriteString("Content-Transfer-Encoding: base64\r\n")
	msg.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n\r\n", attachment.Filename))
	msg.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(attachment.Data)))
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return []byte(msg.String()), nil
}

func mimeBoundary() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate boundary: %w", err)
	}
	return "mixed-" + hex.EncodeToString(buf[:]), nil
}

// wrapBase64 folds encoded content to 76-character lines per RFC 2045.
func wrapBase64(s string) string {
	const width = 76
	var b strings.Builder
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteString("\r\n")
		s = s[width:]
	}
	b.WriteString(s)
	return b.String()
}
