// Package email delivers dispatch notifications via pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"curtailment-notifier/pkg/dispatch"
)

// Attachment is an inline file attached to an outbound email.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters. attachment may be nil.
	Send(ctx context.Context, to, subject, htmlBody string, attachment *Attachment) error
}

// Sender sends dispatch notification emails using a pluggable provider.
type Sender struct {
	provider    Provider
	logger      *slog.Logger
	fromAddr    string
	defaultZone string // IANA zone for unmapped timezone abbreviations
}

// New creates an email sender with the given provider.
func New(provider Provider, logger *slog.Logger, fromAddr, defaultZone string) *Sender {
	return &Sender{
		provider:    provider,
		logger:      logger,
		fromAddr:    fromAddr,
		defaultZone: defaultZone,
	}
}

// SendDispatch emails one contact about a dispatch event, attaching the
// usage screenshot when a path is given. A missing or unreadable screenshot
// downgrades the email to text-only rather than failing the send.
func (s *Sender) SendDispatch(ctx context.Context, contact dispatch.Contact, event *dispatch.Event, facility, screenshotPath string) error {
	subject := fmt.Sprintf("Curtailment Dispatch: %s - %s", facility, event.Type)
	body := s.formatDispatchBody(contact, event, facility, screenshotPath != "")

	var attachment *Attachment
	if screenshotPath != "" {
		data, err := os.ReadFile(screenshotPath)
		if err != nil {
			s.logger.Warn("Screenshot unreadable, sending without attachment",
				"path", screenshotPath,
				"error", err)
		} else {
			attachment = &Attachment{
				Filename:    filepath.Base(screenshotPath),
				ContentType: "image/png",
				Data:        data,
			}
		}
	}

	s.logger.Info("Sending dispatch notification",
		"to", contact.Email,
		"facility", facility,
		"dispatch_type", event.Type,
		"has_attachment", attachment != nil)

	if err := s.provider.Send(ctx, contact.Email, subject, body, attachment); err != nil {
		return fmt.Errorf("send to %s: %w", contact.Email, err)
	}
	return nil
}
