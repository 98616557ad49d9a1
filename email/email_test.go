package email

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"curtailment-notifier/pkg/dispatch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type recordingProvider struct {
	to         string
	subject    string
	body       string
	attachment *Attachment
	err        error
}

func (r *recordingProvider) Send(_ context.Context, to, subject, htmlBody string, attachment *Attachment) error {
	r.to = to
	r.subject = subject
	r.body = htmlBody
	r.attachment = attachment
	return r.err
}

func testDispatchEvent() *dispatch.Event {
	start := time.Date(2025, 6, 24, 17, 0, 0, 0, time.Local)
	return &dispatch.Event{
		MessageID: "<d1@vendor>",
		Type:      "National Grid - Targeted Dispatch",
		Start:     start,
		End:       start.Add(3 * time.Hour),
		Timezone:  "EDT",
	}
}

func TestSendDispatchWithScreenshot(t *testing.T) {
	shot := filepath.Join(t.TempDir(), "usage.png")
	if err := os.WriteFile(shot, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	provider := &recordingProvider{}
	sender := New(provider, testLogger(), "notifier@example.com", "America/New_York")

	contact := dispatch.Contact{Name: "Pat Facilities", Email: "pat@mercy.example"}
	if err := sender.SendDispatch(context.Background(), contact, testDispatchEvent(), "Mercy Hospital", shot); err != nil {
		t.Fatalf("SendDispatch() error: %v", err)
	}

	if provider.to != "pat@mercy.example" {
		t.Errorf("to = %q", provider.to)
	}
	if !strings.Contains(provider.subject, "Mercy Hospital") || !strings.Contains(provider.subject, "Targeted Dispatch") {
		t.Errorf("subject = %q", provider.subject)
	}
	if provider.attachment == nil {
		t.Fatal("attachment missing")
	}
	if provider.attachment.Filename != "usage.png" {
		t.Errorf("attachment filename = %q", provider.attachment.Filename)
	}
	if provider.attachment.ContentType != "image/png" {
		t.Errorf("attachment content type = %q", provider.attachment.ContentType)
	}
	if !strings.Contains(provider.body, "Pat Facilities") {
		t.Error("body missing contact name")
	}
	if strings.Contains(provider.body, "could not be captured") {
		t.Error("body carries the no-screenshot note despite an attachment")
	}
}

func TestSendDispatchWithoutScreenshot(t *testing.T) {
	provider := &recordingProvider{}
	sender := New(provider, testLogger(), "notifier@example.com", "America/New_York")

	contact := dispatch.Contact{Name: "Pat", Email: "pat@mercy.example"}
	if err := sender.SendDispatch(context.Background(), contact, testDispatchEvent(), "Mercy Hospital", ""); err != nil {
		t.Fatalf("SendDispatch() error: %v", err)
	}

	if provider.attachment != nil {
		t.Error("attachment present without a screenshot path")
	}
	if !strings.Contains(provider.body, "could not be captured") {
		t.Error("body missing the no-screenshot note")
	}
}

func TestSendDispatchUnreadableScreenshotDowngrades(t *testing.T) {
	provider := &recordingProvider{}
	sender := New(provider, testLogger(), "notifier@example.com", "America/New_York")

	contact := dispatch.Contact{Name: "Pat", Email: "pat@mercy.example"}
	missing := filepath.Join(t.TempDir(), "gone.png")
	if err := sender.SendDispatch(context.Background(), contact, testDispatchEvent(), "Mercy Hospital", missing); err != nil {
		t.Fatalf("SendDispatch() error: %v", err)
	}

	if provider.attachment != nil {
		t.Error("attachment present for unreadable screenshot")
	}
}

func TestBodyEscapesUntrustedText(t *testing.T) {
	provider := &recordingProvider{}
	sender := New(provider, testLogger(), "notifier@example.com", "America/New_York")

	event := testDispatchEvent()
	event.Type = `<script>alert("x")</script>`
	contact := dispatch.Contact{Name: "Pat <b>", Email: "pat@mercy.example"}
	if err := sender.SendDispatch(context.Background(), contact, event, "Mercy & Co", ""); err != nil {
		t.Fatalf("SendDispatch() error: %v", err)
	}

	if strings.Contains(provider.body, "<script>") {
		t.Error("dispatch type not escaped")
	}
	if !strings.Contains(provider.body, "Mercy &amp; Co") {
		t.Error("facility name not escaped")
	}
}

func TestZoneForMapsAbbreviations(t *testing.T) {
	sender := New(&recordingProvider{}, testLogger(), "notifier@example.com", "America/Chicago")

	tests := []struct {
		abbrev string
		want   string
	}{
		{"EDT", "America/New_York"},
		{"EST", "America/New_York"},
		{"CDT", "America/Chicago"},
		{"PST", "America/Los_Angeles"},
		{"XYZ", "America/Chicago"}, // unmapped falls back to default
	}
	for _, tt := range tests {
		t.Run(tt.abbrev, func(t *testing.T) {
			if got := sender.zoneFor(tt.abbrev).String(); got != tt.want {
				t.Errorf("zoneFor(%q) = %q, want %q", tt.abbrev, got, tt.want)
			}
		})
	}
}

func TestBuildMIMEWithAttachment(t *testing.T) {
	raw, err := buildMIME("to@example.com", "Subject", "<p>hi</p>", &Attachment{
		Filename:    "usage.png",
		ContentType: "image/png",
		Data:        []byte("png-bytes"),
	})
	if err != nil {
		t.Fatalf("buildMIME() error: %v", err)
	}

	msg := string(raw)
	for _, want := range []string{
		"multipart/mixed",
		"Content-Type: text/html; charset=utf-8",
		`Content-Disposition: attachment; filename="usage.png"`,
		"Content-Transfer-Encoding: base64",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestBuildMIMEWithoutAttachment(t *testing.T) {
	raw, err := buildMIME("to@example.com", "Subject", "<p>hi</p>", nil)
	if err != nil {
		t.Fatalf("buildMIME() error: %v", err)
	}
	if strings.Contains(string(raw), "multipart") {
		t.Error("plain message must not be multipart")
	}
}

func TestSanitizeEmailHeader(t *testing.T) {
	got := sanitizeEmailHeader("evil@example.com\r\nBcc: victim@example.com")
	if strings.ContainsAny(got, "\r\n") {
		t.Errorf("header still contains newlines: %q", got)
	}
}
