package parser

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

const vendorSender = "dispatch@gridvendor.example"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fixtureOptions controls the synthetic dispatch email builder.
type fixtureOptions struct {
	from         string
	subject      string
	alertFor     string
	startLine    string
	endLine      string
	facilityRows int
	extraRows    string
}

func defaultFixture() fixtureOptions {
	return fixtureOptions{
		from:         fmt.Sprintf("Grid Dispatch <%s>", vendorSender),
		subject:      "URGENT: National Grid Targeted Dispatch Event - Tuesday, June 24, 2025",
		alertFor:     "National Grid - Targeted Dispatch",
		startLine:    "Event will Start at: 05:00 PM (EDT) On 06/24/2025",
		endLine:      "Event will End at: 08:00 PM (EDT) On 06/24/2025",
		facilityRows: 48,
	}
}

func buildDispatchEmail(opts fixtureOptions) []byte {
	var rows strings.Builder
	for i := 1; i <= opts.facilityRows; i++ {
		fmt.Fprintf(&rows,
			"<tr><td>Company %d</td><td>Facility %d</td><td>%d Main St</td><td>ACCT-%04d</td><td>%d kW</td></tr>\n",
			i, i, i, i, 100+i)
	}
	rows.WriteString(opts.extraRows)

	var body strings.Builder
	body.WriteString("<html><body>\n")
	if opts.alertFor != "" {
		fmt.Fprintf(&body, "<p>Dispatch Alert For: %s</p>\n", opts.alertFor)
	}
	if opts.startLine != "" {
		fmt.Fprintf(&body, "<p>%s</p>\n", opts.startLine)
	}
	if opts.endLine != "" {
		fmt.Fprintf(&body, "<p>%s</p>\n", opts.endLine)
	}
	body.WriteString("<table>\n<tr><th>Company Name</th><th>Facility Name</th><th>Address</th><th>Account Number</th><th>Dispatch Target</th></tr>\n")
	body.WriteString(rows.String())
	body.WriteString("</table>\n</body></html>\n")

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", opts.from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", opts.subject)
	msg.WriteString("Message-Id: <fixture-1@gridvendor.example>\r\n")
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body.String())
	return []byte(msg.String())
}

func TestParseFixtureDispatch(t *testing.T) {
	p := New(vendorSender, testLogger())

	event := p.Parse(buildDispatchEmail(defaultFixture()))
	if event == nil {
		t.Fatal("Parse() = nil for a valid dispatch fixture")
	}

	if len(event.Facilities) != 48 {
		t.Errorf("facilities = %d, want 48", len(event.Facilities))
	}
	if !strings.Contains(event.Type, "Targeted Dispatch") {
		t.Errorf("dispatch type = %q, want it to contain %q", event.Type, "Targeted Dispatch")
	}
	if event.Timezone != "EDT" {
		t.Errorf("timezone = %q, want EDT", event.Timezone)
	}

	wantStart := time.Date(2025, 6, 24, 17, 0, 0, 0, time.Local)
	if !event.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", event.Start, wantStart)
	}
	wantEnd := time.Date(2025, 6, 24, 20, 0, 0, 0, time.Local)
	if !event.End.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", event.End, wantEnd)
	}

	// Derived notification time: ten minutes after the event start.
	notifyAt := event.Start.Add(10 * time.Minute)
	if notifyAt.Hour() != 17 || notifyAt.Minute() != 10 {
		t.Errorf("notification time = %02d:%02d, want 17:10", notifyAt.Hour(), notifyAt.Minute())
	}

	first := event.Facilities[0]
	if first.CompanyName != "Company 1" || first.FacilityName != "Facility 1" {
		t.Errorf("first facility = %+v, want Company 1 / Facility 1", first)
	}
	if first.Account != "ACCT-0001" || first.Target != "101 kW" {
		t.Errorf("first facility account/target = %q/%q", first.Account, first.Target)
	}
}

func TestParseRejectsNonVendorSender(t *testing.T) {
	p := New(vendorSender, testLogger())

	opts := defaultFixture()
	opts.from = "Somebody Else <other@example.com>"

	if event := p.Parse(buildDispatchEmail(opts)); event != nil {
		t.Errorf("Parse() = %+v for non-vendor sender, want nil", event)
	}
}

func TestParseRejectsUnrelatedSubject(t *testing.T) {
	p := New(vendorSender, testLogger())

	opts := defaultFixture()
	opts.subject = "Monthly statement now available"

	if event := p.Parse(buildDispatchEmail(opts)); event != nil {
		t.Error("Parse() accepted an email without a dispatch subject phrase")
	}
}

func TestParseRejectsMissingTimeWindow(t *testing.T) {
	p := New(vendorSender, testLogger())

	tests := []struct {
		name   string
		mutate func(*fixtureOptions)
	}{
		{"missing start", func(o *fixtureOptions) { o.startLine = "" }},
		{"missing end", func(o *fixtureOptions) { o.endLine = "" }},
		{"start after end", func(o *fixtureOptions) {
			o.startLine = "Event will Start at: 09:00 PM (EDT) On 06/24/2025"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultFixture()
			tt.mutate(&opts)
			if event := p.Parse(buildDispatchEmail(opts)); event != nil {
				t.Errorf("Parse() = non-nil, want nil (%s)", tt.name)
			}
		})
	}
}

func TestParseDefaultsUnknownDispatchType(t *testing.T) {
	p := New(vendorSender, testLogger())

	opts := defaultFixture()
	opts.alertFor = ""

	event := p.Parse(buildDispatchEmail(opts))
	if event == nil {
		t.Fatal("Parse() = nil; missing type label must be a soft failure")
	}
	if event.Type != UnknownDispatchType {
		t.Errorf("dispatch type = %q, want %q", event.Type, UnknownDispatchType)
	}
}

func TestParseSkipsShortFacilityRows(t *testing.T) {
	p := New(vendorSender, testLogger())

	opts := defaultFixture()
	opts.facilityRows = 3
	opts.extraRows = "<tr><td>Orphan Co</td><td>Orphan Facility</td></tr>\n"

	event := p.Parse(buildDispatchEmail(opts))
	if event == nil {
		t.Fatal("Parse() = nil")
	}
	if len(event.Facilities) != 3 {
		t.Errorf("facilities = %d, want 3 (short row must be skipped silently)", len(event.Facilities))
	}
}

func TestParseQuotedPrintableArtifacts(t *testing.T) {
	p := New(vendorSender, testLogger())

	// Body with soft line breaks and =3D escapes, declared as plain 8bit —
	// the transport re-encoded without updating headers.
	body := "<html><body>\r\n" +
		"<p>Dispatch Alert For: National Grid =\r\n- Targeted Dispatch</p>\r\n" +
		"<p class=3D\"when\">Event will Start at: 05:00 PM (EDT) On 06/24/2025</p>\r\n" +
		"<p class=3D\"when\">Event will End at: 08:00 PM (EDT) On 06/24/2025</p>\r\n" +
		"<table><tr><th>Company Name</th><th>Facility Name</th><th>Address</th><th>Account</th><th>Target</th></tr>" +
		"<tr><td>Co</td><td>Fac</td><td>Addr</td><td>A1</td><td>50 kW</td></tr></table>\r\n" +
		"</body></html>\r\n"

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", vendorSender)
	msg.WriteString("Subject: Curtailment notice\r\n")
	msg.WriteString("Message-Id: <qp-1@gridvendor.example>\r\n")
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	event := p.Parse([]byte(msg.String()))
	if event == nil {
		t.Fatal("Parse() = nil for quoted-printable body")
	}
	if !strings.Contains(event.Type, "Targeted Dispatch") {
		t.Errorf("dispatch type = %q, soft line break not decoded", event.Type)
	}
	if len(event.Facilities) != 1 {
		t.Errorf("facilities = %d, want 1", len(event.Facilities))
	}
}

func TestParseMultipartPrefersHTML(t *testing.T) {
	p := New(vendorSender, testLogger())

	htmlPart := "<html><body><p>Dispatch Alert For: Demand Response Dispatch</p>" +
		"<p>Event will Start at: 1:00 PM (CDT) On 07/04/2025</p>" +
		"<p>Event will End at: 3:00 PM (CDT) On 07/04/2025</p>" +
		"<table><tr><th>Company Name</th><th>Facility Name</th><th>Address</th><th>Account</th><th>Target</th></tr>" +
		"<tr><td>Co</td><td>Fac</td><td>Addr</td><td>A1</td><td>75 kW</td></tr></table></body></html>"

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", vendorSender)
	msg.WriteString("Subject: Dispatched Event Notification\r\n")
	msg.WriteString("Message-Id: <mp-1@gridvendor.example>\r\n")
	msg.WriteString("Content-Type: multipart/alternative; boundary=XYZ\r\n\r\n")
	msg.WriteString("--XYZ\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nSee the HTML version.\r\n")
	msg.WriteString("--XYZ\r\nContent-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlPart)
	msg.WriteString("\r\n--XYZ--\r\n")

	event := p.Parse([]byte(msg.String()))
	if event == nil {
		t.Fatal("Parse() = nil for multipart message")
	}
	if event.Timezone != "CDT" {
		t.Errorf("timezone = %q, want CDT", event.Timezone)
	}
	if len(event.Facilities) != 1 {
		t.Errorf("facilities = %d, want 1 (HTML part not selected?)", len(event.Facilities))
	}
}
