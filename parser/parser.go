// Package parser turns raw dispatch email bytes into structured events.
// A nil result means "not a dispatch" — a normal outcome, never an error
// for the caller to retry.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"curtailment-notifier/pkg/dispatch"
)

// UnknownDispatchType is used when neither type label pattern matches.
// A missing label is a soft failure; a missing time window is not.
const UnknownDispatchType = "Unknown Dispatch"

// subjectPhrases mark a candidate dispatch email (case-insensitive).
var subjectPhrases = []string{"dispatched event", "dispatch event", "curtailment"}

var (
	// "Dispatch Alert For: National Grid - Targeted Dispatch"
	alertForRe = regexp.MustCompile(`Dispatch Alert For:\s*([^\r\n]+?)\s*(?:\r|\n|$)`)
	// Inline sentence form: "A National Grid Targeted Dispatch event has been issued ..."
	inlineTypeRe = regexp.MustCompile(`(?i)\ba[n]?\s+([A-Za-z][A-Za-z0-9 /&-]*?dispatch(?: event)?)\s+has been (?:issued|called|declared)`)

	startRe = regexp.MustCompile(`(?i)Event will Start at:\s*([0-9]{1,2}:[0-9]{2}\s*[AP]M)\s*\(([A-Za-z]{2,5})\)\s*On\s*([0-9]{1,2}/[0-9]{1,2}/[0-9]{4})`)
	endRe   = regexp.MustCompile(`(?i)Event will End at:\s*([0-9]{1,2}:[0-9]{2}\s*[AP]M)\s*\(([A-Za-z]{2,5})\)\s*On\s*([0-9]{1,2}/[0-9]{1,2}/[0-9]{4})`)

	// Soft line breaks and the escapes the vendor's transport leaves behind
	// when a body is quoted-printable without saying so.
	qpSoftBreakRe = regexp.MustCompile(`=\r?\n`)
	qpEscapeRe    = regexp.MustCompile(`=([0-9A-Fa-f]{2})`)
)

// Parser classifies and extracts vendor dispatch emails.
type Parser struct {
	logger *slog.Logger
	sender string // vendor dispatch sender address, lowercased
}

// New creates a parser that accepts dispatches from the given sender address.
func New(sender string, logger *slog.Logger) *Parser {
	return &Parser{
		sender: strings.ToLower(strings.TrimSpace(sender)),
		logger: logger,
	}
}

// Parse returns the structured dispatch event, or nil if the email is not a
// usable dispatch (wrong sender/subject, or missing time window).
func (p *Parser) Parse(raw []byte) *dispatch.Event {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		p.logger.Warn("Unreadable email, not a dispatch", "error", err)
		return nil
	}

	from := msg.Header.Get("From")
	subject := decodeHeader(msg.Header.Get("Subject"))
	messageID := strings.TrimSpace(msg.Header.Get("Message-Id"))

	if !p.IsVendorSender(from) {
		return nil
	}
	if !subjectMatches(subject) {
		p.logger.Debug("Vendor email without dispatch subject", "subject", subject)
		return nil
	}

	body := normalizeBody(extractBody(msg))

	// Tag-stripped text for the structural patterns; the HTML itself is
	// kept for the facility table.
	text := bodyText(body)

	dispatchType := extractType(text)
	if dispatchType == UnknownDispatchType {
		p.logger.Warn("Dispatch type label not found, using default",
			"message_id", messageID,
			"subject", subject)
	}

	start, startTZ, ok := extractEventTime(text, startRe)
	if !ok {
		p.logger.Warn("Dispatch missing start time, dropping",
			"message_id", messageID,
			"subject", subject)
		return nil
	}
	end, _, ok := extractEventTime(text, endRe)
	if !ok {
		p.logger.Warn("Dispatch missing end time, dropping",
			"message_id", messageID,
			"subject", subject)
		return nil
	}
	if !start.Before(end) {
		p.logger.Warn("Dispatch window invalid (start not before end), dropping",
			"message_id", messageID,
			"start", start.Format(time.RFC3339),
			"end", end.Format(time.RFC3339))
		return nil
	}

	facilities := extractFacilities(body)

	p.logger.Info("Dispatch event parsed",
		"message_id", messageID,
		"dispatch_type", dispatchType,
		"start", start.Format(time.RFC3339),
		"end", end.Format(time.RFC3339),
		"timezone", startTZ,
		"facility_count", len(facilities))

	return &dispatch.Event{
		MessageID:  messageID,
		Type:       dispatchType,
		EventDate:  time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location()),
		Start:      start,
		End:        end,
		Timezone:   startTZ,
		Facilities: facilities,
		Raw:        raw,
	}
}

// IsVendorSender reports whether the From header matches the configured
// vendor dispatch address. Used by the watcher to decide whether a
// non-dispatch email should still be marked read.
func (p *Parser) IsVendorSender(from string) bool {
	if p.sender == "" {
		return false
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address) == p.sender
	}
	return strings.Contains(strings.ToLower(from), p.sender)
}

func subjectMatches(subject string) bool {
	lower := strings.ToLower(subject)
	for _, phrase := range subjectPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func extractType(text string) string {
	if m := alertForRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := inlineTypeRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return UnknownDispatchType
}

// extractEventTime pulls "<h:mm AM/PM> (<TZ>) On <MM/DD/YYYY>" out of the
// body and combines date and 12-hour time into a timestamp in the local
// process zone. The displayed hour is taken at face value; the abbreviation
// is carried as metadata and only mapped to a real zone when rendering
// notifications.
func extractEventTime(text string, re *regexp.Regexp) (t time.Time, tz string, ok bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, "", false
	}
	clock := strings.ToUpper(strings.Join(strings.Fields(m[1]), " "))
	stamp := fmt.Sprintf("%s %s", m[3], clock)
	parsed, err := time.ParseInLocation("1/2/2006 3:04 PM", stamp, time.Local)
	if err != nil {
		return time.Time{}, "", false
	}
	return parsed, strings.ToUpper(m[2]), true
}

// extractFacilities maps rows of the first table whose header mentions both
// "Company Name" and "Facility Name". Rows with fewer than five cells are
// skipped without aborting the parse.
func extractFacilities(body string) []dispatch.Facility {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}

	var facilities []dispatch.Facility
	doc.Find("table").EachWithBreak(func(_ int, tbl *goquery.Selection) bool {
		header := tbl.Find("tr").First().Text()
		if !strings.Contains(header, "Company Name") || !strings.Contains(header, "Facility Name") {
			return true // keep looking
		}

		tbl.Find("tr").Each(func(i int, row *goquery.Selection) {
			if i == 0 {
				return // header row
			}
			cells := row.Find("td, th")
			if cells.Length() < 5 {
				return
			}
			cell := func(n int) string {
				return strings.TrimSpace(cells.Eq(n).Text())
			}
			facilities = append(facilities, dispatch.Facility{
				CompanyName:  cell(0),
				FacilityName: cell(1),
				Address:      cell(2),
				Account:      cell(3),
				Target:       cell(4),
			})
		})
		return false // first matching table wins
	})

	return facilities
}

// extractBody returns the decoded message body, preferring the HTML part of
// multipart messages (the facility table only exists there).
func extractBody(msg *mail.Message) string {
	data, err := io.ReadAll(msg.Body)
	if err != nil {
		return ""
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		if part := findPart(bytes.NewReader(data), params["boundary"]); part != "" {
			return part
		}
	}

	return decodeTransfer(data, msg.Header.Get("Content-Transfer-Encoding"))
}

// findPart walks a multipart body and returns the decoded text/html part,
// falling back to text/plain. Nested multiparts are descended into.
func findPart(r io.Reader, boundary string) string {
	if boundary == "" {
		return ""
	}

	var plain string
	mr := multipart.NewReader(r, boundary)
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		mediaType, params, ctErr := mime.ParseMediaType(p.Header.Get("Content-Type"))
		if ctErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "multipart/"):
			if nested := findPart(p, params["boundary"]); nested != "" {
				return nested
			}
		case mediaType == "text/html":
			data, readErr := io.ReadAll(p)
			if readErr == nil {
				return decodeTransfer(data, p.Header.Get("Content-Transfer-Encoding"))
			}
		case mediaType == "text/plain" && plain == "":
			data, readErr := io.ReadAll(p)
			if readErr == nil {
				plain = decodeTransfer(data, p.Header.Get("Content-Transfer-Encoding"))
			}
		}
	}
	return plain
}

func decodeTransfer(data []byte, encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(data)))
		if err == nil {
			return string(decoded)
		}
	case "base64":
		compact := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, string(data))
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err == nil {
			return string(decoded)
		}
	}
	return string(data)
}

// normalizeBody cleans quoted-printable artifacts that leak through when the
// transport re-encodes without updating headers, then HTML entities.
func normalizeBody(body string) string {
	if qpSoftBreakRe.MatchString(body) || strings.Contains(body, "=3D") {
		body = qpSoftBreakRe.ReplaceAllString(body, "")
		body = qpEscapeRe.ReplaceAllStringFunc(body, func(esc string) string {
			n, err := strconv.ParseUint(esc[1:], 16, 8)
			if err != nil {
				return esc
			}
			return string(byte(n))
		})
	}
	return html.UnescapeString(body)
}

var blockBreakRe = regexp.MustCompile(`(?i)<br\s*/?>|</(?:p|div|li|h[1-6])>`)

// bodyText strips tags so the structural text patterns can match across
// markup boundaries. Block-element closes become newlines so line-anchored
// patterns still terminate where the rendered email would break.
func bodyText(body string) string {
	withBreaks := blockBreakRe.ReplaceAllString(body, "$0\n")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(withBreaks))
	if err != nil {
		return body
	}
	return doc.Text()
}

func decodeHeader(h string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(h)
	if err != nil {
		return h
	}
	return decoded
}
