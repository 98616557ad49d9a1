package email

import (
	"fmt"
	"html"
	"strings"

	"curtailment-notifier/pkg/dispatch"
)

const timeLayout = "Monday, January 2, 2006 at 3:04 PM MST"

func (s *Sender) formatDispatchBody(contact dispatch.Contact, event *dispatch.Event, facility string, hasScreenshot bool) string {
	loc := s.zoneFor(event.Timezone)
	start := event.Start.In(loc)
	end := event.End.In(loc)

	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 700px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".banner { background: #c0392b; color: #fff; padding: 12px 16px; border-radius: 4px; font-weight: 600; font-size: 1.1em; }\n")
	b.WriteString(".detail { margin: 20px 0; }\n")
	b.WriteString(".detail td { padding: 4px 12px 4px 0; vertical-align: top; }\n")
	b.WriteString(".detail td.label { color: #7f8c8d; white-space: nowrap; }\n")
	b.WriteString(".note { margin: 20px 0; padding: 10px 14px; background: #fef9e7; border-left: 3px solid #f1c40f; font-size: 0.95em; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(fmt.Sprintf("<div class=\"banner\">Curtailment dispatch in effect: %s</div>\n", escapeHTML(event.Type)))

	b.WriteString(fmt.Sprintf("<p>Hello %s,</p>\n", escapeHTML(contact.Name)))
	b.WriteString(fmt.Sprintf("<p>A curtailment dispatch covering <strong>%s</strong> has started. Your facility's live usage as of ten minutes into the event window is "+
		"%s.</p>\n", escapeHTML(facility), attachmentPhrase(hasScreenshot)))

	b.WriteString("<table class=\"detail\">\n")
	b.WriteString(fmt.Sprintf("<tr><td class=\"label\">Dispatch</td><td>%s</td></tr>\n", escapeHTML(event.Type)))
	b.WriteString(fmt.Sprintf("<tr><td class=\"label\">Facility</td><td>%s</td></tr>\n", escapeHTML(facility)))
	b.WriteString(fmt.Sprintf("<tr><td class=\"label\">Starts</td><td>%s</td></tr>\n", start.Format(timeLayout)))
	b.WriteString(fmt.Sprintf("<tr><td class=\"label\">Ends</td><td>%s</td></tr>\n", end.Format(timeLayout)))
	b.WriteString("</table>\n")

	if !hasScreenshot {
		b.WriteString("<div class=\"note\">The usage chart could not be captured automatically for this event. ")
		b.WriteString("Please check your facility's usage directly in the vendor portal.</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString("This notification was generated automatically from the vendor dispatch email. ")
	b.WriteString(fmt.Sprintf("Reply to %s to reach the energy operations team.\n", escapeHTML(s.fromAddr)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func attachmentPhrase(hasScreenshot bool) string {
	if hasScreenshot {
		return "attached as a screenshot"
	}
	return "not available"
}

// escapeHTML escapes untrusted text for inclusion in the email body.
func escapeHTML(s string) string {
	return html.EscapeString(s)
}
