package portal

import (
	"regexp"
	"strconv"
	"strings"
)

// readingRe matches a power reading with a clock-time suffix, with or
// without thousands separators: "1,234.5 kW Demand @ 4:35 PM" and
// "1234 kW @ 5:15 PM" both count. The \b after kW keeps energy totals
// ("kWh") from matching.
var readingRe = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)\s*kW\b[^@\r\n]*@\s*\d{1,2}:\d{2}\s*[AP]M`)

// hasGenuineReading reports whether the page text contains a non-zero,
// timestamped power reading. Zero readings and bare units are what an empty
// chart renders, so they do not count.
func hasGenuineReading(text string) bool {
	for _, match := range readingRe.FindAllStringSubmatch(text, -1) {
		value, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", ""), 64)
		if err != nil {
			continue
		}
		if value > 0 {
			return true
		}
	}
	return false
}

// searchVariants returns progressively simplified search queries for a
// facility name. The portal's search frequently misses the vendor's long
// compound names but finds a shorter prefix.
func searchVariants(facility string) []string {
	full := strings.TrimSpace(facility)
	variants := []string{full}

	if base, _, ok := strings.Cut(full, " - "); ok {
		variants = append(variants, strings.TrimSpace(base))
	}
	if base, _, ok := strings.Cut(full, "("); ok {
		variants = append(variants, strings.TrimSpace(base))
	}
	if words := strings.Fields(full); len(words) > 2 {
		variants = append(variants, strings.Join(words[:2], " "))
	}

	seen := make(map[string]bool, len(variants))
	out := variants[:0]
	for _, v := range variants {
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

// candidateOrder ranks registration labels for a facility: an exact
// base-name match first, then dispatch-type variants, then any remaining
// labels containing the facility name. Labels unrelated to the facility are
// excluded.
func candidateOrder(facility, dispatchType string, labels []string) []string {
	base := strings.ToLower(strings.TrimSpace(facility))
	typeWord := dispatchTypeKeyword(dispatchType)

	var exact, typed, rest []string
	for _, label := range labels {
		lower := strings.ToLower(strings.TrimSpace(label))
		switch {
		case lower == base:
			exact = append(exact, label)
		case strings.Contains(lower, base) && typeWord != "" && strings.Contains(lower, typeWord):
			typed = append(typed, label)
		case strings.Contains(lower, base):
			rest = append(rest, label)
		}
	}

	ordered := make([]string, 0, len(exact)+len(typed)+len(rest))
	ordered = append(ordered, exact...)
	ordered = append(ordered, typed...)
	ordered = append(ordered, rest...)
	return ordered
}

// dispatchTypeKeyword extracts the program keyword used to prefer
// type-specific registration variants.
func dispatchTypeKeyword(dispatchType string) string {
	lower := strings.ToLower(dispatchType)
	for _, word := range []string{"targeted", "connected", "demand"} {
		if strings.Contains(lower, word) {
			return word
		}
	}
	return ""
}

// isTargetedDispatch reports whether the dispatch type requires the
// Targeted chart tab.
func isTargetedDispatch(dispatchType string) bool {
	return strings.Contains(strings.ToLower(dispatchType), "targeted")
}

var unsafeFileRe = regexp.MustCompile(`[^a-z0-9]+`)

// sanitizeFileName folds a facility name into a filesystem-safe token.
func sanitizeFileName(name string) string {
	cleaned := unsafeFileRe.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(cleaned, "-")
}
