package email

import (
	"time"
)

// zoneByAbbrev maps the vendor's timezone abbreviations to IANA zone names.
// Abbreviations outside this table fall back to the configured default zone.
var zoneByAbbrev = map[string]string{
	"EDT": "America/New_York",
	"EST": "America/New_York",
	"CDT": "America/Chicago",
	"CST": "America/Chicago",
	"MDT": "America/Denver",
	"MST": "America/Denver",
	"PDT": "America/Los_Angeles",
	"PST": "America/Los_Angeles",
}

// zoneFor resolves a timezone abbreviation to a location for rendering event
// times. Unresolvable zones render in the process-local zone.
func (s *Sender) zoneFor(abbrev string) *time.Location {
	name, ok := zoneByAbbrev[abbrev]
	if !ok {
		name = s.defaultZone
	}
	if name == "" {
		return time.Local
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		s.logger.Warn("Failed to load timezone, rendering in local zone",
			"abbrev", abbrev,
			"zone", name,
			"error", err)
		return time.Local
	}
	return loc
}
