// Package dispatch contains the core domain types for the curtailment
// dispatch notification service.
package dispatch

import "time"

// Event is a vendor-declared curtailment instruction parsed from a dispatch
// email. Immutable after parsing; consumed by the scheduler and discarded.
type Event struct {
	Start      time.Time  `json:"start"`       // Event start, local wall-clock
	End        time.Time  `json:"end"`         // Event end, local wall-clock
	EventDate  time.Time  `json:"event_date"`  // Date portion of the start time
	MessageID  string     `json:"message_id"`  // Source email message id
	Type       string     `json:"type"`        // Dispatch type label, e.g. "National Grid - Targeted Dispatch"
	Timezone   string     `json:"timezone"`    // Source timezone abbreviation, e.g. "EDT"
	Facilities []Facility `json:"facilities"`  // Ordered as listed in the email
	Raw        []byte     `json:"-"`           // Raw source content for hashing/audit
}

// Facility is one affected site from the dispatch table. FacilityName is the
// primary matching key into the contact directory; it is NOT globally unique
// in the vendor's naming (a site may have several registration variants
// sharing a base name).
type Facility struct {
	CompanyName  string `json:"company_name"`
	FacilityName string `json:"facility_name"`
	Address      string `json:"address"`
	Account      string `json:"account"`
	Target       string `json:"target"` // Numeric dispatch target, free text with units
}

// Contact is a facility contact that receives usage screenshots.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}
