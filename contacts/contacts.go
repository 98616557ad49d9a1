// Package contacts resolves facility names to notification contacts from a
// JSON roster file, with a fuzzy fallback for names that do not match the
// roster exactly.
package contacts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"curtailment-notifier/pkg/dispatch"
)

// rosterEntry is one facility record in the roster file.
type rosterEntry struct {
	Facility string             `json:"facility"`
	Contacts []dispatch.Contact `json:"contacts"`
}

// Directory is a facility-to-contacts lookup loaded from a JSON roster.
type Directory struct {
	logger  *slog.Logger
	entries map[string]rosterEntry // keyed by lowercased facility name
	path    string
	mu      sync.RWMutex
}

// New creates a directory backed by the roster file at path. Call Load
// before use.
func New(path string, logger *slog.Logger) *Directory {
	return &Directory{
		path:    path,
		logger:  logger,
		entries: make(map[string]rosterEntry),
	}
}

// Load reads the roster file, replacing any previously loaded entries.
func (d *Directory) Load() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read roster %s: %w", d.path, err)
	}

	var roster []rosterEntry
	if err := json.Unmarshal(data, &roster); err != nil {
		return fmt.Errorf("parse roster %s: %w", d.path, err)
	}

	entries := make(map[string]rosterEntry, len(roster))
	for _, entry := range roster {
		key := strings.ToLower(strings.TrimSpace(entry.Facility))
		if key == "" {
			continue
		}
		if prev, ok := entries[key]; ok {
			entry.Contacts = append(prev.Contacts, entry.Contacts...)
			entry.Facility = prev.Facility
		}
		entries[key] = entry
	}

	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()

	d.logger.Info("Contact roster loaded", "path", d.path, "facilities", len(entries))
	return nil
}

// ByFacility returns the contacts for an exact facility name match,
// case-insensitive. Missing facilities return nil.
func (d *Directory) ByFacility(name string) []dispatch.Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.entries[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil
	}
	return entry.Contacts
}

// BestMatch finds the roster facility most similar to the requested name by
// token overlap. The caller applies its own confidence threshold.
func (d *Directory) BestMatch(name string) (facility string, confidence float64, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	want := tokenize(name)
	if len(want) == 0 {
		return "", 0, false
	}

	best := 0.0
	for _, entry := range d.entries {
		score := similarity(want, tokenize(entry.Facility))
		if score > best {
			best = score
			facility = entry.Facility
		}
	}
	if facility == "" {
		return "", 0, false
	}
	return facility, best, true
}

// tokenize splits a facility name into lowercase word tokens, dropping
// punctuation-only fragments.
func tokenize(name string) []string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// similarity is the share of tokens the two names have in common, measured
// against the larger token set so extra program suffixes lower the score.
func similarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	var common int
	for _, t := range b {
		if set[t] {
			common++
			delete(set, t)
		}
	}

	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	return float64(common) / float64(larger)
}
