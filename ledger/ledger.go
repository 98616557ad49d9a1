// Package ledger tracks which dispatch emails have already been processed.
// Entries are persisted as JSON lines; every mutation is flushed with a
// write-temp-then-rename so a crash never leaves a half-written file.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RetentionWindow is how long an entry stays relevant for deduplication.
// Older entries are dropped on load.
const RetentionWindow = 30 * 24 * time.Hour

// Entry records one processed message.
type Entry struct {
	ProcessedAt time.Time `json:"processedAt"`
	MessageID   string    `json:"messageId"`
	ContentHash string    `json:"contentHash"`
	Subject     string    `json:"subject"`
	From        string    `json:"from"`
}

// Stats summarizes the ledger for operators.
type Stats struct {
	Oldest time.Time
	Newest time.Time
	Total  int
}

// Ledger is the durable record of already-handled inbound messages.
// All writes are serialized through a single mutex.
type Ledger struct {
	logger  *slog.Logger
	now     func() time.Time
	byID    map[string]*Entry
	byHash  map[string]*Entry
	path    string
	entries []Entry
	mu      sync.Mutex
}

// New creates a ledger persisted at path. Call Load before use.
func New(path string, logger *slog.Logger) *Ledger {
	return &Ledger{
		path:   path,
		logger: logger,
		now:    time.Now,
		byID:   make(map[string]*Entry),
		byHash: make(map[string]*Entry),
	}
}

// ContentHash returns the stable digest used for forwarded-email detection.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Load reads the ledger file, drops entries older than the retention window,
// and re-persists the pruned set. A missing file is an empty ledger.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("No existing ledger file, starting empty", "path", l.path)
			return nil
		}
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			l.logger.Warn("Failed to close ledger file", "error", closeErr)
		}
	}()

	cutoff := l.now().Add(-RetentionWindow)
	var kept []Entry
	var pruned int

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Warn("Skipping malformed ledger record", "error", err)
			continue
		}
		if e.ProcessedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan ledger: %w", err)
	}

	l.entries = kept
	l.reindex()

	l.logger.Info("Ledger loaded",
		"path", l.path,
		"entries", len(l.entries),
		"pruned", pruned)

	if pruned > 0 {
		if err := l.flush(); err != nil {
			return fmt.Errorf("persist pruned ledger: %w", err)
		}
	}
	return nil
}

// IsProcessed reports whether the message must be skipped: either its id is
// already recorded, or the content hash matches an existing entry (the same
// dispatch forwarded or re-delivered under a different message id).
func (l *Ledger) IsProcessed(messageID string, raw []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[messageID]; ok {
		return true
	}
	if prior, ok := l.byHash[ContentHash(raw)]; ok {
		l.logger.Info("Duplicate content under different message id",
			"message_id", messageID,
			"prior_message_id", prior.MessageID)
		return true
	}
	return false
}

// MarkProcessed records a message and flushes to disk. Recording the same
// message id twice is a no-op, so replays cannot produce duplicate entries.
func (l *Ledger) MarkProcessed(messageID, subject, from string, raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[messageID]; ok {
		return nil
	}

	l.entries = append(l.entries, Entry{
		MessageID:   messageID,
		ContentHash: ContentHash(raw),
		ProcessedAt: l.now(),
		Subject:     subject,
		From:        from,
	})
	l.reindex()

	if err := l.flush(); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}

	l.logger.Info("Message recorded in ledger",
		"message_id", messageID,
		"subject", subject,
		"total_entries", len(l.entries))
	return nil
}

// Stats returns entry count and the oldest/newest processed-at timestamps.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{Total: len(l.entries)}
	for i := range l.entries {
		t := l.entries[i].ProcessedAt
		if s.Oldest.IsZero() || t.Before(s.Oldest) {
			s.Oldest = t
		}
		if t.After(s.Newest) {
			s.Newest = t
		}
	}
	return s
}

func (l *Ledger) reindex() {
	clear(l.byID)
	clear(l.byHash)
	for i := range l.entries {
		e := &l.entries[i]
		l.byID[e.MessageID] = e
		l.byHash[e.ContentHash] = e
	}
}

// flush writes all entries to a temp file in the ledger's directory and
// renames it over the real path. Callers must hold l.mu.
func (l *Ledger) flush() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for i := range l.entries {
		if err := enc.Encode(&l.entries[i]); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("encode ledger entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("flush temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp ledger: %w", err)
	}

	if err := os.Rename(tmpName, l.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp ledger: %w", err)
	}
	return nil
}
