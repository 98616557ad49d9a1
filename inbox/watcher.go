// Package inbox polls a mailbox for vendor dispatch emails, gates them
// through the deduplication ledger, and emits parsed dispatch events.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"curtailment-notifier/pkg/dispatch"
)

// DefaultInterval is the polling cadence when none is configured.
const DefaultInterval = 30 * time.Second

// ErrConnectionLost marks a connection-level mailbox failure. The watcher
// reacts by attempting one reconnect and resuming on the next tick.
var ErrConnectionLost = errors.New("inbox: connection lost")

// Message is one raw inbound email.
type Message struct {
	ID      string // Message-Id header value
	Subject string
	From    string
	Raw     []byte // Full RFC 822 form
}

// Mailbox is the unseen-message source the watcher polls. Implementations
// translate connection-level failures into ErrConnectionLost.
type Mailbox interface {
	Connect(ctx context.Context) error
	Unseen(ctx context.Context) ([]*Message, error)
	MarkSeen(ctx context.Context, messageID string) error
	Close() error
}

// Ledger gates messages that were already processed.
type Ledger interface {
	IsProcessed(messageID string, raw []byte) bool
	MarkProcessed(messageID, subject, from string, raw []byte) error
}

// Parser turns raw email bytes into dispatch events (nil = not a dispatch).
type Parser interface {
	Parse(raw []byte) *dispatch.Event
	IsVendorSender(from string) bool
}

// Watcher polls the mailbox on a fixed interval and emits dispatch events.
type Watcher struct {
	mailbox  Mailbox
	ledger   Ledger
	parser   Parser
	logger   *slog.Logger
	events   chan *dispatch.Event
	interval time.Duration
	checking atomic.Bool
}

// NewWatcher creates a watcher. interval <= 0 selects DefaultInterval.
func NewWatcher(mailbox Mailbox, ledger Ledger, parser Parser, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		mailbox:  mailbox,
		ledger:   ledger,
		parser:   parser,
		interval: interval,
		logger:   logger,
		events:   make(chan *dispatch.Event, 16),
	}
}

// Events is the stream of parsed dispatch events. Closed when Run returns.
func (w *Watcher) Events() <-chan *dispatch.Event {
	return w.events
}

// Run connects and polls until the context is cancelled. Transient faults
// never terminate the loop; it retries on the polling cadence indefinitely.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("Inbox watcher starting", "interval", w.interval.String())

	if err := w.mailbox.Connect(ctx); err != nil {
		w.logger.Error("Initial mailbox connect failed, will retry on next tick", "error", err)
	}

	// Initial check immediately, then on the ticker.
	if err := w.CheckNow(ctx); err != nil {
		w.logger.Warn("Initial inbox check failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Inbox watcher stopping")
			if err := w.mailbox.Close(); err != nil {
				w.logger.Warn("Failed to close mailbox", "error", err)
			}
			close(w.events)
			return
		case <-ticker.C:
			if err := w.CheckNow(ctx); err != nil {
				w.logger.Warn("Inbox check failed", "error", err)
			}
		}
	}
}

// CheckNow runs a single mailbox check. Overlapping checks are rejected: if
// a previous check is still in flight the call is a logged no-op, so a slow
// check can never race the next tick.
func (w *Watcher) CheckNow(ctx context.Context) error {
	if !w.checking.CompareAndSwap(false, true) {
		w.logger.Warn("Skipping inbox check, previous check still in flight")
		return nil
	}
	defer w.checking.Store(false)

	msgs, err := w.mailbox.Unseen(ctx)
	if err != nil {
		if errors.Is(err, ErrConnectionLost) {
			w.reconnect(ctx)
		}
		return fmt.Errorf("fetch unseen: %w", err)
	}

	if len(msgs) > 0 {
		w.logger.Info("Unseen messages fetched", "count", len(msgs))
	}

	for _, msg := range msgs {
		w.handle(ctx, msg)
	}
	return nil
}

func (w *Watcher) handle(ctx context.Context, msg *Message) {
	if w.ledger.IsProcessed(msg.ID, msg.Raw) {
		w.logger.Info("Message already processed, skipping",
			"message_id", msg.ID,
			"subject", msg.Subject)
		w.markSeen(ctx, msg)
		return
	}

	event := w.parser.Parse(msg.Raw)
	if event == nil {
		// Not a dispatch. Vendor mail is still marked read to keep the
		// inbox signal clean; anything else is left untouched.
		if w.parser.IsVendorSender(msg.From) {
			w.markSeen(ctx, msg)
		}
		return
	}

	if err := w.ledger.MarkProcessed(msg.ID, msg.Subject, msg.From, msg.Raw); err != nil {
		w.logger.Error("Failed to record message in ledger",
			"message_id", msg.ID,
			"error", err)
		// Do not emit: an unrecorded event would be re-emitted on redelivery.
		return
	}
	w.markSeen(ctx, msg)

	w.logger.Info("Dispatch event detected",
		"message_id", msg.ID,
		"dispatch_type", event.Type,
		"facility_count", len(event.Facilities))

	select {
	case w.events <- event:
	case <-ctx.Done():
	}
}

func (w *Watcher) markSeen(ctx context.Context, msg *Message) {
	if err := w.mailbox.MarkSeen(ctx, msg.ID); err != nil {
		w.logger.Warn("Failed to mark message read",
			"message_id", msg.ID,
			"error", err)
	}
}

// reconnect makes a single reconnect attempt after a connection-level
// failure; the regular tick retries again if it fails.
func (w *Watcher) reconnect(ctx context.Context) {
	w.logger.Warn("Mailbox connection lost, reconnecting")
	if err := w.mailbox.Connect(ctx); err != nil {
		w.logger.Error("Reconnect failed, will retry on next tick", "error", err)
		return
	}
	w.logger.Info("Mailbox reconnected")
}
