package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPConfig holds connection settings for the IMAP mailbox adapter.
type IMAPConfig struct {
	Addr     string // host:port, TLS
	Username string
	Password string
	Mailbox  string // defaults to INBOX
}

// IMAPMailbox implements Mailbox over IMAP with TLS.
type IMAPMailbox struct {
	logger  *slog.Logger
	client  *imapclient.Client
	uidByID map[string]imap.UID
	cfg     IMAPConfig
	mu      sync.Mutex
}

// NewIMAPMailbox creates an IMAP mailbox adapter. Call Connect before use.
func NewIMAPMailbox(cfg IMAPConfig, logger *slog.Logger) *IMAPMailbox {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAPMailbox{
		cfg:     cfg,
		logger:  logger,
		uidByID: make(map[string]imap.UID),
	}
}

// Connect dials, authenticates, and selects the configured mailbox,
// replacing any previous session.
func (m *IMAPMailbox) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}

	err := retry.Do(
		func() error {
			m.logger.Info("IMAP connecting", "addr", m.cfg.Addr, "mailbox", m.cfg.Mailbox)

			client, err := imapclient.DialTLS(m.cfg.Addr, nil)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			if err := client.Login(m.cfg.Username, m.cfg.Password).Wait(); err != nil {
				_ = client.Close()
				return fmt.Errorf("login: %w", err)
			}
			if _, err := client.Select(m.cfg.Mailbox, nil).Wait(); err != nil {
				_ = client.Close()
				return fmt.Errorf("select %s: %w", m.cfg.Mailbox, err)
			}
			m.client = client
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Info("Retrying IMAP connect after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("imap connect after retries: %w", err)
	}

	m.logger.Info("IMAP connected", "addr", m.cfg.Addr)
	return nil
}

// unseenFetchOptions requests the envelope and the full raw body. Peek keeps
// the server from setting \Seen as a fetch side effect: only the explicit
// MarkSeen path may consume a message, otherwise mail the watcher declines to
// mark (non-vendor mail, failed ledger writes) would never be retried.
func unseenFetchOptions() *imap.FetchOptions {
	return &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}
}

// Unseen fetches all unread messages in full raw form.
func (m *IMAPMailbox) Unseen(_ context.Context) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnectionLost)
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := m.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, m.classify(fmt.Errorf("search unseen: %w", err))
	}

	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchOpts := unseenFetchOptions()
	section := fetchOpts.BodySection[0]
	buffers, err := m.client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, m.classify(fmt.Errorf("fetch messages: %w", err))
	}

	msgs := make([]*Message, 0, len(buffers))
	for _, buf := range buffers {
		raw := buf.FindBodySection(section)
		if raw == nil || buf.Envelope == nil {
			m.logger.Warn("Fetched message missing body or envelope", "uid", uint32(buf.UID))
			continue
		}

		var from string
		if len(buf.Envelope.From) > 0 {
			from = buf.Envelope.From[0].Addr()
		}

		id := buf.Envelope.MessageID
		if id == "" {
			// Fall back to the UID so the ledger still has a stable key.
			id = fmt.Sprintf("<uid-%d@%s>", uint32(buf.UID), m.cfg.Addr)
		}

		m.uidByID[id] = buf.UID
		msgs = append(msgs, &Message{
			ID:      id,
			Subject: buf.Envelope.Subject,
			From:    from,
			Raw:     raw,
		})
	}

	return msgs, nil
}

// MarkSeen sets the \Seen flag on a message previously returned by Unseen.
func (m *IMAPMailbox) MarkSeen(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return fmt.Errorf("%w: not connected", ErrConnectionLost)
	}

	uid, ok := m.uidByID[messageID]
	if !ok {
		return fmt.Errorf("unknown message id %q", messageID)
	}

	store := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if _, err := m.client.Store(imap.UIDSetNum(uid), store, nil).Collect(); err != nil {
		return m.classify(fmt.Errorf("store \\Seen: %w", err))
	}

	delete(m.uidByID, messageID)
	return nil
}

// Close logs out and closes the connection.
func (m *IMAPMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	if err := m.client.Logout().Wait(); err != nil {
		m.logger.Debug("IMAP logout failed, closing anyway", "error", err)
	}
	err := m.client.Close()
	m.client = nil
	return err
}

// classify tags connection-level failures with ErrConnectionLost so the
// watcher knows to reconnect. Callers must hold m.mu.
func (m *IMAPMailbox) classify(err error) error {
	var netErr net.Error
	lost := errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &netErr) ||
		strings.Contains(err.Error(), "connection reset")
	if !lost {
		return err
	}

	// Drop the dead session; Connect builds a fresh one.
	_ = m.client.Close()
	m.client = nil
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}
