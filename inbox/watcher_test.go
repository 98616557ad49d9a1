package inbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"curtailment-notifier/pkg/dispatch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeMailbox struct {
	unseen     []*Message
	unseenErr  error
	seen       map[string]bool
	connects   int
	connectErr error
}

func newFakeMailbox(msgs ...*Message) *fakeMailbox {
	return &fakeMailbox{unseen: msgs, seen: make(map[string]bool)}
}

func (f *fakeMailbox) Connect(context.Context) error {
	f.connects++
	return f.connectErr
}

func (f *fakeMailbox) Unseen(context.Context) ([]*Message, error) {
	if f.unseenErr != nil {
		return nil, f.unseenErr
	}
	return f.unseen, nil
}

func (f *fakeMailbox) MarkSeen(_ context.Context, id string) error {
	f.seen[id] = true
	return nil
}

func (f *fakeMailbox) Close() error { return nil }

type fakeLedger struct {
	processed map[string]bool
	marked    []string
	markErr   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{processed: make(map[string]bool)}
}

func (f *fakeLedger) IsProcessed(id string, _ []byte) bool { return f.processed[id] }

func (f *fakeLedger) MarkProcessed(id, _, _ string, _ []byte) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.processed[id] = true
	f.marked = append(f.marked, id)
	return nil
}

// fakeParser treats any raw body containing "DISPATCH" as a dispatch event
// and any From containing "vendor" as the vendor sender.
type fakeParser struct{}

func (fakeParser) Parse(raw []byte) *dispatch.Event {
	if !strings.Contains(string(raw), "DISPATCH") {
		return nil
	}
	return &dispatch.Event{
		MessageID:  "parsed",
		Type:       "Test Dispatch",
		Start:      time.Now(),
		End:        time.Now().Add(time.Hour),
		Facilities: []dispatch.Facility{{FacilityName: "Plant A"}},
	}
}

func (fakeParser) IsVendorSender(from string) bool {
	return strings.Contains(from, "vendor")
}

func TestCheckNowEmitsDispatchAndRecords(t *testing.T) {
	mbox := newFakeMailbox(&Message{
		ID:      "<d1@vendor>",
		Subject: "Dispatch Event",
		From:    "dispatch@vendor.example",
		Raw:     []byte("DISPATCH body"),
	})
	ledger := newFakeLedger()
	w := NewWatcher(mbox, ledger, fakeParser{}, time.Minute, testLogger())

	if err := w.CheckNow(context.Background()); err != nil {
		t.Fatalf("CheckNow() error: %v", err)
	}

	select {
	case event := <-w.Events():
		if event.Type != "Test Dispatch" {
			t.Errorf("event type = %q", event.Type)
		}
	default:
		t.Fatal("no event emitted for dispatch message")
	}

	if !ledger.processed["<d1@vendor>"] {
		t.Error("dispatch not recorded in ledger")
	}
	if !mbox.seen["<d1@vendor>"] {
		t.Error("dispatch message not marked read")
	}
}

func TestCheckNowSkipsAlreadyProcessed(t *testing.T) {
	mbox := newFakeMailbox(&Message{
		ID:   "<old@vendor>",
		From: "dispatch@vendor.example",
		Raw:  []byte("DISPATCH body"),
	})
	ledger := newFakeLedger()
	ledger.processed["<old@vendor>"] = true
	w := NewWatcher(mbox, ledger, fakeParser{}, time.Minute, testLogger())

	if err := w.CheckNow(context.Background()); err != nil {
		t.Fatalf("CheckNow() error: %v", err)
	}

	select {
	case event := <-w.Events():
		t.Fatalf("event emitted for already-processed message: %+v", event)
	default:
	}

	if !mbox.seen["<old@vendor>"] {
		t.Error("already-processed message must still be marked read")
	}
	if len(ledger.marked) != 0 {
		t.Errorf("ledger mutated for already-processed message: %v", ledger.marked)
	}
}

func TestCheckNowVendorNonDispatchMarkedRead(t *testing.T) {
	mbox := newFakeMailbox(
		&Message{ID: "<v1@vendor>", From: "noreply@vendor.example", Raw: []byte("monthly newsletter")},
		&Message{ID: "<o1@other>", From: "someone@other.example", Raw: []byte("hello")},
	)
	ledger := newFakeLedger()
	w := NewWatcher(mbox, ledger, fakeParser{}, time.Minute, testLogger())

	if err := w.CheckNow(context.Background()); err != nil {
		t.Fatalf("CheckNow() error: %v", err)
	}

	select {
	case <-w.Events():
		t.Fatal("event emitted for non-dispatch mail")
	default:
	}

	if !mbox.seen["<v1@vendor>"] {
		t.Error("vendor non-dispatch mail must be marked read")
	}
	if mbox.seen["<o1@other>"] {
		t.Error("unrelated mail must be left unread")
	}
}

func TestCheckNowReconnectsOnConnectionLoss(t *testing.T) {
	mbox := newFakeMailbox()
	mbox.unseenErr = ErrConnectionLost
	w := NewWatcher(mbox, newFakeLedger(), fakeParser{}, time.Minute, testLogger())

	err := w.CheckNow(context.Background())
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("CheckNow() error = %v, want ErrConnectionLost", err)
	}
	if mbox.connects != 1 {
		t.Errorf("connects = %d, want exactly one reconnect attempt", mbox.connects)
	}
}

func TestCheckNowRejectsOverlap(t *testing.T) {
	mbox := newFakeMailbox()
	w := NewWatcher(mbox, newFakeLedger(), fakeParser{}, time.Minute, testLogger())

	// Simulate an in-flight check.
	if !w.checking.CompareAndSwap(false, true) {
		t.Fatal("could not acquire check guard")
	}
	defer w.checking.Store(false)

	if err := w.CheckNow(context.Background()); err != nil {
		t.Fatalf("overlapping CheckNow() error = %v, want nil no-op", err)
	}
}

func TestLedgerFailureSuppressesEmit(t *testing.T) {
	mbox := newFakeMailbox(&Message{
		ID:   "<d2@vendor>",
		From: "dispatch@vendor.example",
		Raw:  []byte("DISPATCH body"),
	})
	ledger := newFakeLedger()
	ledger.markErr = errors.New("disk full")
	w := NewWatcher(mbox, ledger, fakeParser{}, time.Minute, testLogger())

	if err := w.CheckNow(context.Background()); err != nil {
		t.Fatalf("CheckNow() error: %v", err)
	}

	select {
	case <-w.Events():
		t.Fatal("event emitted although ledger write failed")
	default:
	}
	if mbox.seen["<d2@vendor>"] {
		t.Error("message marked read although it was not recorded")
	}
}
