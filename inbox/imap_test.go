package inbox

import (
	"testing"
)

// A body fetch without peek makes the server set \Seen on every polled
// message, which would silently consume mail the watcher deliberately leaves
// unread (non-vendor mail, dispatches whose ledger write failed).
func TestUnseenFetchNeverConsumesMessages(t *testing.T) {
	opts := unseenFetchOptions()

	if len(opts.BodySection) != 1 {
		t.Fatalf("body sections = %d, want 1", len(opts.BodySection))
	}
	if !opts.BodySection[0].Peek {
		t.Error("body section fetched without peek, server would flag messages \\Seen")
	}
	if !opts.Envelope {
		t.Error("envelope not requested, message ids would be lost")
	}
}
