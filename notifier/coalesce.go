package notifier

import (
	"sync"
	"time"

	"github.com/focusguard/focusd/focus_fields"
)

type changeKey struct {
	accountID string
	docID     string
}

type pendingChange struct {
	version  int64
	deviceID string
	timer    *time.Timer
}

// coalescer collapses rapid changes to the same (account, doc) into a
// single flush carrying only the latest version.
type coalescer struct {
	window time.Duration
	flush  func(accountID, docID string, version int64, originDeviceID string)

	mu      sync.Mutex
	pending map[changeKey]*pendingChange
	closed  bool
}

func newCoalescer(window time.Duration, flush func(string, string, int64, string)) *coalescer {
	return &coalescer{
		window:  window,
		flush:   flush,
		pending: map[changeKey]*pendingChange{},
	}
}

func (c *coalescer) add(accountID, docID string, version int64, deviceID string) {
	key := changeKey{accountID: accountID, docID: docID}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if existing, ok := c.pending[key]; ok {
		// Same window, keep only the newest version.
		if version > existing.version {
			existing.version = version
			existing.deviceID = deviceID
		}
		focus_fields.RecordNotification("coalesced")
		return
	}
	entry := &pendingChange{version: version, deviceID: deviceID}
	entry.timer = time.AfterFunc(c.window, func() { c.fire(key) })
	c.pending[key] = entry
}

func (c *coalescer) fire(key changeKey) {
	c.mu.Lock()
	entry, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		c.flush(key.accountID, key.docID, entry.version, entry.deviceID)
	}
}

// close drains every pending window synchronously.
func (c *coalescer) close() {
	c.mu.Lock()
	entries := make(map[changeKey]*pendingChange, len(c.pending))
	for key, entry := range c.pending {
		entry.timer.Stop()
		entries[key] = entry
	}
	c.pending = map[changeKey]*pendingChange{}
	c.closed = true
	c.mu.Unlock()

	for key, entry := range entries {
		c.flush(key.accountID, key.docID, entry.version, entry.deviceID)
	}
}
