// Package syncer keeps account-scoped documents consistent: the
// server-side engine applies compare-and-swap writes and feeds change
// streams; the device-side cache and queue mirror what the mobile
// runtime does between reconnects.
package syncer

import (
	"sync"
)

type cachedDoc struct {
	Version int64
	Payload []byte
}

// Cache is a device-local view of the account's documents. Remote
// changes apply only when their version moves the doc forward, which
// makes redelivery idempotent and keeps per-doc ordering non-decreasing
// no matter how the feed interleaves.
type Cache struct {
	mu   sync.RWMutex
	docs map[string]cachedDoc
}

func NewCache() *Cache {
	return &Cache{docs: map[string]cachedDoc{}}
}

// ApplyRemoteChange applies one feed event. Returns false when the
// event is stale or a duplicate and the cache is untouched.
func (c *Cache) ApplyRemoteChange(docID string, version int64, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if known, ok := c.docs[docID]; ok && version <= known.Version {
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.docs[docID] = cachedDoc{Version: version, Payload: buf}
	return true
}

// Get returns the cached payload and version for a doc.
func (c *Cache) Get(docID string) ([]byte, int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[docID]
	if !ok {
		return nil, 0, false
	}
	return doc.Payload, doc.Version, true
}

// Watermarks snapshots the highest version seen per doc, the resume
// position a device submits when it reopens its stream.
func (c *Cache) Watermarks() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.docs))
	for docID, doc := range c.docs {
		out[docID] = doc.Version
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}
