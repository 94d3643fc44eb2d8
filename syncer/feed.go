package syncer

import (
	"context"
	"sync"

	"github.com/focusguard/focusd/focus_fields"
	"github.com/focusguard/focusd/store"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// ChangeEvent is one feed item: doc, version and full payload. Streams
// carry payloads; push notifications deliberately do not.
type ChangeEvent struct {
	DocID   string          `json:"doc_id"`
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Subscriber is one device's live attachment to an account feed.
// Delivery is at-least-once; the seen map enforces the non-decreasing
// per-doc version contract across the replay/live seam.
type Subscriber struct {
	C chan ChangeEvent

	accountID string
	deviceID  string
	seen      map[string]int64
	mu        sync.Mutex
	closed    bool
}

func (s *Subscriber) deliver(evt ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if last, ok := s.seen[evt.DocID]; ok && evt.Version <= last {
		return true // stale relative to what this device already got
	}
	select {
	case s.C <- evt:
		s.seen[evt.DocID] = evt.Version
		return true
	default:
		// The consumer is not draining. Closing forces a reconnect,
		// where the watermark replay recovers anything dropped here.
		s.closed = true
		close(s.C)
		return false
	}
}

func (s *Subscriber) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}

// Feed fans accepted writes out to each account's live subscribers and
// replays from the store on (re)connect.
type Feed struct {
	store  *store.Store
	logger *logrus.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

func NewFeed(st *store.Store, logger *logrus.Logger) *Feed {
	return &Feed{
		store:  st,
		logger: logger,
		subs:   map[string]map[*Subscriber]struct{}{},
	}
}

// Subscribe attaches a device to its account feed, resuming from the
// supplied watermarks. Registration happens before replay so nothing
// published in between is lost; the subscriber's seen map deduplicates
// the overlap.
func (f *Feed) Subscribe(ctx context.Context, accountID, deviceID string, watermarks map[string]int64) (*Subscriber, error) {
	sub := &Subscriber{
		C:         make(chan ChangeEvent, 64),
		accountID: accountID,
		deviceID:  deviceID,
		seen:      map[string]int64{},
	}

	f.mu.Lock()
	if f.subs[accountID] == nil {
		f.subs[accountID] = map[*Subscriber]struct{}{}
	}
	f.subs[accountID][sub] = struct{}{}
	f.mu.Unlock()
	focus_fields.FeedSubscriberAdd(1)

	replay, err := f.store.ReplayNewerThan(ctx, accountID, watermarks)
	if err != nil {
		f.Unsubscribe(sub)
		return nil, err
	}
	for _, doc := range replay {
		sub.deliver(ChangeEvent{DocID: doc.DocID, Version: doc.Version, Payload: doc.Payload})
	}
	return sub, nil
}

// Unsubscribe detaches and closes the subscriber. Safe to call twice.
func (f *Feed) Unsubscribe(sub *Subscriber) {
	f.mu.Lock()
	if set, ok := f.subs[sub.accountID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(f.subs, sub.accountID)
			}
			focus_fields.FeedSubscriberAdd(-1)
		}
	}
	f.mu.Unlock()
	sub.shut()
}

// Publish pushes an accepted write to every live subscriber of the
// account, including the originating device: its own cache apply is a
// no-op by version.
func (f *Feed) Publish(doc *store.Document) {
	f.mu.Lock()
	set := f.subs[doc.AccountID]
	targets := make([]*Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	f.mu.Unlock()

	evt := ChangeEvent{DocID: doc.DocID, Version: doc.Version, Payload: doc.Payload}
	for _, sub := range targets {
		if !sub.deliver(evt) {
			f.logger.WithFields(logrus.Fields{
				"account_id": doc.AccountID,
				"device_id":  sub.deviceID,
			}).Warn("slow feed subscriber dropped")
			f.Unsubscribe(sub)
		}
	}
}
