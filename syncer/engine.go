package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/focusguard/focusd/apperr"
	"github.com/focusguard/focusd/focus_fields"
	"github.com/focusguard/focusd/store"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// Events is raised after every accepted write so the notifier can fan
// out to the account's other devices.
type Events interface {
	DocumentChanged(ctx context.Context, accountID, docID string, version int64, originDeviceID string)
}

// Engine is the server-side sync engine over the authoritative store.
type Engine struct {
	Store  *store.Store
	Feed   *Feed
	Logger *logrus.Logger
	Events Events

	// WriteTimeout bounds each store round trip; a timed-out write is
	// unknown-outcome and the client retries with the same base version.
	WriteTimeout time.Duration
}

func NewEngine(st *store.Store, feed *Feed, logger *logrus.Logger, events Events) *Engine {
	return &Engine{
		Store:        st,
		Feed:         feed,
		Logger:       logger,
		Events:       events,
		WriteTimeout: 10 * time.Second,
	}
}

// SubmitLocalWrite is the optimistic write path. Committed returns the
// new document; a lost version race returns conflict carrying the
// store's current version and payload for a caller-driven merge.
func (e *Engine) SubmitLocalWrite(ctx context.Context, accountID, docID string, baseVersion int64, payload json.RawMessage, deviceID string) (*store.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, e.WriteTimeout)
	defer cancel()

	doc, err := e.Store.SubmitWrite(ctx, accountID, docID, baseVersion, payload, deviceID)
	if err != nil {
		var conflict *store.ConflictError
		switch {
		case errors.As(err, &conflict):
			focus_fields.RecordSyncWrite("conflict")
			return nil, apperr.WithFields(apperr.ErrConflict, map[string]any{
				"current_version": conflict.CurrentVersion,
				"current_payload": string(conflict.CurrentPayload),
			})
		case errors.Is(err, context.DeadlineExceeded):
			focus_fields.RecordSyncWrite("timeout")
			return nil, apperr.Wrap(err, apperr.ErrTransportTimeout, "")
		default:
			focus_fields.RecordSyncWrite("error")
			return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
		}
	}

	focus_fields.RecordSyncWrite("committed")
	e.Feed.Publish(doc)
	if e.Events != nil {
		e.Events.DocumentChanged(ctx, accountID, docID, doc.Version, deviceID)
	}
	return doc, nil
}

// ForceWrite is the last-writer-wins escape hatch: no version compare,
// newest wall-clock update wins. Still versioned, still fed.
func (e *Engine) ForceWrite(ctx context.Context, accountID, docID string, payload json.RawMessage, updatedAt time.Time, deviceID string) (*store.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, e.WriteTimeout)
	defer cancel()

	doc, err := e.Store.ForceWrite(ctx, accountID, docID, payload, updatedAt, deviceID)
	if err != nil {
		focus_fields.RecordSyncWrite("error")
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	focus_fields.RecordSyncWrite("committed")
	if doc.UpdatedByDevice == deviceID {
		e.Feed.Publish(doc)
		if e.Events != nil {
			e.Events.DocumentChanged(ctx, accountID, docID, doc.Version, deviceID)
		}
	}
	return doc, nil
}

// Documents returns the account's full current state, the resync path.
func (e *Engine) Documents(ctx context.Context, accountID string) ([]store.Document, error) {
	docs, err := e.Store.ListDocuments(ctx, accountID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	return docs, nil
}
