package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/focusguard/focusd/apperr"
	"github.com/focusguard/focusd/store"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// Remote is the write surface the device runtime talks to; in-process
// it is the Engine, over the wire it is the gateway client.
type Remote interface {
	SubmitLocalWrite(ctx context.Context, accountID, docID string, baseVersion int64, payload json.RawMessage, deviceID string) (*store.Document, error)
}

// PendingWrite is a local mutation not yet confirmed by the store.
type PendingWrite struct {
	DocID        string
	BaseVersion  int64
	Payload      json.RawMessage
	AttemptCount int
}

// FailedWrite surfaces a pending write whose retries ran out. It is
// never dropped silently.
type FailedWrite struct {
	Write PendingWrite
	Err   error
}

// Queue pushes a device's pending writes to the remote store. Transient
// transport failures retry with exponential backoff up to MaxAttempts;
// conflicts go straight back to the caller for merge-and-retry, and
// token/auth errors are terminal by policy.
type Queue struct {
	Remote      Remote
	AccountID   string
	DeviceID    string
	Logger      *logrus.Logger
	MaxAttempts int

	// Failures receives writes that exhausted their retry budget.
	Failures chan FailedWrite
}

func NewQueue(remote Remote, accountID, deviceID string, logger *logrus.Logger) *Queue {
	return &Queue{
		Remote:      remote,
		AccountID:   accountID,
		DeviceID:    deviceID,
		Logger:      logger,
		MaxAttempts: 5,
		Failures:    make(chan FailedWrite, 16),
	}
}

// Submit pushes one pending write. Retrying with the same base version
// after an unknown-outcome timeout is safe: the compare-and-swap either
// already applied (the retry reports conflict at current version) or
// never did.
func (q *Queue) Submit(ctx context.Context, pw *PendingWrite) (*store.Document, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	var doc *store.Document
	operation := func() error {
		pw.AttemptCount++
		var err error
		doc, err = q.Remote.SubmitLocalWrite(ctx, q.AccountID, pw.DocID, pw.BaseVersion, pw.Payload, q.DeviceID)
		if err == nil {
			return nil
		}
		if retryable(err) {
			q.Logger.WithFields(logrus.Fields{
				"doc_id":  pw.DocID,
				"attempt": pw.AttemptCount,
			}).WithError(err).Debug("transient write failure, backing off")
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(policy, ctx), uint64(q.MaxAttempts-1)))
	if err == nil {
		return doc, nil
	}
	if !retryable(err) {
		// Conflict or terminal error: the caller resolves it.
		return nil, err
	}

	// Retry budget exhausted on a transient failure: raise a persistent
	// failure event instead of dropping the write.
	failed := FailedWrite{Write: *pw, Err: err}
	select {
	case q.Failures <- failed:
	default:
		q.Logger.WithField("doc_id", pw.DocID).Error("failure channel full, write failure unobserved")
	}
	return nil, apperr.Wrap(err, apperr.ErrTransportTimeout, "write retries exhausted")
}

// retryable is true only for transient transport failures. Conflicts,
// auth errors and token-state errors never retry automatically.
func retryable(err error) bool {
	if errors.Is(err, apperr.ErrTransportTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
