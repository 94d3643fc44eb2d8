// Package notifier watches accepted document writes and pushes
// best-effort hints to the account's other linked devices over FCM.
package notifier

import (
	"context"
	"strconv"

	"firebase.google.com/go/v4/messaging"
	"github.com/focusguard/focusd/focus_fields"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Sender is the slice of *messaging.Client the notifier needs, kept as
// an interface so tests run without firebase credentials.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type Notifier struct {
	Db     *gorm.DB
	Redis  *redis.Client
	Logger *logrus.Logger
	Sender Sender

	coalescer *coalescer
}

func New(db *gorm.DB, redisClient *redis.Client, logger *logrus.Logger, sender Sender, cfg focus_fields.Config) *Notifier {
	n := &Notifier{
		Db:     db,
		Redis:  redisClient,
		Logger: logger,
		Sender: sender,
	}
	n.coalescer = newCoalescer(cfg.CoalesceWindow, n.flush)
	return n
}

// DocumentChanged enqueues a change hint. Rapid changes to the same doc
// collapse into one notification carrying only the latest version:
// consumers treat it as a cue to re-fetch, never as the payload.
func (n *Notifier) DocumentChanged(ctx context.Context, accountID, docID string, version int64, originDeviceID string) {
	n.coalescer.add(accountID, docID, version, originDeviceID)
}

// DeviceLinked tells every pre-existing device that a new device joined
// the account. Sent immediately, pairing is rare enough not to coalesce.
func (n *Notifier) DeviceLinked(ctx context.Context, accountID, newDeviceID string) {
	n.fanOut(ctx, accountID, newDeviceID, map[string]string{
		"type":       "device_linked",
		"account_id": accountID,
		"device_id":  newDeviceID,
	})
}

// Close flushes outstanding coalesced changes and stops the timers.
func (n *Notifier) Close() {
	n.coalescer.close()
}

// flush is the coalescer sink: fan the latest version out to every
// linked device except the one that wrote it.
func (n *Notifier) flush(accountID, docID string, version int64, originDeviceID string) {
	ctx := context.Background()
	n.fanOut(ctx, accountID, originDeviceID, map[string]string{
		"type":       "document_changed",
		"account_id": accountID,
		"doc_id":     docID,
		"version":    strconv.FormatInt(version, 10),
	})
}

func (n *Notifier) fanOut(ctx context.Context, accountID, skipDeviceID string, data map[string]string) {
	devices, err := focus_fields.GetLinkedDevices(accountID, n.Db)
	if err != nil {
		n.Logger.WithError(err).Warn("linked device lookup failed, fan-out skipped")
		return
	}
	for _, device := range devices {
		if device.DeviceID == skipDeviceID {
			continue
		}
		n.sendTo(ctx, accountID, device.DeviceID, data)
	}
}

// sendTo pushes one data-only FCM message. Delivery is best-effort:
// a dropped notification never diverges state because devices resync
// from their watermark on reconnect.
func (n *Notifier) sendTo(ctx context.Context, accountID, deviceID string, data map[string]string) {
	if n.Sender == nil || n.Redis == nil {
		return
	}
	registrationToken, err := n.Redis.HGet(ctx, "fcm:"+accountID, deviceID).Result()
	if err != nil {
		if err != redis.Nil {
			n.Logger.WithError(err).Warn("fcm token lookup failed")
		}
		return
	}
	if registrationToken == "" {
		return // device never registered a push token
	}

	message := &messaging.Message{
		Token: registrationToken,
		Data:  data,
	}
	if _, err := n.Sender.Send(ctx, message); err != nil {
		focus_fields.RecordNotification("error")
		n.Logger.WithFields(logrus.Fields{
			"account_id": accountID,
			"device_id":  deviceID,
		}).WithError(err).Warn("push send failed")
		return
	}
	focus_fields.RecordNotification("sent")
}
