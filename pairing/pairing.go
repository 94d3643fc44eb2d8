// Package pairing issues and redeems the short-lived QR tokens that
// link a new device to an account.
package pairing

import (
	"context"
	"errors"
	"time"

	"github.com/focusguard/focusd/apperr"
	"github.com/focusguard/focusd/focus_fields"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Events is what pairing raises toward the change notifier. Kept as an
// interface so tests run without a messaging client.
type Events interface {
	DeviceLinked(ctx context.Context, accountID, deviceID string)
}

type Service struct {
	Db     *gorm.DB
	Logger *logrus.Logger
	Config focus_fields.Config
	Events Events

	mac *macSigner
}

func NewService(db *gorm.DB, logger *logrus.Logger, config focus_fields.Config, events Events) *Service {
	return &Service{
		Db:     db,
		Logger: logger,
		Config: config,
		Events: events,
		mac:    newMACSigner(config.MACKey),
	}
}

// IssueResult carries everything the issuing device needs to show the
// code: the persisted token, the signed envelope, its QR string form
// and the human-entry code.
type IssueResult struct {
	Token     *focus_fields.PairingToken `json:"token"`
	Envelope  *Envelope                  `json:"envelope"`
	QRContent string                     `json:"qr_content"`
	HumanCode string                     `json:"human_code"`
}

// IssueToken creates a pending pairing token for the account with a
// cryptographically random id and the configured short TTL.
func (s *Service) IssueToken(accountID string) (*IssueResult, error) {
	now := time.Now().UTC()
	tokenID := uuid.NewString()
	token := &focus_fields.PairingToken{
		TokenID:          tokenID,
		HumanCode:        focus_fields.HumanCodeFromID(tokenID),
		IssuingAccountID: accountID,
		Status:           focus_fields.TokenPending,
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.Config.PairingTTL),
	}
	if err := s.Db.Create(token).Error; err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	envelope, qrContent, err := s.mac.Seal(token.TokenID, accountID, now.Unix())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	s.Logger.WithFields(logrus.Fields{"account_id": accountID, "token_id": token.TokenID}).Info("pairing token issued")
	return &IssueResult{
		Token:     token,
		Envelope:  envelope,
		QRContent: qrContent,
		HumanCode: token.HumanCode,
	}, nil
}

// ResolveHumanCode maps a typed link code to its token id. The newest
// matching token wins so a reissued code shadows its predecessors; the
// redeem path still classifies expired or terminal states.
func (s *Service) ResolveHumanCode(code string) (string, error) {
	normalized := focus_fields.NormalizeHumanCode(code)
	if normalized == "" {
		return "", apperr.ErrTokenNotFound
	}
	var token focus_fields.PairingToken
	err := s.Db.Where("human_code = ?", normalized).Order("issued_at desc").First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", apperr.ErrTokenNotFound
		}
		return "", apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	return token.TokenID, nil
}

// VerifyEnvelope checks a scanned QR payload's mac before any network
// redemption. Tampering is caught here; replay is caught by redeem.
func (s *Service) VerifyEnvelope(content string) (*Envelope, error) {
	return s.mac.Open(content)
}

// RedeemToken performs the single-winner pending→redeemed transition
// and links the redeeming device. The UPDATE's WHERE clause is the
// compare-and-set: exactly one concurrent redeemer sees RowsAffected=1,
// everyone else is classified from the row they lost to. Holds across
// server instances because the store serializes the update, no
// in-process lock involved.
func (s *Service) RedeemToken(ctx context.Context, tokenID, deviceID, label string) (*focus_fields.LinkedDevice, error) {
	now := time.Now().UTC()

	var device *focus_fields.LinkedDevice
	err := s.Db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&focus_fields.PairingToken{}).
			Where("token_id = ? AND status = ? AND expires_at > ?", tokenID, focus_fields.TokenPending, now).
			Updates(map[string]any{
				"status":      focus_fields.TokenRedeemed,
				"redeemed_by": deviceID,
				"redeemed_at": now,
			})
		if result.Error != nil {
			return apperr.Wrap(result.Error, apperr.ErrDatabase, "")
		}
		if result.RowsAffected == 0 {
			return s.classifyLoss(tx, tokenID, now)
		}

		var token focus_fields.PairingToken
		if err := tx.First(&token, "token_id = ?", tokenID).Error; err != nil {
			return apperr.Wrap(err, apperr.ErrDatabase, "")
		}
		device = &focus_fields.LinkedDevice{
			AccountRef: token.IssuingAccountID,
			DeviceID:   deviceID,
			Label:      label,
			LinkedAt:   now,
			LastSeenAt: now,
		}
		return focus_fields.UpsertLinkedDevice(device, tx)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrTokenExpired) {
			// Flip the row lazily, outside the rolled-back redeem
			// transaction, so later reads classify without re-deriving.
			s.Db.Model(&focus_fields.PairingToken{}).
				Where("token_id = ? AND status = ?", tokenID, focus_fields.TokenPending).
				Update("status", focus_fields.TokenExpired)
		}
		focus_fields.RecordRedemption(apperr.Code(err))
		return nil, err
	}

	focus_fields.RecordRedemption("redeemed")
	s.Logger.WithFields(logrus.Fields{"token_id": tokenID, "device_id": deviceID}).Info("pairing token redeemed")
	if s.Events != nil {
		s.Events.DeviceLinked(ctx, device.AccountRef, deviceID)
	}
	return device, nil
}

// classifyLoss explains why a redeem attempt did not win.
func (s *Service) classifyLoss(tx *gorm.DB, tokenID string, now time.Time) error {
	var token focus_fields.PairingToken
	if err := tx.First(&token, "token_id = ?", tokenID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrTokenNotFound
		}
		return apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	switch token.Status {
	case focus_fields.TokenRedeemed:
		return apperr.ErrTokenAlreadyRedeemed
	case focus_fields.TokenRevoked:
		return apperr.ErrTokenRevoked
	case focus_fields.TokenExpired:
		return apperr.ErrTokenExpired
	default:
		// Still pending in the row means the expiry guard rejected us.
		if !now.Before(token.ExpiresAt) {
			return apperr.ErrTokenExpired
		}
		return apperr.ErrTokenNotFound
	}
}

// RevokeToken cancels a pending token. Only the issuer may revoke;
// tokens already terminal are left untouched and the call is a no-op.
func (s *Service) RevokeToken(tokenID, issuingAccountID string) error {
	var token focus_fields.PairingToken
	if err := s.Db.First(&token, "token_id = ?", tokenID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrTokenNotFound
		}
		return apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	if token.IssuingAccountID != issuingAccountID {
		return apperr.ErrForbidden
	}
	if token.Status != focus_fields.TokenPending {
		return nil
	}
	return s.Db.Model(&token).
		Where("status = ?", focus_fields.TokenPending).
		Update("status", focus_fields.TokenRevoked).Error
}

// Sweep garbage-collects tokens that left pending longer than the
// retention window ago, and lazily expires overdue pending rows. Run
// periodically from main.
func (s *Service) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	if err := s.Db.WithContext(ctx).Model(&focus_fields.PairingToken{}).
		Where("status = ? AND expires_at <= ?", focus_fields.TokenPending, now).
		Update("status", focus_fields.TokenExpired).Error; err != nil {
		return err
	}
	cutoff := now.Add(-s.Config.PairingRetention)
	result := s.Db.WithContext(ctx).
		Where("status != ? AND expires_at < ?", focus_fields.TokenPending, cutoff).
		Delete(&focus_fields.PairingToken{})
	if result.RowsAffected > 0 {
		s.Logger.WithField("count", result.RowsAffected).Debug("pairing tokens swept")
	}
	return result.Error
}

// RunSweeper loops Sweep until the context is cancelled.
func (s *Service) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.Logger.WithError(err).Warn("pairing sweep failed")
			}
		}
	}
}
