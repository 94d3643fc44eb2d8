package identity

import (
	"errors"
	"time"

	gateway "github.com/focusguard/focusd/apigateway"
	"github.com/focusguard/focusd/apperr"
	"github.com/focusguard/focusd/focus_fields"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// issueRefreshToken mints the opaque single-use refresh token for a
// session. Only the hash is stored.
func issueRefreshToken(tx *gorm.DB, session *focus_fields.Session) (string, error) {
	raw := uuid.NewString() + uuid.NewString()
	row := focus_fields.RefreshToken{
		SessionRef: session.SessionID,
		ChainID:    session.ChainID,
		TokenHash:  focus_fields.HashRefreshToken(raw),
		ExpiresAt:  session.HardExpiresAt,
	}
	if err := tx.Create(&row).Error; err != nil {
		return "", err
	}
	return raw, nil
}

// Refresh rotates a refresh token: the presented token is consumed, a
// successor is minted and the session's soft expiry moves forward, never
// past the hard cap. Reuse of a consumed token is treated as replay and
// revokes the whole chain.
func (s *Service) Refresh(rawToken string) (*AuthResult, error) {
	var session *focus_fields.Session
	var account *focus_fields.Account
	var successorRaw string
	var replayed bool

	err := s.Db.Transaction(func(tx *gorm.DB) error {
		var row focus_fields.RefreshToken
		if err := tx.First(&row, "token_hash = ?", focus_fields.HashRefreshToken(rawToken)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrSessionRevoked
			}
			return apperr.Wrap(err, apperr.ErrDatabase, "")
		}

		now := time.Now().UTC()

		if row.ConsumedAt != nil {
			// Replay: someone presented a token that was already
			// rotated away. Kill the chain. The closure returns nil so
			// the revocation commits; the error is mapped afterwards.
			s.Logger.WithField("chain_id", row.ChainID).Warn("refresh token replay detected")
			if err := revokeChain(tx, row.ChainID); err != nil {
				return apperr.Wrap(err, apperr.ErrDatabase, "")
			}
			replayed = true
			return nil
		}
		if !now.Before(row.ExpiresAt) {
			return apperr.ErrSessionExpired
		}

		var err error
		session, err = focus_fields.GetSessionByID(row.SessionRef, tx)
		if err != nil {
			return apperr.ErrSessionRevoked
		}
		if session.Revoked() {
			return apperr.ErrSessionRevoked
		}
		if !now.Before(session.HardExpiresAt) {
			return apperr.ErrSessionExpired
		}

		account, err = focus_fields.GetAccountByPublicID(session.AccountRef, tx)
		if err != nil {
			return apperr.ErrSessionRevoked
		}

		// Extend the soft expiry, clamped to the hard cap.
		next := now.Add(gateway.SessionTTL)
		if next.After(session.HardExpiresAt) {
			next = session.HardExpiresAt
		}
		session.ExpiresAt = next
		session.IssuedAt = now
		if err := tx.Model(session).Updates(map[string]any{"expires_at": next, "issued_at": now}).Error; err != nil {
			return apperr.Wrap(err, apperr.ErrDatabase, "")
		}

		successorRaw, err = issueRefreshToken(tx, session)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrDatabase, "")
		}
		if err := tx.Model(&row).Updates(map[string]any{
			"consumed_at":  now,
			"successor_id": focus_fields.HashRefreshToken(successorRaw),
		}).Error; err != nil {
			return apperr.Wrap(err, apperr.ErrDatabase, "")
		}
		return tx.Model(account).Update("updated_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return nil, apperr.ErrSessionRevoked
	}

	token, err := s.Auth.GenerateJWT(session)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	return &AuthResult{Token: token, RefreshToken: successorRaw, Session: session, Account: account}, nil
}

// revokeChain revokes every session whose refresh chain saw a replayed
// token, and drops the chain's outstanding tokens.
func revokeChain(tx *gorm.DB, chainID string) error {
	now := time.Now().UTC()
	var rows []focus_fields.RefreshToken
	if err := tx.Where("chain_id = ?", chainID).Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		if err := tx.Model(&focus_fields.Session{}).
			Where("session_id = ?", row.SessionRef).
			Update("revoked_at", now).Error; err != nil {
			return err
		}
	}
	return tx.Where("chain_id = ?", chainID).Delete(&focus_fields.RefreshToken{}).Error
}
