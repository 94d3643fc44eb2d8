// Package identity unifies external identity providers into one durable
// account and manages the sessions issued against it.
package identity

import (
	"context"
	"errors"
	"time"

	firebase "firebase.google.com/go/v4"
	gateway "github.com/focusguard/focusd/apigateway"
	"github.com/focusguard/focusd/apperr"
	"github.com/focusguard/focusd/focus_fields"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Service carries the identity unifier's dependencies, mirroring how
// the rest of focusd wires services.
type Service struct {
	Db          *gorm.DB
	Redis       *redis.Client
	Logger      *logrus.Logger
	Config      focus_fields.Config
	Auth        *gateway.JWTAuth
	FirebaseApp *firebase.App
}

// Credential is the provider-tagged sign-in payload. Password sign-in
// carries email+password; social sign-in carries the provider ID token.
type Credential struct {
	ProviderKind string `json:"provider_kind" binding:"required,provider"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	IDToken      string `json:"id_token"`
	DeviceID     string `json:"device_id" binding:"required"`
	FCMToken     string `json:"fcm_token"`
}

// AuthResult is what a successful authenticate/refresh hands back.
type AuthResult struct {
	Token        string                `json:"authorization"`
	RefreshToken string                `json:"refresh_token"`
	Session      *focus_fields.Session `json:"session"`
	Account      *focus_fields.Account `json:"account"`
}

// Authenticate resolves a credential to an account and opens a session.
// A brand-new provider subject creates the account atomically with the
// session; a known subject routes to its existing account.
func (s *Service) Authenticate(ctx context.Context, cred Credential) (*AuthResult, error) {
	subject, err := s.verifyCredential(ctx, cred)
	if err != nil {
		return nil, err
	}

	var account *focus_fields.Account
	var session *focus_fields.Session
	var refreshRaw string

	err = s.Db.Transaction(func(tx *gorm.DB) error {
		existing, lookupErr := focus_fields.GetAccountBySubject(subject.Kind, subject.ID, tx)
		switch {
		case lookupErr == nil:
			account = existing
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			if cred.ProviderKind == focus_fields.ProviderPassword {
				// Password accounts come from explicit registration,
				// there is no token to mint an identity from.
				return apperr.ErrInvalidCredential
			}
			account = &focus_fields.Account{
				PublicID: uuid.NewString(),
				Email:    subject.Email,
				Fullname: subject.Name,
				IsActive: true,
			}
			account.SanitizeEmail()
			if createErr := tx.Create(account).Error; createErr != nil {
				return apperr.Wrap(createErr, apperr.ErrDatabase, "")
			}
			link := focus_fields.ProviderLink{
				AccountID:       account.ID,
				ProviderKind:    subject.Kind,
				ProviderSubject: subject.ID,
				Email:           subject.Email,
			}
			if linkErr := tx.Create(&link).Error; linkErr != nil {
				return apperr.Wrap(linkErr, apperr.ErrDatabase, "")
			}
		default:
			return apperr.Wrap(lookupErr, apperr.ErrDatabase, "")
		}

		if !account.IsActive {
			return apperr.ErrForbidden
		}

		session = account.NewSession(cred.DeviceID, gateway.SessionTTL, gateway.HardCap)
		if sessErr := tx.Create(session).Error; sessErr != nil {
			return apperr.Wrap(sessErr, apperr.ErrDatabase, "")
		}
		var issueErr error
		refreshRaw, issueErr = issueRefreshToken(tx, session)
		if issueErr != nil {
			return apperr.Wrap(issueErr, apperr.ErrDatabase, "")
		}
		// Every successful authenticate touches the account row.
		return tx.Model(account).Update("updated_at", time.Now().UTC()).Error
	})
	if err != nil {
		return nil, err
	}

	token, err := s.Auth.GenerateJWT(session)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	s.registerDevice(ctx, account.PublicID, cred.DeviceID, cred.FCMToken)

	return &AuthResult{Token: token, RefreshToken: refreshRaw, Session: session, Account: account}, nil
}

// LinkProvider attaches a second provider to the session's account. A
// subject already mapped to a different account fails with
// already_linked: merging accounts needs explicit reconciliation and is
// never done silently.
func (s *Service) LinkProvider(ctx context.Context, accountID string, cred Credential) (*focus_fields.ProviderLink, error) {
	subject, err := s.verifyCredential(ctx, cred)
	if err != nil {
		return nil, err
	}

	account, err := focus_fields.GetAccountByPublicID(accountID, s.Db)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrNotFound, "account not found")
	}

	if existing, lookupErr := focus_fields.GetAccountBySubject(subject.Kind, subject.ID, s.Db); lookupErr == nil {
		if existing.PublicID == account.PublicID {
			// Idempotent: linking a provider twice is a no-op.
			for i := range existing.Providers {
				if existing.Providers[i].ProviderKind == subject.Kind && existing.Providers[i].ProviderSubject == subject.ID {
					return &existing.Providers[i], nil
				}
			}
		}
		return nil, apperr.WithFields(apperr.ErrAlreadyLinked, map[string]any{"provider_kind": subject.Kind})
	} else if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		return nil, apperr.Wrap(lookupErr, apperr.ErrDatabase, "")
	}

	link := focus_fields.ProviderLink{
		AccountID:       account.ID,
		ProviderKind:    subject.Kind,
		ProviderSubject: subject.ID,
		Email:           subject.Email,
	}
	if err := s.Db.Create(&link).Error; err != nil {
		// The unique index is the authority: a racing link of the same
		// subject elsewhere lands here.
		return nil, apperr.Wrap(err, apperr.ErrAlreadyLinked, "")
	}
	return &link, nil
}

// SignOut destroys the session and its whole refresh chain.
func (s *Service) SignOut(sessionID string) error {
	return s.Db.Transaction(func(tx *gorm.DB) error {
		session, err := focus_fields.GetSessionByID(sessionID, tx)
		if err != nil {
			return nil // already gone, sign-out is idempotent
		}
		now := time.Now().UTC()
		if err := tx.Model(session).Update("revoked_at", now).Error; err != nil {
			return err
		}
		return tx.Where("chain_id = ?", session.ChainID).Delete(&focus_fields.RefreshToken{}).Error
	})
}

// Deactivate flips the account off without deleting anything. Accounts
// are never silently removed.
func (s *Service) Deactivate(accountID string) error {
	result := s.Db.Model(&focus_fields.Account{}).Where("public_id = ?", accountID).Update("is_active", false)
	if result.Error != nil {
		return apperr.Wrap(result.Error, apperr.ErrDatabase, "")
	}
	if result.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// registerDevice stores the FCM registration token keyed by account and
// device. The mobile app re-sends its token on every login.
func (s *Service) registerDevice(ctx context.Context, accountID, deviceID, fcmToken string) {
	if fcmToken == "" || s.Redis == nil {
		return
	}
	if err := s.Redis.HSet(ctx, "fcm:"+accountID, deviceID, fcmToken).Err(); err != nil {
		s.Logger.WithError(err).Warn("fcm token registration failed")
	}
}
