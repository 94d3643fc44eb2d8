package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/focusguard/focusd/apperr"
	"github.com/focusguard/focusd/focus_fields"
)

// subject is the normalized output of a verified credential: the tagged
// variant the rest of the system keys identity on.
type subject struct {
	Kind  string
	ID    string
	Email string
	Name  string
}

// verifyCredential dispatches on provider kind. Provider-specific logic
// stays in small functions taking the credential, nothing subclassed.
func (s *Service) verifyCredential(ctx context.Context, cred Credential) (*subject, error) {
	switch cred.ProviderKind {
	case focus_fields.ProviderPassword:
		return s.verifyPassword(cred)
	case focus_fields.ProviderGoogle, focus_fields.ProviderFacebook:
		return s.verifyProviderToken(ctx, cred.ProviderKind, cred.IDToken)
	default:
		return nil, apperr.WithFields(apperr.ErrBadRequest, map[string]any{"provider_kind": cred.ProviderKind})
	}
}

func (s *Service) verifyPassword(cred Credential) (*subject, error) {
	if cred.Email == "" || cred.Password == "" {
		return nil, apperr.ErrInvalidCredential
	}
	account, err := focus_fields.GetAccountByEmail(cred.Email, s.Db)
	if err != nil {
		return nil, apperr.ErrInvalidCredential
	}
	if err := account.ComparePassword(cred.Password); err != nil {
		return nil, apperr.ErrInvalidCredential
	}
	return &subject{
		Kind:  focus_fields.ProviderPassword,
		ID:    strings.ToLower(cred.Email),
		Email: strings.ToLower(cred.Email),
		Name:  account.Fullname,
	}, nil
}

// verifyProviderToken confirms a social ID token through firebase and
// extracts the provider subject. The firebase round trip is the only
// network suspension point and honors ctx cancellation.
func (s *Service) verifyProviderToken(ctx context.Context, kind, idToken string) (*subject, error) {
	if idToken == "" {
		return nil, apperr.ErrInvalidCredential
	}
	if s.FirebaseApp == nil {
		return nil, apperr.ErrProviderUnavailable
	}
	fb, err := s.FirebaseApp.Auth(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrProviderUnavailable, "")
	}
	token, err := fb.VerifyIDToken(ctx, idToken)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, apperr.Wrap(err, apperr.ErrProviderUnavailable, "")
		}
		return nil, apperr.Wrap(err, apperr.ErrInvalidCredential, "")
	}
	if token.Firebase.SignInProvider != kind {
		return nil, apperr.WithFields(apperr.ErrInvalidCredential, map[string]any{
			"expected": kind, "got": token.Firebase.SignInProvider,
		})
	}

	out := &subject{Kind: kind, ID: token.UID}
	if ids, ok := token.Firebase.Identities[kind]; ok {
		// The provider's own subject id beats the firebase uid: the
		// mapping must survive the account existing in no firebase
		// project at all.
		if list, ok := ids.([]interface{}); ok && len(list) > 0 {
			if first, ok := list[0].(string); ok && first != "" {
				out.ID = first
			}
		}
	}
	if email, ok := token.Claims["email"].(string); ok {
		out.Email = strings.ToLower(email)
	}
	if name, ok := token.Claims["name"].(string); ok {
		out.Name = name
	}
	return out, nil
}
