package identity

import (
	"time"

	"github.com/focusguard/focusd/apperr"
	"github.com/focusguard/focusd/focus_fields"
	"github.com/pquerna/otp/totp"
)

// GenerateSignInCode produces a short-lived numeric code for the
// forgot-password path. The TOTP secret is minted lazily per account
// and the code is delivered out of band.
func (s *Service) GenerateSignInCode(email string) (string, error) {
	account, err := focus_fields.GetAccountByEmail(email, s.Db)
	if err != nil {
		return "", apperr.ErrNotFound
	}
	if account.OTPSecret == "" {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      "focusd",
			AccountName: account.Email,
		})
		if err != nil {
			return "", apperr.Wrap(err, apperr.ErrInternal, "")
		}
		account.OTPSecret = key.Secret()
		if err := s.Db.Model(account).Update("otp_secret", account.OTPSecret).Error; err != nil {
			return "", apperr.Wrap(err, apperr.ErrDatabase, "")
		}
	}
	code, err := totp.GenerateCode(account.OTPSecret, time.Now())
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrInternal, "")
	}
	return code, nil
}

// VerifySignInCode checks a code and, when valid, resets the account
// password so the user can sign in again.
func (s *Service) VerifySignInCode(email, code, newPassword string) error {
	account, err := focus_fields.GetAccountByEmail(email, s.Db)
	if err != nil {
		return apperr.ErrNotFound
	}
	if account.OTPSecret == "" || !totp.Validate(code, account.OTPSecret) {
		return apperr.ErrInvalidCredential
	}
	if err := account.HashPassword(newPassword); err != nil {
		return apperr.Wrap(err, apperr.ErrInternal, "")
	}
	return s.Db.Model(account).Update("password", account.Password).Error
}
