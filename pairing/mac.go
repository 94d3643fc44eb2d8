package pairing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/focusguard/focusd/apperr"
	"github.com/goccy/go-json"
)

// Envelope is the QR payload. The mac binds token_id, account_id and
// issued_at to the server-held key so a scanner can check authenticity
// offline; it does not guard replay, redemption always round-trips.
type Envelope struct {
	TokenID   string `json:"token_id"`
	AccountID string `json:"account_id"`
	IssuedAt  int64  `json:"issued_at"`
	MAC       string `json:"mac"`
}

type macSigner struct {
	key []byte
}

func newMACSigner(key string) *macSigner {
	return &macSigner{key: []byte(key)}
}

func (m *macSigner) sum(tokenID, accountID string, issuedAt int64) []byte {
	mac := hmac.New(sha256.New, m.key)
	fmt.Fprintf(mac, "%s|%s|%d", tokenID, accountID, issuedAt)
	return mac.Sum(nil)
}

// Seal produces the signed envelope and its QR string form.
func (m *macSigner) Seal(tokenID, accountID string, issuedAt int64) (*Envelope, string, error) {
	env := &Envelope{
		TokenID:   tokenID,
		AccountID: accountID,
		IssuedAt:  issuedAt,
		MAC:       base64.RawURLEncoding.EncodeToString(m.sum(tokenID, accountID, issuedAt)),
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, "", err
	}
	return env, base64.RawURLEncoding.EncodeToString(encoded), nil
}

// Open parses a QR string back into an envelope and verifies the mac.
func (m *macSigner) Open(content string) (*Envelope, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(content)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrBadSignature, "")
	}
	var env Envelope
	if err := json.Unmarshal(decoded, &env); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrBadSignature, "")
	}
	if err := m.Verify(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (m *macSigner) Verify(env *Envelope) error {
	got, err := base64.RawURLEncoding.DecodeString(env.MAC)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrBadSignature, "")
	}
	want := m.sum(env.TokenID, env.AccountID, env.IssuedAt)
	if !hmac.Equal(got, want) {
		return apperr.ErrBadSignature
	}
	return nil
}
