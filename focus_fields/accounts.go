package focus_fields

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var log = logrus.New()

// Provider kinds accepted by the identity unifier. Social kinds mirror
// the firebase sign-in provider ids so a verified ID token maps 1:1.
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google.com"
	ProviderFacebook = "facebook.com"
)

// Account is the provider-independent identity root. A provider subject
// maps to exactly one account, enforced by the unique index on
// ProviderLink. Accounts are never hard-deleted, only deactivated.
type Account struct {
	gorm.Model
	PublicID  string `json:"account_id" gorm:"index:idx_account_public,unique"`
	Email     string `json:"email"`
	Fullname  string `json:"fullname"`
	Password  string `json:"-"`
	Role      string `json:"role"`
	IsActive  bool   `json:"is_active" gorm:"default:true"`
	OTPSecret string `json:"-"`

	Providers []ProviderLink `json:"providers"`
	db        *gorm.DB
}

// ProviderLink is the tagged variant {provider_kind, provider_subject}.
// The composite unique index is the whole identity-union invariant.
type ProviderLink struct {
	gorm.Model
	AccountID       uint   `json:"-"`
	ProviderKind    string `json:"provider_kind" gorm:"uniqueIndex:idx_provider_subject"`
	ProviderSubject string `json:"provider_subject" gorm:"uniqueIndex:idx_provider_subject"`
	Email           string `json:"email,omitempty"`
}

// Session is one authenticated device context. HardExpiresAt is the cap
// past which refresh never extends the session.
type Session struct {
	gorm.Model
	SessionID     string     `json:"session_id" gorm:"index:idx_session_sid,unique"`
	AccountID     uint       `json:"-"`
	AccountRef    string     `json:"account_id"`
	DeviceID      string     `json:"device_id"`
	ChainID       string     `json:"-"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	HardExpiresAt time.Time  `json:"-"`
	RevokedAt     *time.Time `json:"-"`
}

// RefreshToken rows are single-use. The raw token never touches disk,
// only its sha256. SuccessorID lets reuse detection walk the chain.
type RefreshToken struct {
	gorm.Model
	SessionRef  string     `gorm:"index"`
	ChainID     string     `gorm:"index"`
	TokenHash   string     `gorm:"index:idx_refresh_hash,unique"`
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	SuccessorID string
}

func NewAccount(db *gorm.DB) *Account {
	return &Account{db: db}
}

// GetAccountByPublicID retrieves an account with its provider links.
func GetAccountByPublicID(publicID string, db *gorm.DB) (*Account, error) {
	var account Account
	result := db.Preload("Providers").First(&account, "public_id = ?", publicID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, errors.New("account not found")
	}
	account.db = db
	return &account, result.Error
}

// GetAccountBySubject resolves the identity-union mapping: which account
// owns this (kind, subject) pair, if any.
func GetAccountBySubject(kind, subject string, db *gorm.DB) (*Account, error) {
	var link ProviderLink
	if result := db.First(&link, "provider_kind = ? AND provider_subject = ?", kind, subject); result.Error != nil {
		return nil, result.Error
	}
	var account Account
	if result := db.Preload("Providers").First(&account, link.AccountID); result.Error != nil {
		return nil, result.Error
	}
	account.db = db
	return &account, nil
}

// GetAccountByEmail is used by the password provider only.
func GetAccountByEmail(email string, db *gorm.DB) (*Account, error) {
	var account Account
	result := db.Preload("Providers").First(&account, "email = ?", strings.ToLower(email))
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, errors.New("account not found")
	}
	account.db = db
	return &account, result.Error
}

func (a *Account) SanitizeEmail() {
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
}

func (a *Account) HashPassword(plain string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), 8)
	if err != nil {
		return err
	}
	a.Password = string(hashed)
	return nil
}

func (a *Account) ComparePassword(plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(a.Password), []byte(plain))
}

// NewSession mints a session row for this account. The refresh chain id
// is fresh: a brand-new authentication always starts a new chain.
func (a *Account) NewSession(deviceID string, ttl, hardCap time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		SessionID:     uuid.NewString(),
		AccountID:     a.ID,
		AccountRef:    a.PublicID,
		DeviceID:      deviceID,
		ChainID:       uuid.NewString(),
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
		HardExpiresAt: now.Add(hardCap),
	}
}

// Expired reports whether the session is past its soft expiry. The
// boundary instant itself counts as expired.
func (s *Session) Expired(at time.Time) bool {
	return !at.Before(s.ExpiresAt)
}

func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}

// HashRefreshToken is the at-rest form of an opaque refresh token.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GetSessionByID fetches a session row, no expiry checks applied.
func GetSessionByID(sessionID string, db *gorm.DB) (*Session, error) {
	var session Session
	result := db.First(&session, "session_id = ?", sessionID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, errors.New("session not found")
	}
	return &session, result.Error
}

// Migrate applies the gorm auto-migrations for the identity schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &ProviderLink{}, &Session{}, &RefreshToken{}, &PairingToken{}, &LinkedDevice{})
}
