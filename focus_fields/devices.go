package focus_fields

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Pairing token states. pending is the only non-terminal state; the
// pending→redeemed edge is a single-winner compare-and-set.
const (
	TokenPending  = "pending"
	TokenRedeemed = "redeemed"
	TokenExpired  = "expired"
	TokenRevoked  = "revoked"
)

// PairingToken is the short-lived credential carried inside a QR code.
// HumanCode is the typed-entry alternative to scanning and is persisted
// so redeem can resolve it back to the token.
type PairingToken struct {
	gorm.Model
	TokenID          string     `json:"token_id" gorm:"index:idx_pairing_token,unique"`
	HumanCode        string     `json:"human_code" gorm:"index"`
	IssuingAccountID string     `json:"issuing_account_id" gorm:"index"`
	Status           string     `json:"status" gorm:"index"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RedeemedBy       string     `json:"redeemed_by_device_id,omitempty"`
	RedeemedAt       *time.Time `json:"redeemed_at,omitempty"`
}

// HumanCodeFromID renders a token id the way the mobile app shows it
// for manual entry: XXX-XXX-XXX, uppercase.
func HumanCodeFromID(tokenID string) string {
	return groupHumanCode(strings.ToUpper(strings.ReplaceAll(tokenID, "-", "")))
}

// NormalizeHumanCode maps whatever the user typed onto the canonical
// stored form: case, spaces and separator placement do not matter.
func NormalizeHumanCode(input string) string {
	var compact strings.Builder
	for _, r := range strings.ToUpper(input) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			compact.WriteRune(r)
		}
	}
	return groupHumanCode(compact.String())
}

func groupHumanCode(compact string) string {
	if len(compact) < 9 {
		return compact
	}
	return compact[0:3] + "-" + compact[3:6] + "-" + compact[6:9]
}

// LinkedDevice records a device that redeemed a pairing token against an
// account. Append-mostly; removal only through an explicit unlink.
type LinkedDevice struct {
	gorm.Model
	AccountRef string    `json:"account_id" gorm:"uniqueIndex:idx_account_device"`
	DeviceID   string    `json:"device_id" gorm:"uniqueIndex:idx_account_device"`
	Label      string    `json:"label,omitempty"`
	LinkedAt   time.Time `json:"linked_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// GetLinkedDevices returns every device linked to the account.
func GetLinkedDevices(accountRef string, db *gorm.DB) ([]LinkedDevice, error) {
	var devices []LinkedDevice
	result := db.Where("account_ref = ?", accountRef).Order("linked_at asc").Find(&devices)
	return devices, result.Error
}

// UpsertLinkedDevice inserts the link or refreshes last_seen_at if the
// device already redeemed a token for this account before.
func UpsertLinkedDevice(device *LinkedDevice, db *gorm.DB) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_ref"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen_at", "label"}),
	}).Create(device).Error
}

// TouchDevice bumps last_seen_at, used by the stream handler as a cheap
// liveness signal.
func TouchDevice(accountRef, deviceID string, db *gorm.DB) error {
	return db.Model(&LinkedDevice{}).
		Where("account_ref = ? AND device_id = ?", accountRef, deviceID).
		Update("last_seen_at", time.Now().UTC()).Error
}

// UnlinkDevice removes the device explicitly. Missing rows are not an
// error: unlink is idempotent.
func UnlinkDevice(accountRef, deviceID string, db *gorm.DB) error {
	result := db.Where("account_ref = ? AND device_id = ?", accountRef, deviceID).Delete(&LinkedDevice{})
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil
	}
	return result.Error
}
