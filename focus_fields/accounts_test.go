package focus_fields

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "fields_test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestAccount_Password(t *testing.T) {
	var account Account
	if err := account.HashPassword("s3cret"); err != nil {
		t.Fatalf("hash: %v", err)
	}
	if account.Password == "s3cret" {
		t.Errorf("password stored in the clear")
	}
	if err := account.ComparePassword("s3cret"); err != nil {
		t.Errorf("ComparePassword() = %v, want nil", err)
	}
	if err := account.ComparePassword("wrong"); err == nil {
		t.Errorf("ComparePassword() accepted a wrong password")
	}
}

func TestSession_Expired(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	session := Session{ExpiresAt: expiry}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before expiry", expiry.Add(-time.Second), false},
		{"exactly at expiry", expiry, true},
		{"after expiry", expiry.Add(time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := session.Expired(tt.at); got != tt.want {
				t.Errorf("Expired(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestGetAccountBySubject(t *testing.T) {
	db := testDB(t)

	account := Account{PublicID: "acc-1", Email: "kid@example.com"}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	links := []ProviderLink{
		{AccountID: account.ID, ProviderKind: ProviderGoogle, ProviderSubject: "google-uid-1"},
		{AccountID: account.ID, ProviderKind: ProviderFacebook, ProviderSubject: "fb-uid-1"},
	}
	if err := db.Create(&links).Error; err != nil {
		t.Fatalf("create links: %v", err)
	}

	// both provider subjects resolve to the one account
	for _, link := range links {
		got, err := GetAccountBySubject(link.ProviderKind, link.ProviderSubject, db)
		if err != nil {
			t.Fatalf("GetAccountBySubject(%s): %v", link.ProviderKind, err)
		}
		if got.PublicID != "acc-1" {
			t.Errorf("subject %s resolved to %s, want acc-1", link.ProviderSubject, got.PublicID)
		}
		if len(got.Providers) != 2 {
			t.Errorf("providers = %d, want 2", len(got.Providers))
		}
	}

	if _, err := GetAccountBySubject(ProviderGoogle, "unknown", db); err == nil {
		t.Errorf("unknown subject resolved to an account")
	}
}

func TestProviderLink_UniqueSubject(t *testing.T) {
	db := testDB(t)

	first := Account{PublicID: "acc-1"}
	second := Account{PublicID: "acc-2"}
	db.Create(&first)
	db.Create(&second)

	if err := db.Create(&ProviderLink{AccountID: first.ID, ProviderKind: ProviderGoogle, ProviderSubject: "dup"}).Error; err != nil {
		t.Fatalf("first link: %v", err)
	}
	if err := db.Create(&ProviderLink{AccountID: second.ID, ProviderKind: ProviderGoogle, ProviderSubject: "dup"}).Error; err == nil {
		t.Errorf("duplicate (kind, subject) accepted for a second account")
	}
}

func TestNewSession_Chain(t *testing.T) {
	account := Account{PublicID: "acc-1"}
	account.ID = 7

	s1 := account.NewSession("device-a", 3*time.Hour, 30*24*time.Hour)
	s2 := account.NewSession("device-a", 3*time.Hour, 30*24*time.Hour)

	if s1.SessionID == s2.SessionID {
		t.Errorf("session ids collide")
	}
	if s1.ChainID == s2.ChainID {
		t.Errorf("fresh authentications share a refresh chain")
	}
	if !s1.HardExpiresAt.After(s1.ExpiresAt) {
		t.Errorf("hard expiry %v not after soft expiry %v", s1.HardExpiresAt, s1.ExpiresAt)
	}
}

func TestHashRefreshToken(t *testing.T) {
	a := HashRefreshToken("raw-token")
	b := HashRefreshToken("raw-token")
	if a != b {
		t.Errorf("hash not deterministic")
	}
	if a == "raw-token" || len(a) != 64 {
		t.Errorf("unexpected hash form: %q", a)
	}
}
