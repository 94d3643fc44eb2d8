package focus_fields

import "time"

// Config holds everything focusd needs at boot. It is unmarshalled from
// focusd.yaml with env overrides applied for the secret material.
type Config struct {
	Port         int    `yaml:"port" json:"port"`
	DatabasePath string `yaml:"database_path" json:"database_path"`
	DatabaseURL  string `yaml:"database_url" json:"database_url"`
	DBDriver     string `yaml:"db_driver" json:"db_driver"`
	RedisPort    string `yaml:"redis_port" json:"redis_port"`

	// JWTKey signs session tokens; MACKey signs QR pairing payloads.
	// Both come from env in production, the yaml values are for dev.
	JWTKey string `yaml:"jwt_key" json:"jwt_key"`
	MACKey string `yaml:"mac_key" json:"mac_key"`

	// AdminKey guards the admin-only endpoints. Empty disables them
	// outside debug builds.
	AdminKey string `yaml:"admin_key" json:"admin_key"`

	// FirebaseCredentials is the path to the service-account json used
	// for both ID-token verification and FCM sends.
	FirebaseCredentials string `yaml:"firebase_credentials" json:"firebase_credentials"`

	PairingTTL       time.Duration `yaml:"pairing_ttl" json:"pairing_ttl"`
	PairingRetention time.Duration `yaml:"pairing_retention" json:"pairing_retention"`
	CoalesceWindow   time.Duration `yaml:"coalesce_window" json:"coalesce_window"`
	EventRetention   time.Duration `yaml:"event_retention" json:"event_retention"`

	IsDebug bool `yaml:"is_debug" json:"is_debug"`
}

// Defaults fills the zero values that have sane fallbacks. Secrets are
// deliberately left empty: boot fails loudly if they are missing.
func (c *Config) Defaults() {
	if c.Port == 0 {
		c.Port = 8084
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "focusd.db"
	}
	if c.RedisPort == "" {
		c.RedisPort = "localhost:6379"
	}
	if c.PairingTTL == 0 {
		c.PairingTTL = 5 * time.Minute
	}
	if c.PairingRetention == 0 {
		c.PairingRetention = 24 * time.Hour
	}
	if c.CoalesceWindow == 0 {
		c.CoalesceWindow = 2 * time.Second
	}
	if c.EventRetention == 0 {
		c.EventRetention = 72 * time.Hour
	}
}
