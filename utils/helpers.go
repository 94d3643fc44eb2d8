package utils

import (
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GetRedis returns a *redis.Client instance. addr defaults to the
// local redis port when empty.
func GetRedis(addr string) *redis.Client {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	return client
}

// Database opens the gorm handle used for accounts, sessions and
// pairing tokens. The document store keeps its own sqlx handle.
// Immediate transactions keep the redeem compare-and-set from hitting
// lock upgrades under contention.
func Database(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}
