// Package gateway implements the auth and middleware logic shared by
// focusd services.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/focusguard/focusd/focus_fields"
	"github.com/golang-jwt/jwt"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// JWTAuth provides an encapsulation for jwt session tokens.
type JWTAuth struct {
	Key []byte
}

// TokenClaims is the focusd session claim set. The account id here is
// the public provider-independent id, never the db row id.
type TokenClaims struct {
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	jwt.StandardClaims
}

// GenerateJWT mints a bearer token for an established session. The jwt
// expiry mirrors the session's soft expiry so middleware can reject
// stale tokens without a db hit.
func (j *JWTAuth) GenerateJWT(session *focus_fields.Session) (string, error) {
	if len(j.Key) == 0 {
		return "", errors.New("empty jwt key")
	}
	claims := TokenClaims{
		AccountID: session.AccountRef,
		SessionID: session.SessionID,
		DeviceID:  session.DeviceID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  session.IssuedAt.Unix(),
			ExpiresAt: session.ExpiresAt.Unix(),
			Issuer:    "focusd",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.Key)
}

// VerifyJWT validates a bearer token and returns its claims. Expired
// tokens return the claims alongside the validation error so callers
// can distinguish expiry from tampering.
func (j *JWTAuth) VerifyJWT(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.Key, nil
	})
	if token == nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*TokenClaims); ok {
		if token.Valid {
			return claims, nil
		}
		return claims, err
	}
	return nil, err
}

// KeyFromEnv loads the signing key from the environment, falling back
// to a redis-escrowed key so every gateway instance signs with the same
// secret, generating one on first boot.
func KeyFromEnv(ctx context.Context, redisClient *redis.Client) []byte {
	if key := os.Getenv("FOCUSD_JWT_KEY"); key != "" {
		return []byte(key)
	}
	if key, err := redisClient.Get(ctx, "focusd:jwt").Result(); err == nil && key != "" {
		return []byte(key)
	}
	key, err := GenerateSecretKey(50)
	if err != nil {
		log.Fatalf("unable to generate jwt key: %v", err)
	}
	if err := redisClient.Set(ctx, "focusd:jwt", string(key), 0).Err(); err != nil {
		log.Printf("jwt key escrow failed: %v", err)
	}
	return key
}

// ExpiredClaims reports whether err is specifically a jwt expiry.
func ExpiredClaims(err error) bool {
	var ve *jwt.ValidationError
	if errors.As(err, &ve) {
		return ve.Errors&jwt.ValidationErrorExpired != 0
	}
	return false
}

// SessionTTL is the soft lifetime of an access token; HardCap is the
// absolute ceiling a refresh chain may reach.
const (
	SessionTTL = 3 * time.Hour
	HardCap    = 30 * 24 * time.Hour
)
