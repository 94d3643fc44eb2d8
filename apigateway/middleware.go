package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/focusguard/focusd/apperr"
	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware for downstream handlers.
const (
	CtxAccountID = "account_id"
	CtxSessionID = "session_id"
	CtxDeviceID  = "device_id"
)

// AuthMiddleware is the JWT authorization middleware. Every route
// behind it can trust the account/session/device ids in the context.
func (j *JWTAuth) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "empty header was sent", "code": "unauthorized"})
			return
		}
		h = strings.TrimPrefix(h, "Bearer ")

		claims, err := j.VerifyJWT(h)
		if err != nil {
			if ExpiredClaims(err) {
				c.AbortWithStatusJSON(apperr.Status(apperr.ErrSessionExpired), apperr.Payload(apperr.ErrSessionExpired))
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "malformed token", "code": "jwt_malformed"})
			return
		}
		c.Set(CtxAccountID, claims.AccountID)
		c.Set(CtxSessionID, claims.SessionID)
		c.Set(CtxDeviceID, claims.DeviceID)
		c.Next()
	}
}

// AccountFromCtx returns the authenticated account id, empty when the
// request skipped AuthMiddleware.
func AccountFromCtx(c *gin.Context) string {
	return c.GetString(CtxAccountID)
}

func DeviceFromCtx(c *gin.Context) string {
	return c.GetString(CtxDeviceID)
}

func SessionFromCtx(c *gin.Context) string {
	return c.GetString(CtxSessionID)
}

// RequireAccountMatch rejects payloads whose account_id disagrees with
// the authenticated identity. The gateway is the sole trust boundary:
// no client acts on another account's state.
func RequireAccountMatch(c *gin.Context, accountID string) bool {
	if accountID != "" && accountID != AccountFromCtx(c) {
		c.AbortWithStatusJSON(apperr.Status(apperr.ErrForbidden), apperr.Payload(
			apperr.WithFields(apperr.ErrForbidden, map[string]any{"account_id": accountID})))
		return false
	}
	return true
}

// GenerateSecretKey generates secret key for jwt signing.
func GenerateSecretKey(n int) ([]byte, error) {
	key := make([]byte, n)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// OptionsMiddleware for cors headers.
func OptionsMiddleware(c *gin.Context) {
	if c.Request.Method != "OPTIONS" {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Next()
	} else {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "authorization, origin, content-type, accept, X-CSRF-TOKEN")
		c.Header("Allow", "HEAD,GET,POST,PUT,PATCH,DELETE,OPTIONS")
		c.Header("Content-Type", "application/json")
		c.AbortWithStatus(http.StatusOK)
	}
}

// AdminAuthConfig controls access to admin-only endpoints.
type AdminAuthConfig struct {
	Key      string
	User     string
	Password string
	Debug    bool
}

// RequireAdmin guards admin endpoints using X-Admin-Key or HTTP Basic
// auth. Debug bypasses the guard.
func RequireAdmin(cfg AdminAuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Debug {
			c.Next()
			return
		}
		if cfg.Key != "" {
			key := strings.TrimSpace(c.GetHeader("X-Admin-Key"))
			if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(cfg.Key)) == 1 {
				c.Next()
				return
			}
		}
		if cfg.User != "" && cfg.Password != "" {
			if checkBasicAuth(c.GetHeader("Authorization"), cfg.User, cfg.Password) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "admin credentials required", "code": "unauthorized"})
	}
}

func checkBasicAuth(header, user, password string) bool {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(parts[0]), []byte(user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(parts[1]), []byte(password)) == 1
	return userOK && passOK
}
