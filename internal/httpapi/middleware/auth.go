package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/suPer8Hu/chat-relay/internal/common"
)

// UserIDKey is the gin context key holding the authenticated user id (uint64).
const UserIDKey = "uid"

var errNoUID = errors.New("token has no usable uid claim")

// AuthRequired accepts "Authorization: Bearer <HS256 JWT>" whose uid claim
// identifies the caller. Tokens are issued elsewhere; this only verifies them.
func AuthRequired(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			common.Abort(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}

		uid, err := ParseToken(key, strings.TrimSpace(raw))
		if err != nil {
			common.Abort(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// ParseToken verifies an HS256 token and returns its uid claim.
func ParseToken(key []byte, raw string) (uint64, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, err
	}

	switch v := claims[UserIDKey].(type) {
	case float64:
		if v > 0 && v == float64(uint64(v)) {
			return uint64(v), nil
		}
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, errNoUID
}

// SignToken issues an HS256 token for uid, valid for ttl.
func SignToken(secret string, uid uint64, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		UserIDKey: uid,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	return tok.SignedString([]byte(secret))
}

// UserID returns the id set by AuthRequired.
func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
