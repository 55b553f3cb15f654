package daemon

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"clipline/internal/api"
)

const subjectKey = "auth_subject"

// authMiddleware validates bearer credentials. A request passes when its
// token equals the static token, or when it is an HS256 JWT signed with
// jwtSecret. With neither configured every request passes.
func authMiddleware(token, jwtSecret string) gin.HandlerFunc {
	if token == "" && jwtSecret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		raw, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		if token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(token)) == 1 {
			c.Set(subjectKey, "token")
			c.Next()
			return
		}
		if jwtSecret != "" {
			subject, err := verifyJWT(raw, jwtSecret)
			if err == nil {
				c.Set(subjectKey, subject)
				c.Next()
				return
			}
		}
		unauthorized(c, "invalid credentials")
	}
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(prefix):])
	return raw, raw != ""
}

func verifyJWT(raw, secret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	return claims.Subject, nil
}

// IssueToken signs an HS256 JWT for subject. A zero ttl means no expiry.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   "clipline",
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{
		Error: api.ErrorBody{Code: api.CodeUnauthorized, Message: message},
	})
}
