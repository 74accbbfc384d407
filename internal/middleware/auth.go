package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/imyashkale/sitedeploy/internal/logger"
)

var (
	ErrMissingCredentials = errors.New("missing API key or authorization header")
	ErrInvalidAuthHeader  = errors.New("invalid authorization header format")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingSubject     = errors.New("missing subject in token")
)

// APIKeyHeader carries the static operator key
const APIKeyHeader = "X-API-Key"

// SubjectKey is the gin context key holding the authenticated caller
const SubjectKey = "subject"

// Authentication accepts either the configured API key in X-API-Key or an
// HS256 bearer token signed with jwtSecret. When neither is configured every
// request is let through.
func Authentication(apiKey, jwtSecret string) gin.HandlerFunc {
	if apiKey == "" && jwtSecret == "" {
		logger.Warn("API authentication disabled: neither API_KEY nor JWT_SECRET is set")
	}

	return func(c *gin.Context) {
		if apiKey == "" && jwtSecret == "" {
			c.Set(SubjectKey, "anonymous")
			c.Next()
			return
		}

		if key := c.GetHeader(APIKeyHeader); key != "" {
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				deny(c, "invalid_api_key", ErrInvalidAPIKey)
				return
			}
			c.Set(SubjectKey, "api-key")
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			deny(c, "unauthorized", ErrMissingCredentials)
			return
		}
		const prefix = "Bearer "
		if jwtSecret == "" || !strings.HasPrefix(authHeader, prefix) {
			deny(c, "unauthorized", ErrInvalidAuthHeader)
			return
		}

		subject, err := verifyToken(authHeader[len(prefix):], jwtSecret)
		if err != nil {
			deny(c, "invalid_token", err)
			return
		}

		c.Set(SubjectKey, subject)

		logger.WithFields(map[string]interface{}{
			"subject": subject,
			"path":    c.Request.URL.Path,
		}).Debug("Authentication successful")

		c.Next()
	}
}

func verifyToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrMissingSubject
	}
	return subject, nil
}

func deny(c *gin.Context, code string, err error) {
	logger.WithFields(map[string]interface{}{
		"path":  c.Request.URL.Path,
		"error": err.Error(),
	}).Warn("Authentication failed")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"status":  "error",
		"error":   code,
		"message": err.Error(),
	})
}
