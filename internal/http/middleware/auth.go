// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements bearer-token authentication. Every chat endpoint
// requires a caller identity; requests without a valid token are rejected
// with 401 before any handler runs.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// userIDKey is the Gin context key under which the authenticated user ID is
// stored. Handlers read it via UserIDFrom.
const userIDKey = "userID"

// GenerateToken mints an HS256 JWT for userID, valid for ttl. It exists for
// tests and operator tooling; the platform's identity service issues the
// tokens clients actually send.
func GenerateToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// validateToken parses an HS256 token and returns its subject.
func validateToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, nil
		}
	}
	return "", fmt.Errorf("invalid token")
}

// Auth returns a middleware that requires a "Bearer <jwt>" Authorization
// header signed with secret, and stores the token's subject in the context
// as the caller's user ID.
func Auth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || raw == "" {
			unauthorized(c)
			return
		}

		userID, err := validateToken(secret, raw)
		if err != nil {
			unauthorized(c)
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserIDFrom returns the authenticated user ID stored by Auth, or "".
func UserIDFrom(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func unauthorized(c *gin.Context) {
	rid, _ := c.Get(requestIDKey)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": rid,
		"code":       "unauthorized",
		"message":    "missing or invalid credentials",
	})
}
