package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user
	ContextKeyUserID = "authUserID"
	// ContextKeyGender carries the optional gender claim
	ContextKeyGender = "authGender"
	// ContextKeyRole carries the optional role claim
	ContextKeyRole = "authRole"

	AdminSecretHeader = "X-Admin-Secret"
)

// Middleware validates the bearer token if present and sets the user keys
// in context. WebSocket clients may pass the token as ?token=.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.Query("token")
		}
		if raw != "" {
			if claims, err := m.Validate(raw); err == nil {
				c.Set(ContextKeyUserID, claims.Subject)
				if claims.Gender != "" {
					c.Set(ContextKeyGender, claims.Gender)
				}
				if claims.Role != "" {
					c.Set(ContextKeyRole, claims.Role)
				}
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks X-Admin-Secret against secret. An empty secret
// disables admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	return UserID(c) != ""
}
