package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	sessionIDContextKey  = "auth_session_id"
	sessionKeyContextKey = "auth_session_key"
)

// Middleware validates bearer session keys and stores the resolved session
// id in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionKey := s.extractKey(c)
		if sessionKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session key required"})
			return
		}
		sessionID, err := s.ValidateKey(c.Request.Context(), sessionKey)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(sessionIDContextKey, sessionID)
		c.Set(sessionKeyContextKey, sessionKey)
		c.Next()
	}
}

// SessionIDFromContext retrieves the authenticated session id from the gin context.
func SessionIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(sessionIDContextKey)
	if !ok {
		return 0, false
	}
	sessionID, ok := val.(int64)
	return sessionID, ok
}

// SessionKeyFromContext retrieves the key captured by the middleware.
func SessionKeyFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(sessionKeyContextKey)
	if !ok {
		return "", false
	}
	key, ok := val.(string)
	return key, ok
}

func (s *Service) extractKey(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if key, err := c.Cookie(s.cookieName); err == nil && key != "" {
		return key
	}
	return ""
}
