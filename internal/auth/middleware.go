package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	identityContextKey    = "auth_identity"
	authTokenContextKey   = "auth_token"
	tokenSourceContextKey = "auth_token_source"
)

type tokenSource int

const (
	sourceNone tokenSource = iota
	sourceBearer
	sourceCookie
)

// Middleware resolves the caller from a bearer header or the session cookie.
// Handlers behind it read the result with IdentityFromContext.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, source := s.extractToken(c)
		if source == sourceNone {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		identity, err := s.Authenticate(c.Request.Context(), token)
		if err != nil {
			msg := "invalid session"
			if errors.Is(err, ErrTokenExpired) {
				msg = "session expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		c.Set(identityContextKey, identity)
		c.Set(authTokenContextKey, token)
		c.Set(tokenSourceContextKey, source)
		c.Next()
	}
}

func IdentityFromContext(c *gin.Context) (Identity, bool) {
	identity, ok := c.Value(identityContextKey).(Identity)
	if !ok || !identity.Valid() {
		return Identity{}, false
	}
	return identity, true
}

// AuthTokenFromContext returns the token the request authenticated with,
// which logout revokes.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	token, ok := c.Value(authTokenContextKey).(string)
	return token, ok && token != ""
}

func (s *Service) extractToken(c *gin.Context) (string, tokenSource) {
	header := strings.TrimSpace(c.GetHeader(s.headerName))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		if token := strings.TrimSpace(header[len("bearer "):]); token != "" {
			return token, sourceBearer
		}
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token, sourceCookie
	}
	return "", sourceNone
}
