package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
)

// Permissions carried in token claims.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// Claims is the token payload: standard registered claims plus a permission
// list checked per route.
type Claims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

func (c *Claims) has(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Auth validates HS256 bearer tokens. With bypass enabled every request
// passes as a full-permission caller; the flag only activates in the
// development environment.
type Auth struct {
	secret []byte
	bypass bool
	log    zerolog.Logger
}

func NewAuth(secret string, bypass bool, log zerolog.Logger) *Auth {
	if bypass {
		log.Warn().Msg("auth bypass active, all requests accepted")
	}
	return &Auth{
		secret: []byte(secret),
		bypass: bypass,
		log:    log.With().Str("component", "api.auth").Logger(),
	}
}

func (a *Auth) parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Require returns a middleware enforcing a valid token carrying the given
// permission. The token comes from the Authorization header, or from the
// token query parameter for WebSocket clients that cannot set headers.
func (a *Auth) Require(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.bypass {
			c.Next()
			return
		}

		tokenStr := bearerToken(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := a.parse(tokenStr)
		if err != nil {
			a.log.Debug().Err(err).Msg("token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		if !claims.has(permission) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if parts := strings.SplitN(auth, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return c.Query("token")
}
