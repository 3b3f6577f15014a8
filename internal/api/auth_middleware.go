// internal/api/auth_middleware.go
package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/VillagerBridge/internal/auth"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

const (
	serverIDKey      = "server_id"
	authenticatedKey = "server_authenticated"
)

// AuthMiddleware checks bearer tokens minted per game server.
//
// With required unset, a missing token passes as an anonymous caller and an
// invalid one is logged and downgraded. With required set, both get 401.
// A nil tokens config disables the check entirely.
func AuthMiddleware(tokens *auth.TokenConfig, required bool) gin.HandlerFunc {
	rh := NewResponseHelper()
	logger := utils.GetLogger()
	return func(c *gin.Context) {
		if tokens == nil || len(tokens.Secret) == 0 {
			c.Set(authenticatedKey, false)
			c.Next()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			if required {
				rh.Unauthorized(c, "authorization required")
				c.Abort()
				return
			}
			c.Set(authenticatedKey, false)
			c.Next()
			return
		}

		parsed, err := auth.ParseToken(token, tokens)
		if err != nil {
			logger.Warn("rejected bearer token", map[string]interface{}{
				"client_ip": c.ClientIP(),
				"error":     err.Error(),
			})
			if required {
				rh.Unauthorized(c, "invalid credentials")
				c.Abort()
				return
			}
			c.Set(authenticatedKey, false)
			c.Next()
			return
		}

		c.Set(serverIDKey, parsed.ServerID)
		c.Set(authenticatedKey, true)
		c.Next()
	}
}

// GetServerFromContext returns the calling server and whether its token was valid
func GetServerFromContext(c *gin.Context) (string, bool) {
	return c.GetString(serverIDKey), c.GetBool(authenticatedKey)
}
