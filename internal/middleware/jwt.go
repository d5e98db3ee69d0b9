package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/live-metrics/internal/auth"
	"github.com/aura-webinar/live-metrics/pkg/response"
)

// ContextEdgeSource is the key for the authenticated edge source in gin context.
const ContextEdgeSource = "edge_source"

// EdgeJWT returns a middleware that requires a valid edge bearer token.
// A nil service disables the check.
func EdgeJWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtService == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextEdgeSource, claims.Source)
		c.Next()
	}
}
