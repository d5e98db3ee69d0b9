package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization"
	corsMaxAge  = "86400"
)

// originPolicy decides which dashboard origins may read snapshots cross-origin.
type originPolicy struct {
	any     bool
	allowed map[string]bool
}

func newOriginPolicy(list string) originPolicy {
	p := originPolicy{allowed: make(map[string]bool)}
	for _, o := range strings.Split(list, ",") {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.any = true
		default:
			p.allowed[o] = true
		}
	}
	if len(p.allowed) == 0 {
		p.any = true
	}
	return p
}

// allow returns the Access-Control-Allow-Origin value for origin, or "" to deny.
func (p originPolicy) allow(origin string) string {
	switch {
	case p.any:
		return "*"
	case origin != "" && p.allowed[origin]:
		return origin
	}
	return ""
}

// CORS lets browser dashboards on the listed origins ("*" or comma-separated) poll
// snapshots and manage poll sessions. Preflight requests end here with 204.
func CORS(allowedOrigins string) gin.HandlerFunc {
	policy := newOriginPolicy(allowedOrigins)
	return func(c *gin.Context) {
		if allow := policy.allow(c.GetHeader("Origin")); allow != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			if allow != "*" {
				h.Add("Vary", "Origin")
			}
			if c.Request.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
