package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// apiSecurityHeaders are sent on every response. The API serves JSON only,
// so nothing may frame it or load sub-resources from it.
var apiSecurityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
}

// noStorePrefixes are session and billing paths intermediaries must not cache
var noStorePrefixes = []string{"/api/auth/", "/api/checkout-session", "/api/user-subscription"}

// SecurityHeaders sets the API security headers and disables caching of
// session and billing responses
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range apiSecurityHeaders {
			h.Set(kv[0], kv[1])
		}
		for _, prefix := range noStorePrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				h.Set("Cache-Control", "no-store, private")
				h.Set("Pragma", "no-cache")
				break
			}
		}
		c.Next()
	}
}
