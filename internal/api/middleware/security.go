package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds baseline response headers. There is no
// authentication on this surface (spec: trusted LAN deployment); these
// headers only harden against browser-side mistakes for operators who put
// the UI behind a reverse proxy.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
