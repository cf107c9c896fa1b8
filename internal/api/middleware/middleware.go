package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/backup-controller/internal/logging"
)

// Logger is a structured-logging middleware recording method/path/status/
// latency for every HTTP request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}
		c.Writer.Header().Set("X-Response-Time", latency.String())

		logging.L().Info("http_request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", latency.String(),
			"ip", c.ClientIP(),
		)
	}
}
