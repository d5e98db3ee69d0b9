package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// quietPaths are polled by infrastructure and logged at debug level only.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Logger returns a zap-based request logging middleware. Hot ingest and poll routes are
// logged at debug level unless they fail.
func Logger(logger *zap.Logger, hotPaths ...string) gin.HandlerFunc {
	hot := make(map[string]bool, len(hotPaths))
	for _, p := range hotPaths {
		hot[p] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
		}
		if id := c.Param("streamId"); id != "" {
			fields = append(fields, zap.String("stream_id", id))
		}
		switch {
		case status >= 500:
			logger.Error("request", fields...)
		case quietPaths[c.Request.URL.Path] || (hot[c.FullPath()] && status < 400):
			logger.Debug("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
