package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// LogApi logs one line per request. Long polls and health checks are logged
// at debug level.
func LogApi(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With(slog.String("component", "api"))

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		switch {
		case c.Writer.Status() >= 500:
			level = slog.LevelError
		case c.FullPath() == "/healthz", c.FullPath() == "/api/v1/poll/:sid" && c.Request.Method == "GET":
			level = slog.LevelDebug
		}

		logger.Log(c.Request.Context(), level, "API request",
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"latency", time.Since(start),
			"userAgent", c.Request.UserAgent(),
			"error", c.Errors.ByType(gin.ErrorTypePrivate).String(),
		)
	}
}
