package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	appctx "medshard/internal/core/context"
	"medshard/pkg/logger"
)

// Logger middleware logs HTTP requests with timing and status.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		// Auth runs later in the chain, so the user is read from the final request.
		ctx := c.Request.Context()
		log.WithContext(ctx).Infow("http request",
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
			"user_id", appctx.GetUserID(ctx),
			"hint_source", c.GetString(ctxHintSource),
			"error", c.Errors.ByType(gin.ErrorTypePrivate).String(),
		)
	}
}
