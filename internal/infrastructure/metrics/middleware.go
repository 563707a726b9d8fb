package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware counts requests and measures latency per registered route.
// Unmatched requests are labelled by their raw path.
func (c *Collectors) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		c.httpInflight.Inc()
		defer c.httpInflight.Dec()

		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := ctx.Request.Method
		c.httpReqs.WithLabelValues(method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
