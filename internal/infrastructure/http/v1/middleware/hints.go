package middleware

import (
	"github.com/gin-gonic/gin"

	"medshard/internal/core/apperror"
	"medshard/internal/domain/routing"
)

const (
	ctxHints      = "tenant_hints"
	ctxHintSource = "hint_source"
)

// TenantHints collects the query and header tenant hints of a request.
// Handlers that accept a body add the body hint themselves. A malformed
// hint is rejected rather than ignored.
func TenantHints() gin.HandlerFunc {
	return func(c *gin.Context) {
		var hints routing.HintSet

		for _, name := range routing.HintParams {
			raw, ok := c.GetQuery(name)
			if !ok {
				continue
			}
			id, err := routing.ParseHint(raw)
			if err != nil {
				abortBadHint(c, "query", name, raw)
				return
			}
			if id > 0 {
				hints.Query = id
				break
			}
		}

		for _, name := range routing.HintHeaders {
			raw := c.GetHeader(name)
			if raw == "" {
				continue
			}
			id, err := routing.ParseHint(raw)
			if err != nil {
				abortBadHint(c, "header", name, raw)
				return
			}
			hints.Header = id
			break
		}

		c.Set(ctxHints, hints)
		c.Next()
	}
}

// GetHints returns the hints collected by TenantHints.
func GetHints(c *gin.Context) routing.HintSet {
	if v, ok := c.Get(ctxHints); ok {
		if h, ok := v.(routing.HintSet); ok {
			return h
		}
	}
	return routing.HintSet{}
}

// SetHintSource records which hint routed the request, for the access log.
func SetHintSource(c *gin.Context, src routing.Source) {
	c.Set(ctxHintSource, string(src))
}

func abortBadHint(c *gin.Context, where, name, value string) {
	_ = c.Error(
		apperror.NewValidation("invalid hospital hint").
			WithDetail(where, name).
			WithDetail("value", value),
	)
	c.Abort()
}
