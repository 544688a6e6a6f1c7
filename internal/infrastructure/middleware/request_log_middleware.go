package middleware

import (
	"net/http"
	"time"

	"rillchat/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequestLogMiddleware logs one line per request with the request id, peer id
// and trace id carried in the request context. Register it after
// TracingMiddleware so those fields are present.
func RequestLogMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError && len(c.Errors) > 0 {
			cl.LogError(ctx, c.Errors.Last().Err, "request failed")
		}
		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, status, time.Since(start).Milliseconds())
	}
}
