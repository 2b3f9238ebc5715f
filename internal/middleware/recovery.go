package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/response"
)

// Recovery turns a handler panic into a logged 500. Websocket handlers
// have already hijacked the connection, so only the log line survives there.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			logger.FromContext(c.Request.Context()).Error("Panic recovered",
				zap.String("path", c.Request.URL.Path),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))

			if c.Writer.Written() {
				c.Abort()
				return
			}
			response.InternalError(c, "Internal server error")
			c.Abort()
		}()
		c.Next()
	}
}
