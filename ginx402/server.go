package ginx402

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	x402 "github.com/vitwit/x402-gateway"
	"github.com/vitwit/x402-gateway/logger"
)

// RequestID assigns every request an id, reusing the caller's X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(x402.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(RequestIDKey, id)
		c.Header(x402.RequestIDHeader, id)
		c.Request = c.Request.WithContext(x402.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// Logging writes one structured entry per request.
func Logging(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l.Info("HTTP request", map[string]any{
			"request_id": c.GetString(RequestIDKey),
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"latency":    time.Since(start).String(),
			"client_ip":  c.ClientIP(),
		})
	}
}

// Recovery turns a handler panic into a logged 500.
func Recovery(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				l.Error("request handler panic", map[string]any{
					"request_id": c.GetString(RequestIDKey),
					"panic":      err,
					"method":     c.Request.Method,
					"path":       c.Request.URL.Path,
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "Internal server error",
					"message": "unexpected failure",
				})
			}
		}()

		c.Next()
	}
}
