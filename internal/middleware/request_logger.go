package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"chat_sync/pkg/logger"
)

func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			// токен в query не попадает в лог
			q := c.Request.URL.Query()
			if q.Has("access_token") {
				q.Set("access_token", "redacted")
			}
			path = path + "?" + q.Encode()
		}

		args := []any{
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		}
		if c.Writer.Status() >= 500 {
			log.Error("Request failed", args...)
			return
		}
		log.Info("Request", args...)
	}
}
