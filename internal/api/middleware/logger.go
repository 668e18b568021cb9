package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/veilstar/brawl-backend/pkg/logger"
)

// Logger HTTP 요청 로깅 미들웨어
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		kv := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", latency,
			"ip", c.ClientIP(),
		}
		// 티켓이 쿼리로 오는 경우가 있어 쿼리 문자열은 남기지 않는다
		switch {
		case status >= 500:
			logger.Error("HTTP Request", kv...)
		case status >= 400:
			logger.Warn("HTTP Request", kv...)
		default:
			logger.Info("HTTP Request", kv...)
		}
	}
}
