package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/veilstar/brawl-backend/pkg/logger"
	"github.com/veilstar/brawl-backend/pkg/ratelimit"
)

// KeyFunc 요청에서 rate limit 키 추출
type KeyFunc func(*gin.Context) string

// IPKeyFunc IP 주소 기준 (공개 엔드포인트)
func IPKeyFunc(c *gin.Context) string {
	return fmt.Sprintf("ip:%s", c.ClientIP())
}

// AddressKeyFunc 티켓 또는 요청의 지갑 주소 기준, 없으면 IP
func AddressKeyFunc(c *gin.Context) string {
	if addr := c.GetString(KeyAddress); addr != "" {
		return "addr:" + addr
	}
	if addr := c.Query("address"); addr != "" {
		return "addr:" + addr
	}
	if addr := bodyAddress(c); addr != "" {
		return "addr:" + addr
	}
	return IPKeyFunc(c)
}

// bodyAddress JSON 본문의 address 필드. 핸들러가 다시 읽을 수 있게 본문을 되돌려 놓는다.
func bodyAddress(c *gin.Context) string {
	if c.Request.Body == nil || c.ContentType() != "application/json" {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	c.Request.Body.Close()
	c.Request.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return ""
	}

	var body struct {
		Address string `json:"address"`
	}
	if json.Unmarshal(data, &body) != nil {
		return ""
	}
	return body.Address
}

// RateLimit 요청 제한 미들웨어. 제한기 오류 시에는 요청을 통과시킨다 (fail-open).
func RateLimit(limiter ratelimit.Limiter, keyFunc KeyFunc) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = AddressKeyFunc
	}

	return func(c *gin.Context) {
		key := keyFunc(c)

		d, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("Rate limit check failed", "key", key, "error", err)
			c.Next()
			return
		}

		// Rate Limit 헤더 추가
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retryAfter := int(time.Until(d.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
