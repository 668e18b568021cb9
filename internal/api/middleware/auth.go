package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	jwtutil "github.com/veilstar/brawl-backend/pkg/jwt"
)

// 컨텍스트 키
const (
	KeyMatchID = "matchId"
	KeyAddress = "address"
	KeyRole    = "role"
)

// TicketFrom Authorization 헤더 또는 ticket 쿼리에서 매치 티켓 추출
func TicketFrom(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if t := c.Query("ticket"); t != "" {
			return t, nil
		}
		return "", errors.New("Authorization header required")
	}

	// "Bearer <token>" 형식 파싱
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("Invalid authorization header format")
	}
	return parts[1], nil
}

// Ticket 매치 티켓 인증 미들웨어. :id 경로의 매치 티켓만 통과한다.
func Ticket(tickets *jwtutil.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := TicketFrom(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			c.Abort()
			return
		}

		// 토큰 검증
		claims, err := tickets.VerifyFor(token, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired ticket",
			})
			c.Abort()
			return
		}

		// 검증 성공 - 티켓 정보를 context에 저장
		c.Set(KeyMatchID, claims.MatchID)
		c.Set(KeyAddress, claims.Address)
		c.Set(KeyRole, claims.Role)

		c.Next()
	}
}
