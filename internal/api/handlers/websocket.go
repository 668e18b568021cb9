package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veilstar/brawl-backend/internal/api/middleware"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/internal/websocket"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	jwtutil "github.com/veilstar/brawl-backend/pkg/jwt"
)

// WebSocketHandler WebSocket 연결 처리
type WebSocketHandler struct {
	hub     *websocket.Hub
	tickets *jwtutil.JWTManager
}

// NewWebSocketHandler WebSocketHandler 생성
func NewWebSocketHandler(hub *websocket.Hub, tickets *jwtutil.JWTManager) *WebSocketHandler {
	return &WebSocketHandler{
		hub:     hub,
		tickets: tickets,
	}
}

// HandleWebSocket WebSocket 연결 엔드포인트.
// 매치 토픽은 해당 매치의 티켓이 필요하고, 대기열 토픽은 익명 읽기 전용이다.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	topic := c.Query("topic")

	var identity websocket.Identity
	switch matchID, isGame := broadcast.MatchIDOf(topic); {
	case isGame:
		token, err := middleware.TicketFrom(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		claims, err := h.tickets.VerifyFor(token, matchID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired ticket"})
			return
		}
		identity = websocket.Identity{
			Address: claims.Address,
			Role:    models.Role(claims.Role),
			MatchID: claims.MatchID,
		}
	case topic == broadcast.QueueTopic:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown topic"})
		return
	}

	// WebSocket 연결 업그레이드
	websocket.ServeWs(h.hub, c.Writer, c.Request, topic, identity)
}
