package api

import (
	"github.com/gin-gonic/gin"
	"github.com/veilstar/brawl-backend/internal/api/handlers"
	"github.com/veilstar/brawl-backend/internal/api/middleware"
	"github.com/veilstar/brawl-backend/internal/config"
	"github.com/veilstar/brawl-backend/internal/websocket"
	jwtutil "github.com/veilstar/brawl-backend/pkg/jwt"
	"github.com/veilstar/brawl-backend/pkg/ratelimit"
)

// QueueService 대기열 API
type QueueService interface {
	handlers.QueueAPI
	handlers.NoticeAcknowledger
}

// MatchService 매치/플레이어 API
type MatchService interface {
	handlers.MatchAPI
	handlers.PlayerAPI
	handlers.MatchCounter
}

// Services 라우터가 쓰는 서비스 묶음. main에서 생성해 넘긴다.
type Services struct {
	Queue   QueueService
	Matches MatchService
	Hub     *websocket.Hub
	Tickets *jwtutil.JWTManager
	Limiter ratelimit.Limiter
}

// SetupRouter API 라우터 설정
func SetupRouter(cfg *config.Config, svc Services) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// 전역 미들웨어
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Handler 초기화
	queueHandler := handlers.NewQueueHandler(svc.Queue)
	matchHandler := handlers.NewMatchHandler(svc.Matches, svc.Queue)
	leaderboardHandler := handlers.NewLeaderboardHandler(svc.Matches)
	wsHandler := handlers.NewWebSocketHandler(svc.Hub, svc.Tickets)
	healthHandler := handlers.NewHealthHandler(svc.Matches)

	limit := func(c *gin.Context) { c.Next() }
	if svc.Limiter != nil {
		limit = middleware.RateLimit(svc.Limiter, middleware.AddressKeyFunc)
	}
	ticket := middleware.Ticket(svc.Tickets)

	// Health check
	router.GET("/health", healthHandler.HealthCheck)

	// 리플레이 파일 서빙
	router.Static("/storage", cfg.StoragePath)

	// API v1
	v1 := router.Group("/api/v1")
	{
		// WebSocket endpoint
		v1.GET("/ws", wsHandler.HandleWebSocket)

		// Queue routes
		queue := v1.Group("/queue")
		{
			queue.POST("", limit, queueHandler.JoinQueue)
			queue.GET("", limit, queueHandler.GetQueueStatus)
			queue.DELETE("", limit, queueHandler.LeaveQueue)
		}

		// Match routes
		matches := v1.Group("/matches")
		{
			matches.GET("/:id", matchHandler.GetMatch)
			matches.GET("/:id/verify", limit, matchHandler.VerifyMatch)
			matches.GET("/:id/rounds", matchHandler.GetRounds)
			matches.POST("/:id/moves", ticket, limit, matchHandler.SubmitMove)
			matches.POST("/:id/surges", ticket, limit, matchHandler.SubmitSurge)
			matches.POST("/:id/forfeit", ticket, matchHandler.Forfeit)
		}

		v1.POST("/practice", limit, matchHandler.CreatePractice)

		// Leaderboard routes
		v1.GET("/leaderboard", leaderboardHandler.GetLeaderboard)

		players := v1.Group("/players")
		{
			players.GET("/:address", leaderboardHandler.GetPlayer)
			players.GET("/:address/matches", leaderboardHandler.GetPlayerMatches)
		}
	}

	return router
}
