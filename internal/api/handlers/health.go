package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// MatchCounter 진행 중인 심판 러너 수
type MatchCounter interface {
	ActiveCount() int
}

type HealthHandler struct {
	matches   MatchCounter
	startedAt time.Time
}

func NewHealthHandler(matches MatchCounter) *HealthHandler {
	return &HealthHandler{matches: matches, startedAt: time.Now()}
}

// HealthCheck godoc
// @Summary Health check
// @Description Liveness plus the number of matches this instance is refereeing
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{} "Server is healthy"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"service":       "veilstar-brawl-backend",
		"activeMatches": h.matches.ActiveCount(),
		"uptimeSeconds": int(time.Since(h.startedAt).Seconds()),
	})
}
