package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/veilstar/brawl-backend/internal/models"
)

// PlayerAPI 레이팅/전적 조회 기능
type PlayerAPI interface {
	Leaderboard(ctx context.Context, page, pageSize int) ([]*models.Player, error)
	Player(ctx context.Context, address string) (*models.Player, error)
	History(ctx context.Context, address string, page, pageSize int) ([]*models.MatchSession, error)
}

type LeaderboardHandler struct {
	players PlayerAPI
}

func NewLeaderboardHandler(players PlayerAPI) *LeaderboardHandler {
	return &LeaderboardHandler{players: players}
}

// GetLeaderboard godoc
// @Summary Get global leaderboard
// @Description Get players ranked by ELO rating
// @Tags leaderboard
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Page size" default(50)
// @Success 200 {object} map[string]interface{} "Leaderboard with player rankings"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /api/v1/leaderboard [get]
func (h *LeaderboardHandler) GetLeaderboard(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	players, err := h.players.Leaderboard(c.Request.Context(), page, limit)
	if err != nil {
		respondError(c, err, "Failed to get leaderboard")
		return
	}
	if players == nil {
		players = []*models.Player{}
	}

	c.JSON(http.StatusOK, gin.H{
		"leaderboard": players,
		"total":       len(players),
	})
}

// GetPlayer 플레이어 레이팅/전적
func (h *LeaderboardHandler) GetPlayer(c *gin.Context) {
	player, err := h.players.Player(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err, "Failed to get player")
		return
	}
	c.JSON(http.StatusOK, player)
}

// GetPlayerMatches 플레이어의 매치 목록
func (h *LeaderboardHandler) GetPlayerMatches(c *gin.Context) {
	address := c.Param("address")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	matches, err := h.players.History(c.Request.Context(), address, page, limit)
	if err != nil {
		respondError(c, err, "Failed to get matches")
		return
	}
	if matches == nil {
		matches = []*models.MatchSession{}
	}

	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"matches": matches,
		"total":   len(matches),
	})
}
