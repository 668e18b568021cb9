package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veilstar/brawl-backend/internal/ai"
	"github.com/veilstar/brawl-backend/internal/api/middleware"
	"github.com/veilstar/brawl-backend/internal/match"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/internal/service"
	"github.com/veilstar/brawl-backend/pkg/logger"
)

// MatchAPI 매치 핸들러가 쓰는 서비스 기능
type MatchAPI interface {
	Verify(ctx context.Context, matchID, address string) (*service.VerifyResult, error)
	SubmitMove(ctx context.Context, matchID string, role models.Role, roundNumber, turnNumber int, move models.Move) error
	SubmitSurge(ctx context.Context, matchID string, role models.Role, roundNumber int, cardCode uint32) error
	Forfeit(ctx context.Context, matchID, address string) error
	Get(ctx context.Context, matchID string) (*match.Snapshot, error)
	Rounds(ctx context.Context, matchID string) ([]models.RoundRecord, error)
	CreatePractice(ctx context.Context, address string, difficulty ai.Difficulty, seed int64) (*models.MatchSession, error)
}

// NoticeAcknowledger 검증을 마친 주소의 매칭 알림 제거
type NoticeAcknowledger interface {
	Acknowledge(ctx context.Context, address, matchID string) error
}

type MatchHandler struct {
	matches MatchAPI
	notices NoticeAcknowledger
}

func NewMatchHandler(matches MatchAPI, notices NoticeAcknowledger) *MatchHandler {
	return &MatchHandler{matches: matches, notices: notices}
}

// VerifyMatch godoc
// @Summary Verify a match notification and receive a match ticket
// @Tags matches
// @Produce json
// @Param id path string true "Match ID"
// @Param address query string true "Wallet address"
// @Success 200 {object} service.VerifyResult
// @Failure 403 {object} map[string]string "Not a participant"
// @Failure 404 {object} map[string]string "Match not found"
// @Failure 409 {object} map[string]string "Match closed"
// @Router /api/v1/matches/{id}/verify [get]
func (h *MatchHandler) VerifyMatch(c *gin.Context) {
	matchID := c.Param("id")
	address := c.Query("address")

	result, err := h.matches.Verify(c.Request.Context(), matchID, address)
	if err != nil {
		respondError(c, err, "Failed to verify match")
		return
	}

	if h.notices != nil {
		if err := h.notices.Acknowledge(c.Request.Context(), address, matchID); err != nil {
			logger.Warn("Failed to acknowledge match notice", "matchId", matchID, "address", address, "error", err)
		}
	}
	c.JSON(http.StatusOK, result)
}

// GetMatch 매치 스냅샷 조회
func (h *MatchHandler) GetMatch(c *gin.Context) {
	snap, err := h.matches.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to get match")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetRounds 매치의 턴 기록 조회
func (h *MatchHandler) GetRounds(c *gin.Context) {
	rounds, err := h.matches.Rounds(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to get rounds")
		return
	}
	if rounds == nil {
		rounds = []models.RoundRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"rounds": rounds,
		"total":  len(rounds),
	})
}

type SubmitMoveRequest struct {
	RoundNumber int    `json:"roundNumber" binding:"required,min=1"`
	TurnNumber  int    `json:"turnNumber" binding:"required,min=1"`
	Move        string `json:"move" binding:"required"`
}

// SubmitMove godoc
// @Summary Submit a move for the current turn
// @Tags matches
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Match ID"
// @Param request body SubmitMoveRequest true "Move"
// @Success 200 {object} map[string]interface{} "Accepted"
// @Failure 409 {object} map[string]string "Conflicting or late submission"
// @Router /api/v1/matches/{id}/moves [post]
func (h *MatchHandler) SubmitMove(c *gin.Context) {
	var req SubmitMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	move, err := models.ParseMove(req.Move)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := models.Role(c.GetString(middleware.KeyRole))
	err = h.matches.SubmitMove(c.Request.Context(), c.Param("id"), role, req.RoundNumber, req.TurnNumber, move)
	switch {
	case errors.Is(err, match.ErrDuplicateSubmission):
		// 같은 수의 재전송은 이미 수락된 것으로 응답
		c.JSON(http.StatusOK, gin.H{"accepted": true, "duplicate": true})
		return
	case err != nil:
		respondError(c, err, "Failed to submit move")
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

type SubmitSurgeRequest struct {
	RoundNumber int     `json:"roundNumber" binding:"required,min=1"`
	CardCode    *uint32 `json:"cardCode" binding:"required"`
}

// SubmitSurge godoc
// @Summary Pick a power surge card for the current round
// @Tags matches
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Match ID"
// @Param request body SubmitSurgeRequest true "Surge"
// @Success 200 {object} map[string]interface{} "Accepted"
// @Failure 409 {object} map[string]string "Already picked or round over"
// @Router /api/v1/matches/{id}/surges [post]
func (h *MatchHandler) SubmitSurge(c *gin.Context) {
	var req SubmitSurgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := models.Role(c.GetString(middleware.KeyRole))
	err := h.matches.SubmitSurge(c.Request.Context(), c.Param("id"), role, req.RoundNumber, *req.CardCode)
	switch {
	case errors.Is(err, match.ErrDuplicateSubmission):
		c.JSON(http.StatusOK, gin.H{"accepted": true, "duplicate": true})
		return
	case err != nil:
		respondError(c, err, "Failed to submit power surge")
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// Forfeit 티켓 소유자의 기권
func (h *MatchHandler) Forfeit(c *gin.Context) {
	if err := h.matches.Forfeit(c.Request.Context(), c.Param("id"), c.GetString(middleware.KeyAddress)); err != nil {
		respondError(c, err, "Failed to forfeit match")
		return
	}
	c.JSON(http.StatusOK, gin.H{"forfeited": true})
}

type PracticeRequest struct {
	Address    string `json:"address"`
	Difficulty string `json:"difficulty"`
	Seed       int64  `json:"seed"`
}

// CreatePractice AI 상대 연습 매치 생성. 이후 일반 매치처럼 검증 후 입장한다.
func (h *MatchHandler) CreatePractice(c *gin.Context) {
	var req PracticeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Difficulty == "" {
		req.Difficulty = string(ai.Medium)
	}
	difficulty, err := ai.ParseDifficulty(req.Difficulty)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.matches.CreatePractice(c.Request.Context(), req.Address, difficulty, req.Seed)
	if err != nil {
		respondError(c, err, "Failed to create practice match")
		return
	}
	c.JSON(http.StatusCreated, session)
}
