package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veilstar/brawl-backend/internal/models"
)

// QueueAPI 대기열 핸들러가 쓰는 서비스 기능
type QueueAPI interface {
	Join(ctx context.Context, address string) (*models.QueueStatus, error)
	Leave(ctx context.Context, address string) error
	Status(ctx context.Context, address string) (*models.QueueStatus, error)
}

type QueueHandler struct {
	queue QueueAPI
}

func NewQueueHandler(queue QueueAPI) *QueueHandler {
	return &QueueHandler{queue: queue}
}

type QueueRequest struct {
	Address string `json:"address"`
}

// JoinQueue godoc
// @Summary Join the matchmaking queue
// @Tags queue
// @Accept json
// @Produce json
// @Param request body QueueRequest true "Wallet address"
// @Success 200 {object} models.QueueStatus
// @Failure 400 {object} map[string]string "Wallet not connected"
// @Failure 409 {object} map[string]string "Already queued"
// @Router /api/v1/queue [post]
func (h *QueueHandler) JoinQueue(c *gin.Context) {
	var req QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	status, err := h.queue.Join(c.Request.Context(), req.Address)
	if err != nil {
		respondError(c, err, "Failed to join queue")
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetQueueStatus 대기열 상태 조회 (폴링 경로)
func (h *QueueHandler) GetQueueStatus(c *gin.Context) {
	status, err := h.queue.Status(c.Request.Context(), c.Query("address"))
	if err != nil {
		respondError(c, err, "Failed to get queue status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// LeaveQueue 대기열 이탈 (멱등). 본문이 없으면 address 쿼리를 쓴다.
func (h *QueueHandler) LeaveQueue(c *gin.Context) {
	var req QueueRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	if req.Address == "" {
		req.Address = c.Query("address")
	}

	if err := h.queue.Leave(c.Request.Context(), req.Address); err != nil {
		respondError(c, err, "Failed to leave queue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}
