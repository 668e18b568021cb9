package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veilstar/brawl-backend/internal/match"
	"github.com/veilstar/brawl-backend/internal/service"
	"github.com/veilstar/brawl-backend/pkg/logger"
)

// statusOf 서비스/매치 에러를 HTTP 상태 코드로 변환
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrWalletNotConnected),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, match.ErrInvalidMove),
		errors.Is(err, match.ErrInvalidCharacter),
		errors.Is(err, match.ErrUnknownRole):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, service.ErrMatchNotFound),
		errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrNotQueued):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyQueued),
		errors.Is(err, service.ErrMatchClosed),
		errors.Is(err, match.ErrConflictingSubmission),
		errors.Is(err, match.ErrLateSubmission),
		errors.Is(err, match.ErrNotAcceptingMoves),
		errors.Is(err, match.ErrNotSelecting):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondError 에러 응답. 내부 오류는 메시지를 숨기고 로그만 남긴다.
func respondError(c *gin.Context, err error, fallback string) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.Error(fallback, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": fallback})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
