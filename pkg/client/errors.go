package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/veilstar/brawl-backend/pkg/broadcast"
)

var (
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrAlreadyQueued      = errors.New("already in queue")
	ErrVerificationFailed = errors.New("match verification failed")
	ErrPeerTimeout        = errors.New("opponent did not reconnect in time")
	ErrViewClosed         = errors.New("match view closed")
	ErrNoActiveTurn       = errors.New("no active turn")
	ErrMatchOver          = errors.New("match already over")
)

// TransportError 서버/채널과의 통신 실패. 재시도 가능하며 세션을 끝내지 않는다.
type TransportError = broadcast.TransportError

// APIError 서버가 돌려준 에러 응답
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// rejected 서버가 매치를 명시적으로 거절한 경우. 같은 matchId로 재시도해도 소용없다.
func rejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict:
		return true
	}
	return false
}
