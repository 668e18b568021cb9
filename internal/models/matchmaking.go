package models

import "time"

// MatchFound 매칭 알림 페이로드 (폴링 응답과 푸시 이벤트가 같은 형태)
type MatchFound struct {
	MatchID             string `json:"matchId"`
	Player1Address      string `json:"player1Address"`
	Player2Address      string `json:"player2Address"`
	SelectionDeadlineAt int64  `json:"selectionDeadlineAt"` // unix ms
}

// Involves 주소가 이 매칭의 참가자인지
func (f MatchFound) Involves(address string) bool {
	return address != "" && (f.Player1Address == address || f.Player2Address == address)
}

type QueueStatus struct {
	InQueue      bool        `json:"inQueue"`
	QueueSize    int         `json:"queueSize"`
	MatchPending bool        `json:"matchPending,omitempty"`
	MatchFound   *MatchFound `json:"matchFound,omitempty"`
}

// UnixMilli time을 wire 타임스탬프로 변환
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Pairing 매칭 기록
type Pairing struct {
	MatchID          string
	Player1Address   string
	Player2Address   string
	RatingDifference int
	Wait             time.Duration
}
