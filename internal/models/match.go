package models

import "time"

// Role 매치 내 플레이어 슬롯
type Role string

const (
	RolePlayer1 Role = "player1"
	RolePlayer2 Role = "player2"
)

// Roles 고정 순서의 역할 목록
var Roles = [2]Role{RolePlayer1, RolePlayer2}

func (r Role) Valid() bool {
	return r == RolePlayer1 || r == RolePlayer2
}

// Opponent 상대 역할
func (r Role) Opponent() Role {
	if r == RolePlayer1 {
		return RolePlayer2
	}
	return RolePlayer1
}

// Winner 라운드/매치 승자. 진행 중이면 빈 문자열.
type Winner string

const (
	WinnerNone    Winner = ""
	WinnerPlayer1 Winner = "player1"
	WinnerPlayer2 Winner = "player2"
	WinnerDraw    Winner = "draw"
)

// WinnerOf 역할을 승자 값으로 변환
func WinnerOf(r Role) Winner {
	return Winner(r)
}

// Role 승자 역할 (무승부/미정이면 false)
func (w Winner) Role() (Role, bool) {
	switch w {
	case WinnerPlayer1:
		return RolePlayer1, true
	case WinnerPlayer2:
		return RolePlayer2, true
	}
	return "", false
}

type MatchStatus string

const (
	MatchStatusPendingVerification MatchStatus = "pending-verification"
	MatchStatusSelecting           MatchStatus = "selecting"
	MatchStatusCountdown           MatchStatus = "countdown"
	MatchStatusInProgress          MatchStatus = "in-progress"
	MatchStatusEnded               MatchStatus = "ended"
	MatchStatusCancelled           MatchStatus = "cancelled"
)

// Terminal 종료 상태 여부
func (s MatchStatus) Terminal() bool {
	return s == MatchStatusEnded || s == MatchStatusCancelled
}

type MatchSession struct {
	ID                  string      `json:"matchId" db:"id"`
	Player1Address      string      `json:"player1Address" db:"player1_address"`
	Player2Address      string      `json:"player2Address" db:"player2_address"`
	Player1Character    string      `json:"player1Character,omitempty" db:"player1_character"`
	Player2Character    string      `json:"player2Character,omitempty" db:"player2_character"`
	Status              MatchStatus `json:"status" db:"status"`
	Practice            bool        `json:"practice" db:"practice"`
	Winner              Winner      `json:"winner,omitempty" db:"winner"`
	EndReason           string      `json:"endReason,omitempty" db:"end_reason"`
	Player1RoundsWon    int         `json:"player1RoundsWon" db:"player1_rounds_won"`
	Player2RoundsWon    int         `json:"player2RoundsWon" db:"player2_rounds_won"`
	OnChainSessionID    *uint32     `json:"onChainSessionId,omitempty" db:"onchain_session_id"`
	OnChainTxHash       *string     `json:"onChainTxHash,omitempty" db:"onchain_tx_hash"`
	ReplayURL           *string     `json:"replayUrl,omitempty" db:"replay_url"`
	CreatedAt           time.Time   `json:"createdAt" db:"created_at"`
	SelectionDeadlineAt time.Time   `json:"selectionDeadlineAt" db:"selection_deadline_at"`
	StartedAt           *time.Time  `json:"startedAt,omitempty" db:"started_at"`
	EndedAt             *time.Time  `json:"endedAt,omitempty" db:"ended_at"`
}

// RoleOf 주소에 해당하는 역할
func (s *MatchSession) RoleOf(address string) (Role, bool) {
	switch {
	case address == "":
		return "", false
	case address == s.Player1Address:
		return RolePlayer1, true
	case address == s.Player2Address:
		return RolePlayer2, true
	}
	return "", false
}

// AddressOf 역할에 해당하는 주소
func (s *MatchSession) AddressOf(r Role) string {
	if r == RolePlayer1 {
		return s.Player1Address
	}
	return s.Player2Address
}

// CharacterOf 역할이 고른 캐릭터
func (s *MatchSession) CharacterOf(r Role) string {
	if r == RolePlayer1 {
		return s.Player1Character
	}
	return s.Player2Character
}

// SetCharacter 역할의 캐릭터 설정
func (s *MatchSession) SetCharacter(r Role, characterID string) {
	if r == RolePlayer1 {
		s.Player1Character = characterID
	} else {
		s.Player2Character = characterID
	}
}
