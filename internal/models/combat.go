package models

import (
	"fmt"
	"time"
)

type Move string

const (
	// MoveNone 제출되지 않은 수 (마감 초과)
	MoveNone    Move = ""
	MovePunch   Move = "punch"
	MoveKick    Move = "kick"
	MoveBlock   Move = "block"
	MoveSpecial Move = "special"
)

// Moves 고정 순서의 전체 수 목록
var Moves = [4]Move{MovePunch, MoveKick, MoveBlock, MoveSpecial}

func (m Move) Valid() bool {
	switch m {
	case MovePunch, MoveKick, MoveBlock, MoveSpecial:
		return true
	}
	return false
}

// ParseMove 문자열을 Move로 변환
func ParseMove(s string) (Move, error) {
	m := Move(s)
	if !m.Valid() {
		return MoveNone, fmt.Errorf("unknown move %q", s)
	}
	return m, nil
}

// PlayerCombatState 한 플레이어의 전투 상태. 라운드 해석기만 변경한다.
type PlayerCombatState struct {
	Health      int    `json:"health"`
	Energy      int    `json:"energy"`
	GuardMeter  int    `json:"guardMeter"`
	IsStunned   bool   `json:"isStunned"`
	CharacterID string `json:"characterId"`
	Role        Role   `json:"role"`
}

// MoveSubmission (matchId, role, round, turn) 당 최대 하나만 수락된다
type MoveSubmission struct {
	MatchID     string    `json:"matchId" db:"match_id"`
	Role        Role      `json:"player" db:"role"`
	RoundNumber int       `json:"roundNumber" db:"round_number"`
	TurnNumber  int       `json:"turnNumber" db:"turn_number"`
	SubmittedAt time.Time `json:"submittedAt" db:"submitted_at"`
	Move        Move      `json:"move" db:"move"`
	TxID        string    `json:"txId,omitempty" db:"tx_id"`
}

// SubmissionKey 제출 중복 판정 키
type SubmissionKey struct {
	MatchID     string
	Role        Role
	RoundNumber int
	TurnNumber  int
}

func (s MoveSubmission) Key() SubmissionKey {
	return SubmissionKey{
		MatchID:     s.MatchID,
		Role:        s.Role,
		RoundNumber: s.RoundNumber,
		TurnNumber:  s.TurnNumber,
	}
}

// PowerSurge 라운드마다 플레이어당 하나 고르는 파워 서지 카드
type PowerSurge struct {
	MatchID     string    `json:"matchId"`
	Role        Role      `json:"player"`
	RoundNumber int       `json:"roundNumber"`
	CardCode    uint32    `json:"cardCode"`
	SubmittedAt time.Time `json:"submittedAt"`
	TxID        string    `json:"txId,omitempty"`
}

// SurgeKey 파워 서지 중복 판정 키
type SurgeKey struct {
	MatchID     string
	Role        Role
	RoundNumber int
}

func (s PowerSurge) Key() SurgeKey {
	return SurgeKey{MatchID: s.MatchID, Role: s.Role, RoundNumber: s.RoundNumber}
}

// MatchFees 온체인에 기록된 수/파워 서지 호출과 플레이어가 낸 금액 (stroops)
type MatchFees struct {
	Player1Moves   int   `json:"player1Moves"`
	Player2Moves   int   `json:"player2Moves"`
	Player1Surges  int   `json:"player1Surges"`
	Player2Surges  int   `json:"player2Surges"`
	Player1Stroops int64 `json:"player1Stroops"`
	Player2Stroops int64 `json:"player2Stroops"`
	TotalStroops   int64 `json:"totalStroops"`
}

// RoundRecord 해석된 턴 하나. 리플레이/내보내기의 원본이며 추가만 된다.
type RoundRecord struct {
	MatchID         string            `json:"matchId" db:"match_id"`
	RoundNumber     int               `json:"roundNumber" db:"round_number"`
	TurnNumber      int               `json:"turnNumber" db:"turn_number"`
	Player1Move     Move              `json:"player1Move" db:"player1_move"`
	Player2Move     Move              `json:"player2Move" db:"player2_move"`
	Player1TimedOut bool              `json:"player1TimedOut" db:"player1_timed_out"`
	Player2TimedOut bool              `json:"player2TimedOut" db:"player2_timed_out"`
	Player1Damage   int               `json:"player1DamageDealt" db:"player1_damage"`
	Player2Damage   int               `json:"player2DamageDealt" db:"player2_damage"`
	Player1         PlayerCombatState `json:"player1" db:"player1_state"`
	Player2         PlayerCombatState `json:"player2" db:"player2_state"`
	Narrative       string            `json:"narrative" db:"narrative"`
	RoundWinner     Winner            `json:"roundWinner,omitempty" db:"round_winner"`
	IsRoundOver     bool              `json:"isRoundOver" db:"is_round_over"`
	IsMatchOver     bool              `json:"isMatchOver" db:"is_match_over"`
	ResolvedAt      time.Time         `json:"resolvedAt" db:"resolved_at"`
}
