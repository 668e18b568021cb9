// Package events defines the closed set of messages exchanged on match and
// queue topics. Event names are matched only in Decode; everything downstream
// switches on the Go type.
package events

import (
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
)

// Event 이름
const (
	NameMatchFound         = "match_found"
	NameCharacterSelected  = "character_selected"
	NameMatchStarting      = "match_starting"
	NameTurnStarted        = "turn_started"
	NameMoveSubmitted      = "move_submitted"
	NameMoveConfirmed      = "move_confirmed"
	NameRoundResolved      = "round_resolved"
	NameMatchEnded         = "match_ended"
	NameMatchCancelled     = "match_cancelled"
	NamePlayerDisconnected = "player_disconnected"
	NamePlayerReconnected  = "player_reconnected"
	NamePowerSurge         = "power_surge"
	NameSurgeConfirmed     = "power_surge_confirmed"
)

// 매치 종료 사유
const (
	ReasonKnockout  = "knockout"
	ReasonRoundsWon = "rounds_won"
	ReasonForfeit   = "forfeit"
	ReasonTimeout   = "timeout"
)

// 매치 취소 사유
const (
	CancelVerificationTimeout = "verification_timeout"
	CancelOpponentAbsent      = "opponent_absent"
	CancelShutdown            = "server_shutdown"
	CancelAbandoned           = "abandoned"
)

// DefaultRedirect 취소 후 클라이언트가 이동할 경로
const DefaultRedirect = "/play"

// Event 닫힌 이벤트 집합. 이 패키지 밖에서는 구현할 수 없다.
type Event interface {
	Name() string
	sealed()
}

type MatchFound struct {
	models.MatchFound
}

type CharacterSelected struct {
	Player      models.Role `json:"player"`
	CharacterID string      `json:"characterId"`
	Locked      bool        `json:"locked"`
}

type Participant struct {
	Address     string `json:"address"`
	CharacterID string `json:"characterId"`
}

// MatchStarting StartsAt은 서버가 정한 절대 시각 (unix ms)
type MatchStarting struct {
	StartsAt int64       `json:"startsAt"`
	Player1  Participant `json:"player1"`
	Player2  Participant `json:"player2"`
}

type TurnStarted struct {
	RoundNumber int   `json:"roundNumber"`
	TurnNumber  int   `json:"turnNumber"`
	DeadlineAt  int64 `json:"deadlineAt"`
}

type MoveSubmitted struct {
	Player      models.Role `json:"player"`
	RoundNumber int         `json:"roundNumber"`
	TurnNumber  int         `json:"turnNumber"`
	SubmittedAt int64       `json:"submittedAt"`
}

type MoveConfirmed struct {
	Player      models.Role `json:"player"`
	RoundNumber int         `json:"roundNumber"`
	TurnNumber  int         `json:"turnNumber"`
	TxID        string      `json:"txId"`
	ConfirmedAt int64       `json:"confirmedAt"`
}

// PowerSurge 라운드의 파워 서지 선택. 카드는 바로 공개된다.
type PowerSurge struct {
	Player      models.Role `json:"player"`
	RoundNumber int         `json:"roundNumber"`
	CardCode    uint32      `json:"cardCode"`
	SubmittedAt int64       `json:"submittedAt"`
}

type SurgeConfirmed struct {
	Player      models.Role `json:"player"`
	RoundNumber int         `json:"roundNumber"`
	TxID        string      `json:"txId"`
	ConfirmedAt int64       `json:"confirmedAt"`
}

// PlayerTurn 한 턴 해석 후 플레이어 스냅샷
type PlayerTurn struct {
	Move            models.Move `json:"move"`
	DamageDealt     int         `json:"damageDealt"`
	HealthAfter     int         `json:"healthAfter"`
	EnergyAfter     int         `json:"energyAfter"`
	GuardMeterAfter int         `json:"guardMeterAfter"`
	IsStunned       bool        `json:"isStunned"`
}

type RoundResolved struct {
	RoundNumber      int           `json:"roundNumber"`
	TurnNumber       int           `json:"turnNumber"`
	Player1          PlayerTurn    `json:"player1"`
	Player2          PlayerTurn    `json:"player2"`
	Narrative        string        `json:"narrative"`
	RoundWinner      models.Winner `json:"roundWinner,omitempty"`
	IsRoundOver      bool          `json:"isRoundOver"`
	IsMatchOver      bool          `json:"isMatchOver"`
	Player1RoundsWon int           `json:"player1RoundsWon"`
	Player2RoundsWon int           `json:"player2RoundsWon"`
}

type FinalScore struct {
	Player1RoundsWon int `json:"player1RoundsWon"`
	Player2RoundsWon int `json:"player2RoundsWon"`
}

type MatchEnded struct {
	Winner           models.Winner         `json:"winner"`
	WinnerAddress    string                `json:"winnerAddress,omitempty"`
	Reason           string                `json:"reason"`
	FinalScore       FinalScore            `json:"finalScore"`
	RatingChanges    *models.RatingChanges `json:"ratingChanges,omitempty"`
	OnChainSessionID *uint32               `json:"onChainSessionId,omitempty"`
	OnChainTxHash    *string               `json:"onChainTxHash,omitempty"`
	ContractID       string                `json:"contractId,omitempty"`
	ReplayURL        string                `json:"replayUrl,omitempty"`
	Fees             *models.MatchFees     `json:"fees,omitempty"`
}

type MatchCancelled struct {
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	RedirectTo string `json:"redirectTo"`
}

type PlayerDisconnected struct {
	Player    models.Role `json:"player"`
	Address   string      `json:"address"`
	Timestamp int64       `json:"timestamp"`
}

type PlayerReconnected struct {
	Player    models.Role `json:"player"`
	Address   string      `json:"address"`
	Timestamp int64       `json:"timestamp"`
}

// PresenceJoin 등 presence 이벤트는 페이로드 대신 Message.Presences에서 만들어진다
type PresenceJoin struct {
	Presences []broadcast.Presence `json:"presences"`
}

type PresenceLeave struct {
	Presences []broadcast.Presence `json:"presences"`
}

type PresenceSync struct {
	Presences []broadcast.Presence `json:"presences"`
}

func (MatchFound) Name() string         { return NameMatchFound }
func (CharacterSelected) Name() string  { return NameCharacterSelected }
func (MatchStarting) Name() string      { return NameMatchStarting }
func (TurnStarted) Name() string        { return NameTurnStarted }
func (MoveSubmitted) Name() string      { return NameMoveSubmitted }
func (MoveConfirmed) Name() string      { return NameMoveConfirmed }
func (RoundResolved) Name() string      { return NameRoundResolved }
func (MatchEnded) Name() string         { return NameMatchEnded }
func (MatchCancelled) Name() string     { return NameMatchCancelled }
func (PlayerDisconnected) Name() string { return NamePlayerDisconnected }
func (PlayerReconnected) Name() string  { return NamePlayerReconnected }
func (PowerSurge) Name() string         { return NamePowerSurge }
func (SurgeConfirmed) Name() string     { return NameSurgeConfirmed }
func (PresenceJoin) Name() string       { return broadcast.EventPresenceJoin }
func (PresenceLeave) Name() string      { return broadcast.EventPresenceLeave }
func (PresenceSync) Name() string       { return broadcast.EventPresenceSync }

func (MatchFound) sealed()         {}
func (CharacterSelected) sealed()  {}
func (MatchStarting) sealed()      {}
func (TurnStarted) sealed()        {}
func (MoveSubmitted) sealed()      {}
func (MoveConfirmed) sealed()      {}
func (RoundResolved) sealed()      {}
func (MatchEnded) sealed()         {}
func (MatchCancelled) sealed()     {}
func (PlayerDisconnected) sealed() {}
func (PlayerReconnected) sealed()  {}
func (PowerSurge) sealed()         {}
func (SurgeConfirmed) sealed()     {}
func (PresenceJoin) sealed()       {}
func (PresenceLeave) sealed()      {}
func (PresenceSync) sealed()       {}

// Terminal match_ended / match_cancelled 여부
func Terminal(e Event) bool {
	switch e.(type) {
	case MatchEnded, MatchCancelled:
		return true
	}
	return false
}
