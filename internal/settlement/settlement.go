package settlement

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/veilstar/brawl-backend/internal/models"
)

var (
	// ErrNoWinner 무승부 매치는 온체인 종료를 보고하지 않는다
	ErrNoWinner = errors.New("match has no winner")
	ErrDisabled = errors.New("settlement disabled")
)

// MoveCostStroops 컨트랙트가 submit_move/submit_power_surge 호출마다 플레이어에게 받는 금액 (0.0001 XLM)
const MoveCostStroops int64 = 1_000

// Receipt 온체인 세션 식별자
type Receipt struct {
	SessionID uint32 `json:"sessionId"`
	TxHash    string `json:"txHash"`
}

// Settler 체인 정산 협력자. 트랜잭션 서명은 원격 서비스가 맡는다.
type Settler interface {
	StartGame(ctx context.Context, session models.MatchSession) (Receipt, error)
	RecordMove(ctx context.Context, sessionID uint32, sub models.MoveSubmission) (string, error)
	RecordSurge(ctx context.Context, sessionID uint32, surge models.PowerSurge) (string, error)
	EndGame(ctx context.Context, sessionID uint32, winner models.Winner) (Receipt, error)
	ContractID() string
}

// Outcome 증명 생성 입력
type Outcome struct {
	MatchID        string               `json:"matchId"`
	Player1Address string               `json:"player1Address"`
	Player2Address string               `json:"player2Address"`
	Winner         models.Winner        `json:"winner"`
	Records        []models.RoundRecord `json:"records"`
}

// Proof 증명 산출물. 내용은 해석하지 않고 전달만 한다.
type Proof struct {
	Artifact          []byte `json:"artifact"`
	VerificationKeyID string `json:"verificationKeyId"`
	Verified          bool   `json:"verified"`
}

// Prover ZK 증명 협력자
type Prover interface {
	Prove(ctx context.Context, outcome Outcome) (*Proof, error)
}

// SessionIDFor 매치 ID에서 온체인 세션 ID(u32)를 유도
func SessionIDFor(matchID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(matchID))
	return h.Sum32()
}

// moveCode 컨트랙트의 MoveType 값
func moveCode(m models.Move) int {
	for i, mv := range models.Moves {
		if mv == m {
			return i
		}
	}
	return -1
}

// Ledger 매치 동안 컨트랙트가 받은 호출 수. 비용은 호출마다 MoveCostStroops.
type Ledger struct {
	moves  map[models.Role]int
	surges map[models.Role]int
}

func (l *Ledger) AddMove(r models.Role) {
	if l.moves == nil {
		l.moves = make(map[models.Role]int)
	}
	l.moves[r]++
}

func (l *Ledger) AddSurge(r models.Role) {
	if l.surges == nil {
		l.surges = make(map[models.Role]int)
	}
	l.surges[r]++
}

// Charged 역할이 낸 금액
func (l *Ledger) Charged(r models.Role) int64 {
	return int64(l.moves[r]+l.surges[r]) * MoveCostStroops
}

// Empty 기록된 호출이 없으면 true
func (l *Ledger) Empty() bool {
	return len(l.moves) == 0 && len(l.surges) == 0
}

// Fees 요약. 기록이 없으면 nil.
func (l *Ledger) Fees() *models.MatchFees {
	if l.Empty() {
		return nil
	}
	p1, p2 := l.Charged(models.RolePlayer1), l.Charged(models.RolePlayer2)
	return &models.MatchFees{
		Player1Moves:   l.moves[models.RolePlayer1],
		Player2Moves:   l.moves[models.RolePlayer2],
		Player1Surges:  l.surges[models.RolePlayer1],
		Player2Surges:  l.surges[models.RolePlayer2],
		Player1Stroops: p1,
		Player2Stroops: p2,
		TotalStroops:   p1 + p2,
	}
}

// Disabled 연습 모드 또는 설정이 없을 때 쓰는 정산자
type Disabled struct{}

func (Disabled) StartGame(context.Context, models.MatchSession) (Receipt, error) {
	return Receipt{}, ErrDisabled
}

func (Disabled) RecordMove(context.Context, uint32, models.MoveSubmission) (string, error) {
	return "", nil
}

func (Disabled) RecordSurge(context.Context, uint32, models.PowerSurge) (string, error) {
	return "", nil
}

func (Disabled) EndGame(context.Context, uint32, models.Winner) (Receipt, error) {
	return Receipt{}, ErrDisabled
}

func (Disabled) ContractID() string { return "" }

// DisabledProver 증명을 생성하지 않는다
type DisabledProver struct{}

func (DisabledProver) Prove(context.Context, Outcome) (*Proof, error) {
	return nil, ErrDisabled
}
