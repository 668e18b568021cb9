package match

import (
	"context"

	"github.com/veilstar/brawl-backend/internal/ai"
	"github.com/veilstar/brawl-backend/internal/models"
)

// Summary 종료된 매치 요약 (정산/리플레이 입력)
type Summary struct {
	Session models.MatchSession
	Records []models.RoundRecord
	Surges  []models.PowerSurge
	Reason  string
}

// Settlement 종료 처리 결과. 실패한 항목은 비워 둔다.
type Settlement struct {
	RatingChanges    *models.RatingChanges
	OnChainSessionID *uint32
	OnChainTxHash    *string
	ContractID       string
	ReplayURL        string
	Fees             *models.MatchFees
}

// Hooks 매치 진행 중 발생하는 부수 효과. 러너의 작업 고루틴에서 순서대로 호출된다.
type Hooks interface {
	SessionChanged(ctx context.Context, session models.MatchSession) error
	// MoveAccepted 정산 계층에 수를 기록하고 트랜잭션 ID를 돌려준다 (없으면 빈 문자열)
	MoveAccepted(ctx context.Context, sub models.MoveSubmission) (string, error)
	SurgeAccepted(ctx context.Context, surge models.PowerSurge) (string, error)
	RoundResolved(ctx context.Context, record models.RoundRecord) error
	MatchFinished(ctx context.Context, summary Summary) (Settlement, error)
}

// NopHooks 아무 것도 하지 않는 Hooks (연습 모드, 테스트)
type NopHooks struct{}

func (NopHooks) SessionChanged(context.Context, models.MatchSession) error { return nil }

func (NopHooks) MoveAccepted(context.Context, models.MoveSubmission) (string, error) {
	return "", nil
}

func (NopHooks) SurgeAccepted(context.Context, models.PowerSurge) (string, error) {
	return "", nil
}

func (NopHooks) RoundResolved(context.Context, models.RoundRecord) error { return nil }

func (NopHooks) MatchFinished(context.Context, Summary) (Settlement, error) {
	return Settlement{}, nil
}

// MoveSource 사람 대신 수를 내는 쪽 (연습 모드의 AI). *ai.Policy가 구현한다.
type MoveSource interface {
	Decide(v ai.View) models.Move
	Observe(opponentMove models.Move)
}
