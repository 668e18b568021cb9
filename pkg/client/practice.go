package client

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/veilstar/brawl-backend/internal/ai"
	"github.com/veilstar/brawl-backend/internal/match"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	"go.uber.org/zap"
)

// PracticeConfig 로컬 연습 매치 설정
type PracticeConfig struct {
	Address         string
	Difficulty      ai.Difficulty
	Seed            int64
	SelectionWindow time.Duration
	Match           match.Config
	View            Config
	Clock           clockwork.Clock
	Logger          *zap.Logger
}

// Practice 서버 없이 로컬 심판과 AI 상대로 하는 매치. 정산과 레이팅은 없다.
type Practice struct {
	*MatchView
	runner *match.Runner
	bus    *broadcast.MemoryBus
	cancel context.CancelFunc
	runErr chan error
}

type runnerMover struct {
	runner  *match.Runner
	matchID string
	role    models.Role
	address string
}

func (m *runnerMover) SubmitMove(ctx context.Context, roundNumber, turnNumber int, move models.Move) error {
	err := m.runner.Submit(ctx, models.MoveSubmission{
		MatchID:     m.matchID,
		Role:        m.role,
		RoundNumber: roundNumber,
		TurnNumber:  turnNumber,
		Move:        move,
	})
	if errors.Is(err, match.ErrDuplicateSubmission) {
		return nil
	}
	return err
}

func (m *runnerMover) SubmitSurge(ctx context.Context, roundNumber int, cardCode uint32) error {
	err := m.runner.SubmitSurge(ctx, models.PowerSurge{
		MatchID:     m.matchID,
		Role:        m.role,
		RoundNumber: roundNumber,
		CardCode:    cardCode,
	})
	if errors.Is(err, match.ErrDuplicateSubmission) {
		return nil
	}
	return err
}

func (m *runnerMover) Forfeit(ctx context.Context) error {
	return m.runner.Forfeit(ctx, m.address)
}

// StartPractice 로컬 러너를 띄우고 player1으로 입장한다
func StartPractice(ctx context.Context, cfg PracticeConfig) (*Practice, error) {
	if cfg.Address == "" {
		return nil, ErrWalletNotConnected
	}
	if cfg.Difficulty == "" {
		cfg.Difficulty = ai.Medium
	}
	if cfg.SelectionWindow <= 0 {
		cfg.SelectionWindow = 30 * time.Second
	}
	if cfg.Match == (match.Config{}) {
		cfg.Match = match.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Seed == 0 {
		cfg.Seed = cfg.Clock.Now().UnixNano()
	}

	now := cfg.Clock.Now()
	session := models.MatchSession{
		ID:                  uuid.New().String(),
		Player1Address:      cfg.Address,
		Player2Address:      "ai:" + string(cfg.Difficulty),
		Status:              models.MatchStatusPendingVerification,
		Practice:            true,
		CreatedAt:           now,
		SelectionDeadlineAt: now.Add(cfg.SelectionWindow),
	}

	bus := broadcast.NewMemoryBus(cfg.Logger)
	policy := ai.NewPolicy(cfg.Difficulty, rand.New(rand.NewSource(cfg.Seed)))
	runner := match.NewRunner(match.NewMachine(session, cfg.Match), bus, nil,
		match.WithClock(cfg.Clock),
		match.WithLogger(cfg.Logger),
		match.WithOpponent(policy, ""))

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Practice{runner: runner, bus: bus, cancel: cancel, runErr: make(chan error, 1)}
	go func() { p.runErr <- runner.Run(runCtx) }()

	mover := &runnerMover{runner: runner, matchID: session.ID, role: models.RolePlayer1, address: cfg.Address}
	view, err := OpenMatchView(ctx, bus, Verification{Role: models.RolePlayer1, Session: session}, mover, cfg.View,
		WithViewClock(cfg.Clock),
		WithViewLogger(cfg.Logger))
	if err != nil {
		p.stop()
		return nil, err
	}
	p.MatchView = view

	if _, err := runner.Verify(ctx, cfg.Address); err != nil {
		view.Close()
		p.stop()
		return nil, err
	}
	return p, nil
}

// Close 뷰를 정리하고 러너를 멈춘다
func (p *Practice) Close() error {
	p.MatchView.Close()
	return p.stop()
}

func (p *Practice) stop() error {
	p.cancel()
	err := <-p.runErr
	p.runErr <- err
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
