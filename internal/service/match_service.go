package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/veilstar/brawl-backend/internal/ai"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/internal/match"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/internal/settlement"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	jwtutil "github.com/veilstar/brawl-backend/pkg/jwt"
	"go.uber.org/zap"
)

// PlayerStore 플레이어 레이팅/전적 저장소
type PlayerStore interface {
	GetOrCreate(ctx context.Context, address string) (*models.Player, error)
	FindByAddress(ctx context.Context, address string) (*models.Player, error)
	ApplyResult(ctx context.Context, changes models.RatingChanges, winner models.Winner) error
	Top(ctx context.Context, limit, offset int) ([]*models.Player, error)
}

// MatchStore 매치/턴 기록/제출 저장소
type MatchStore interface {
	Create(ctx context.Context, s models.MatchSession) error
	Update(ctx context.Context, s models.MatchSession) error
	FindByID(ctx context.Context, id string) (*models.MatchSession, error)
	ListByAddress(ctx context.Context, address string, limit, offset int) ([]*models.MatchSession, error)
	FindStale(ctx context.Context, statuses []models.MatchStatus, cutoff time.Time) ([]string, error)
	SaveRound(ctx context.Context, rec models.RoundRecord) error
	ListRounds(ctx context.Context, matchID string) ([]models.RoundRecord, error)
	SaveSubmission(ctx context.Context, sub models.MoveSubmission) error
}

// ReplayStore 리플레이 내보내기
type ReplayStore interface {
	SaveReplay(matchID string, replay any) (string, error)
	GetFileURL(filePath string) string
}

// Replay 내보내는 리플레이 파일 형식
type Replay struct {
	Session models.MatchSession  `json:"session"`
	Records []models.RoundRecord `json:"records"`
	Surges  []models.PowerSurge  `json:"surges,omitempty"`
	Fees    *models.MatchFees    `json:"fees,omitempty"`
	Reason  string               `json:"reason"`
	Proof   *settlement.Proof    `json:"proof,omitempty"`
}

// VerifyResult 검증 성공 시 클라이언트에 돌려주는 값
type VerifyResult struct {
	Ticket  string              `json:"ticket"`
	Role    models.Role         `json:"role"`
	Session models.MatchSession `json:"session"`
}

type MatchServiceConfig struct {
	SelectionWindow time.Duration
	Match           match.Config
}

type MatchService struct {
	matches MatchStore
	players PlayerStore
	elo     *ELOService
	bus     broadcast.Bus
	tickets *jwtutil.JWTManager
	settler settlement.Settler
	prover  settlement.Prover
	replays ReplayStore
	clock   clockwork.Clock
	logger  *zap.Logger
	cfg     MatchServiceConfig

	mu      sync.Mutex
	runners map[string]*match.Runner
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type MatchServiceOption func(*MatchService)

func WithSettlement(s settlement.Settler, p settlement.Prover) MatchServiceOption {
	return func(m *MatchService) {
		m.settler = s
		m.prover = p
	}
}

func WithReplayStore(r ReplayStore) MatchServiceOption {
	return func(m *MatchService) { m.replays = r }
}

func WithServiceClock(c clockwork.Clock) MatchServiceOption {
	return func(m *MatchService) { m.clock = c }
}

func WithServiceLogger(l *zap.Logger) MatchServiceOption {
	return func(m *MatchService) { m.logger = l }
}

func NewMatchService(
	matches MatchStore,
	players PlayerStore,
	elo *ELOService,
	bus broadcast.Bus,
	tickets *jwtutil.JWTManager,
	cfg MatchServiceConfig,
	opts ...MatchServiceOption,
) *MatchService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MatchService{
		matches: matches,
		players: players,
		elo:     elo,
		bus:     bus,
		tickets: tickets,
		settler: settlement.Disabled{},
		prover:  settlement.DisabledProver{},
		clock:   clockwork.NewRealClock(),
		logger:  zap.NewNop(),
		cfg:     cfg,
		runners: make(map[string]*match.Runner),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession 매칭된 두 주소로 매치 생성 후 심판 러너 시작
func (s *MatchService) CreateSession(ctx context.Context, player1, player2 string) (*models.MatchSession, error) {
	if player1 == "" || player2 == "" || player1 == player2 {
		return nil, ErrInvalidInput
	}

	for _, addr := range []string{player1, player2} {
		if _, err := s.players.GetOrCreate(ctx, addr); err != nil {
			return nil, fmt.Errorf("failed to load player: %w", err)
		}
	}

	session := s.newSession(player1, player2, false)
	if err := s.matches.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create match: %w", err)
	}

	s.start(session, nil)

	s.logger.Info("Match created",
		zap.String("matchId", session.ID),
		zap.String("player1", player1),
		zap.String("player2", player2))
	return &session, nil
}

// CreatePractice AI 상대 연습 매치. 정산과 레이팅은 적용되지 않는다.
func (s *MatchService) CreatePractice(ctx context.Context, address string, difficulty ai.Difficulty, seed int64) (*models.MatchSession, error) {
	if address == "" {
		return nil, ErrWalletNotConnected
	}
	if seed == 0 {
		seed = s.clock.Now().UnixNano()
	}

	session := s.newSession(address, "ai:"+string(difficulty), true)
	if err := s.matches.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create match: %w", err)
	}

	policy := ai.NewPolicy(difficulty, rand.New(rand.NewSource(seed)))
	s.start(session, []match.RunnerOption{match.WithOpponent(policy, "")})

	s.logger.Info("Practice match created",
		zap.String("matchId", session.ID),
		zap.String("player", address),
		zap.String("difficulty", string(difficulty)))
	return &session, nil
}

func (s *MatchService) newSession(player1, player2 string, practice bool) models.MatchSession {
	now := s.clock.Now()
	return models.MatchSession{
		ID:                  uuid.New().String(),
		Player1Address:      player1,
		Player2Address:      player2,
		Status:              models.MatchStatusPendingVerification,
		Practice:            practice,
		CreatedAt:           now,
		SelectionDeadlineAt: now.Add(s.cfg.SelectionWindow),
	}
}

func (s *MatchService) start(session models.MatchSession, extra []match.RunnerOption) {
	hooks := &matchHooks{svc: s, practice: session.Practice}
	opts := append([]match.RunnerOption{
		match.WithClock(s.clock),
		match.WithLogger(s.logger),
	}, extra...)
	runner := match.NewRunner(match.NewMachine(session, s.cfg.Match), s.bus, hooks, opts...)

	s.mu.Lock()
	s.runners[session.ID] = runner
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := runner.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Match runner stopped", zap.String("matchId", session.ID), zap.Error(err))
		}
		s.mu.Lock()
		if s.runners[session.ID] == runner {
			delete(s.runners, session.ID)
		}
		s.mu.Unlock()
	}()
}

func (s *MatchService) runner(id string) *match.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[id]
}

// ActiveCount 실행 중인 러너 수
func (s *MatchService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

// Active 러너가 아직 돌고 있는지
func (s *MatchService) Active(matchID string) bool {
	r := s.runner(matchID)
	if r == nil {
		return false
	}
	select {
	case <-r.Done():
		return false
	default:
		return true
	}
}

// SweepRunners 종료된 러너를 레지스트리에서 제거
func (s *MatchService) SweepRunners() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.runners {
		select {
		case <-r.Done():
			delete(s.runners, id)
			removed++
		default:
		}
	}
	return removed
}

// closedOrMissing 러너가 없는 매치의 에러
func (s *MatchService) closedOrMissing(ctx context.Context, id string) error {
	stored, err := s.matches.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get match: %w", err)
	}
	if stored == nil {
		return ErrMatchNotFound
	}
	return ErrMatchClosed
}

// Verify 매칭 알림 검증. 참가자에게 매치 티켓을 발급한다.
func (s *MatchService) Verify(ctx context.Context, matchID, address string) (*VerifyResult, error) {
	if address == "" {
		return nil, ErrWalletNotConnected
	}
	r := s.runner(matchID)
	if r == nil {
		return nil, s.closedOrMissing(ctx, matchID)
	}

	role, err := r.Verify(ctx, address)
	if err != nil {
		return nil, mapMatchError(err)
	}

	ticket, err := s.tickets.Generate(matchID, address, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to issue ticket: %w", err)
	}

	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, mapMatchError(err)
	}

	return &VerifyResult{Ticket: ticket, Role: role, Session: snap.Session}, nil
}

// SubmitMove 티켓 소유자의 수 제출. 같은 수의 재전송은 match.ErrDuplicateSubmission.
func (s *MatchService) SubmitMove(ctx context.Context, matchID string, role models.Role, roundNumber, turnNumber int, move models.Move) error {
	r := s.runner(matchID)
	if r == nil {
		return s.closedOrMissing(ctx, matchID)
	}

	err := r.Submit(ctx, models.MoveSubmission{
		MatchID:     matchID,
		Role:        role,
		RoundNumber: roundNumber,
		TurnNumber:  turnNumber,
		Move:        move,
	})
	return mapMatchError(err)
}

// SubmitSurge 티켓 소유자의 라운드별 파워 서지 카드 선택
func (s *MatchService) SubmitSurge(ctx context.Context, matchID string, role models.Role, roundNumber int, cardCode uint32) error {
	r := s.runner(matchID)
	if r == nil {
		return s.closedOrMissing(ctx, matchID)
	}

	err := r.SubmitSurge(ctx, models.PowerSurge{
		MatchID:     matchID,
		Role:        role,
		RoundNumber: roundNumber,
		CardCode:    cardCode,
	})
	return mapMatchError(err)
}

// Forfeit 참가자의 기권
func (s *MatchService) Forfeit(ctx context.Context, matchID, address string) error {
	r := s.runner(matchID)
	if r == nil {
		return s.closedOrMissing(ctx, matchID)
	}
	return mapMatchError(r.Forfeit(ctx, address))
}

// Get 진행 중이면 러너의 스냅샷, 아니면 저장된 세션
func (s *MatchService) Get(ctx context.Context, matchID string) (*match.Snapshot, error) {
	if r := s.runner(matchID); r != nil {
		snap, err := r.Snapshot(ctx)
		if err == nil {
			return &snap, nil
		}
		if !match.IsStopped(err) {
			return nil, err
		}
	}

	stored, err := s.matches.FindByID(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	if stored == nil {
		return nil, ErrMatchNotFound
	}
	return &match.Snapshot{Session: *stored, Phase: phaseOf(stored.Status)}, nil
}

// Rounds 매치의 턴 기록
func (s *MatchService) Rounds(ctx context.Context, matchID string) ([]models.RoundRecord, error) {
	stored, err := s.matches.FindByID(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	if stored == nil {
		return nil, ErrMatchNotFound
	}
	return s.matches.ListRounds(ctx, matchID)
}

// History 플레이어의 매치 목록
func (s *MatchService) History(ctx context.Context, address string, page, pageSize int) ([]*models.MatchSession, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	matches, err := s.matches.ListByAddress(ctx, address, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get matches: %w", err)
	}
	return matches, nil
}

// Leaderboard 레이팅 순위
func (s *MatchService) Leaderboard(ctx context.Context, page, pageSize int) ([]*models.Player, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}
	return s.players.Top(ctx, pageSize, (page-1)*pageSize)
}

// Player 주소의 레이팅/전적
func (s *MatchService) Player(ctx context.Context, address string) (*models.Player, error) {
	p, err := s.players.FindByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// Abandon 러너가 없는데 종료되지 않은 세션을 취소 상태로 정리
func (s *MatchService) Abandon(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.matches.FindStale(ctx, []models.MatchStatus{
		models.MatchStatusPendingVerification,
		models.MatchStatusSelecting,
		models.MatchStatusCountdown,
		models.MatchStatusInProgress,
	}, cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		if s.runner(id) != nil {
			continue
		}
		stored, err := s.matches.FindByID(ctx, id)
		if err != nil || stored == nil {
			continue
		}
		now := s.clock.Now()
		stored.Status = models.MatchStatusCancelled
		stored.EndReason = events.CancelAbandoned
		stored.EndedAt = &now
		if err := s.matches.Update(ctx, *stored); err != nil {
			s.logger.Warn("Failed to cancel abandoned match", zap.String("matchId", id), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Stop 모든 러너에 종료를 알리고 기다린다. 진행 중인 매치는 server_shutdown으로 취소된다.
func (s *MatchService) Stop() {
	s.cancel()
	s.wg.Wait()
}

func phaseOf(status models.MatchStatus) match.Phase {
	switch status {
	case models.MatchStatusEnded:
		return match.PhaseEnded
	case models.MatchStatusCancelled:
		return match.PhaseCancelled
	case models.MatchStatusSelecting:
		return match.PhaseSelecting
	case models.MatchStatusCountdown:
		return match.PhaseCountdown
	case models.MatchStatusInProgress:
		return match.PhaseRoundActive
	}
	return match.PhaseVerifying
}

func mapMatchError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, match.ErrNotParticipant):
		return ErrNotParticipant
	case errors.Is(err, match.ErrMatchClosed), errors.Is(err, match.ErrRunnerStopped):
		return ErrMatchClosed
	}
	return err
}

// matchHooks 러너 작업 고루틴에서 순서대로 호출되므로 잠금이 필요 없다
type matchHooks struct {
	svc      *MatchService
	practice bool

	onChainID *uint32
	startTx   string
	ledger    settlement.Ledger
}

func (h *matchHooks) SessionChanged(ctx context.Context, session models.MatchSession) error {
	if err := h.svc.matches.Update(ctx, session); err != nil {
		return err
	}

	if h.practice || h.onChainID != nil || session.Status != models.MatchStatusInProgress {
		return nil
	}

	receipt, err := h.svc.settler.StartGame(ctx, session)
	if errors.Is(err, settlement.ErrDisabled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open on-chain session: %w", err)
	}
	id := receipt.SessionID
	h.onChainID = &id
	h.startTx = receipt.TxHash
	return nil
}

func (h *matchHooks) MoveAccepted(ctx context.Context, sub models.MoveSubmission) (string, error) {
	var recordErr error
	if !h.practice && h.onChainID != nil {
		txID, err := h.svc.settler.RecordMove(ctx, *h.onChainID, sub)
		if err != nil {
			recordErr = fmt.Errorf("failed to record move on-chain: %w", err)
		} else {
			h.ledger.AddMove(sub.Role)
		}
		sub.TxID = txID
	}

	if err := h.svc.matches.SaveSubmission(ctx, sub); err != nil && !isDuplicate(err) {
		return sub.TxID, errors.Join(recordErr, err)
	}
	return sub.TxID, recordErr
}

func (h *matchHooks) SurgeAccepted(ctx context.Context, surge models.PowerSurge) (string, error) {
	if h.practice || h.onChainID == nil {
		return "", nil
	}
	txID, err := h.svc.settler.RecordSurge(ctx, *h.onChainID, surge)
	if err != nil {
		return "", fmt.Errorf("failed to record power surge on-chain: %w", err)
	}
	h.ledger.AddSurge(surge.Role)
	return txID, nil
}

func (h *matchHooks) RoundResolved(ctx context.Context, record models.RoundRecord) error {
	return h.svc.matches.SaveRound(ctx, record)
}

func (h *matchHooks) MatchFinished(ctx context.Context, summary match.Summary) (match.Settlement, error) {
	var (
		st   match.Settlement
		errs []error
	)
	session := summary.Session

	if !h.practice {
		st.ContractID = h.svc.settler.ContractID()
		st.Fees = h.ledger.Fees()
		if h.onChainID != nil {
			st.OnChainSessionID = h.onChainID
			txHash := h.startTx
			receipt, err := h.svc.settler.EndGame(ctx, *h.onChainID, session.Winner)
			switch {
			case err == nil:
				txHash = receipt.TxHash
			case errors.Is(err, settlement.ErrNoWinner):
			default:
				errs = append(errs, fmt.Errorf("end game: %w", err))
			}
			if txHash != "" {
				st.OnChainTxHash = &txHash
			}
		}

		changes, err := h.applyRatings(ctx, session)
		if err != nil {
			errs = append(errs, fmt.Errorf("ratings: %w", err))
		} else {
			st.RatingChanges = changes
		}
	}

	var proof *settlement.Proof
	if !h.practice {
		p, err := h.svc.prover.Prove(ctx, settlement.Outcome{
			MatchID:        session.ID,
			Player1Address: session.Player1Address,
			Player2Address: session.Player2Address,
			Winner:         session.Winner,
			Records:        summary.Records,
		})
		if err == nil {
			proof = p
		} else if !errors.Is(err, settlement.ErrDisabled) {
			errs = append(errs, fmt.Errorf("proof: %w", err))
		}
	}

	if h.svc.replays != nil {
		path, err := h.svc.replays.SaveReplay(session.ID, Replay{
			Session: session,
			Records: summary.Records,
			Surges:  summary.Surges,
			Fees:    st.Fees,
			Reason:  summary.Reason,
			Proof:   proof,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("replay: %w", err))
		} else {
			st.ReplayURL = h.svc.replays.GetFileURL(path)
		}
	}

	session.OnChainSessionID = st.OnChainSessionID
	session.OnChainTxHash = st.OnChainTxHash
	if st.ReplayURL != "" {
		url := st.ReplayURL
		session.ReplayURL = &url
	}
	if err := h.svc.matches.Update(ctx, session); err != nil {
		errs = append(errs, err)
	}

	h.svc.logger.Info("Match finished",
		zap.String("matchId", session.ID),
		zap.String("winner", string(session.Winner)),
		zap.String("reason", summary.Reason),
		zap.Int("turns", len(summary.Records)))

	return st, errors.Join(errs...)
}

func (h *matchHooks) applyRatings(ctx context.Context, session models.MatchSession) (*models.RatingChanges, error) {
	p1, err := h.svc.players.GetOrCreate(ctx, session.Player1Address)
	if err != nil {
		return nil, err
	}
	p2, err := h.svc.players.GetOrCreate(ctx, session.Player2Address)
	if err != nil {
		return nil, err
	}

	changes := h.svc.elo.RatingChanges(*p1, *p2, session.Winner)
	if err := h.svc.players.ApplyResult(ctx, changes, session.Winner); err != nil {
		return nil, err
	}
	return &changes, nil
}
