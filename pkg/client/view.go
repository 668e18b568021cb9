package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/internal/match"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	"go.uber.org/zap"
)

const viewOpTimeout = 5 * time.Second

// Mover 수 제출 경로 (서버 HTTP 또는 로컬 러너)
type Mover interface {
	SubmitMove(ctx context.Context, roundNumber, turnNumber int, move models.Move) error
	SubmitSurge(ctx context.Context, roundNumber int, cardCode uint32) error
	Forfeit(ctx context.Context) error
}

type apiMover struct {
	api     *API
	matchID string
	ticket  string
}

// NewAPIMover 검증 티켓으로 서버에 수를 제출
func NewAPIMover(api *API, v Verification) Mover {
	return &apiMover{api: api, matchID: v.Session.ID, ticket: v.Ticket}
}

func (m *apiMover) SubmitMove(ctx context.Context, roundNumber, turnNumber int, move models.Move) error {
	return m.api.SubmitMove(ctx, m.matchID, m.ticket, roundNumber, turnNumber, move)
}

func (m *apiMover) SubmitSurge(ctx context.Context, roundNumber int, cardCode uint32) error {
	return m.api.SubmitSurge(ctx, m.matchID, m.ticket, roundNumber, cardCode)
}

func (m *apiMover) Forfeit(ctx context.Context) error {
	return m.api.Forfeit(ctx, m.matchID, m.ticket)
}

// ViewState 클라이언트가 보는 매치 상태. 서버 이벤트가 올 때마다 교정되는 캐시다.
type ViewState struct {
	Phase             match.Phase
	Own               events.CharacterSelected
	Opponent          events.CharacterSelected
	StartsAt          int64
	RoundNumber       int
	TurnNumber        int
	DeadlineAt        int64
	LastRound         *events.RoundResolved
	Ended             *events.MatchEnded
	Cancelled         *events.MatchCancelled
	OpponentConnected bool
}

// CountdownRemaining 시작까지 남은 초. 최소 1.
func CountdownRemaining(startsAt int64, now time.Time) int {
	ms := startsAt - now.UnixMilli()
	if ms <= 0 {
		return 1
	}
	return int((ms + 999) / 1000)
}

// MatchView 매치 토픽 하나에 대한 클라이언트 뷰.
// 종료/취소 이벤트 후 CancelGrace가 지나면 한 번만 정리된다.
type MatchView struct {
	session models.MatchSession
	role    models.Role
	address string
	mover   Mover
	ch      broadcast.Channel
	clock   clockwork.Clock
	cfg     Config
	logger  *zap.Logger

	mu    sync.Mutex
	state ViewState

	updates   chan events.Event
	dropped   atomic.Int64
	onCleanup func()
	seed      *match.Snapshot

	scheduleOnce sync.Once
	grace        clockwork.Timer
	cleanupOnce  sync.Once
	done         chan struct{}
	loopDone     chan struct{}
}

type ViewOption func(*MatchView)

func WithViewClock(c clockwork.Clock) ViewOption {
	return func(v *MatchView) { v.clock = c }
}

func WithViewLogger(l *zap.Logger) ViewOption {
	return func(v *MatchView) { v.logger = l }
}

// WithOnCleanup 정리가 끝날 때 한 번 호출된다
func WithOnCleanup(fn func()) ViewOption {
	return func(v *MatchView) { v.onCleanup = fn }
}

// WithSnapshot 재접속 시 서버 스냅샷으로 초기 상태를 채운다
func WithSnapshot(snap match.Snapshot) ViewOption {
	return func(v *MatchView) { v.seed = &snap }
}

// ResumeMatchView 진행 중인 매치에 다시 붙는다. GET /matches/:id 스냅샷으로 상태를 맞춘 뒤 토픽을 연다.
func ResumeMatchView(ctx context.Context, api *API, bus broadcast.Bus, v Verification, mover Mover, cfg Config, opts ...ViewOption) (*MatchView, error) {
	snap, err := api.GetMatch(ctx, v.Session.ID)
	if err != nil {
		return nil, err
	}
	if snap.Phase == match.PhaseEnded || snap.Phase == match.PhaseCancelled {
		return nil, ErrMatchOver
	}
	v.Session = snap.Session
	return OpenMatchView(ctx, bus, v, mover, cfg, append(opts, WithSnapshot(*snap))...)
}

// OpenMatchView 매치 토픽을 열고 presence를 등록한다
func OpenMatchView(ctx context.Context, bus broadcast.Bus, v Verification, mover Mover, cfg Config, opts ...ViewOption) (*MatchView, error) {
	address := v.Session.AddressOf(v.Role)
	if address == "" {
		return nil, fmt.Errorf("unknown role %q", v.Role)
	}

	view := &MatchView{
		session:  v.Session,
		role:     v.Role,
		address:  address,
		mover:    mover,
		clock:    clockwork.NewRealClock(),
		cfg:      cfg.withDefaults(),
		logger:   zap.NewNop(),
		updates:  make(chan events.Event, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    ViewState{Phase: match.PhaseSelecting},
	}
	for _, opt := range opts {
		opt(view)
	}
	view.logger = view.logger.With(zap.String("match_id", v.Session.ID), zap.String("role", string(v.Role)))
	if view.seed != nil {
		view.state = seedState(*view.seed, v.Role)
	}

	ch, err := bus.Open(ctx, broadcast.GameTopic(v.Session.ID))
	if err != nil {
		return nil, err
	}
	if err := ch.Track(ctx, broadcast.Presence{Address: address, Role: string(v.Role), IsReady: true}); err != nil {
		ch.Close()
		return nil, err
	}
	view.ch = ch

	go view.loop()
	return view, nil
}

// Role 이 클라이언트의 역할
func (v *MatchView) Role() models.Role {
	return v.role
}

// Session 검증 시점의 세션
func (v *MatchView) Session() models.MatchSession {
	return v.session
}

// Events 상대/서버 이벤트. 정리되면 닫힌다.
// 읽지 않아도 상태는 계속 갱신되며, 버퍼가 차면 이벤트는 버려진다 (Dropped 참고).
func (v *MatchView) Events() <-chan events.Event {
	return v.updates
}

// Dropped 버퍼가 가득 차 전달하지 못한 이벤트 수
func (v *MatchView) Dropped() int64 {
	return v.dropped.Load()
}

// Done 정리가 끝나면 닫힌다
func (v *MatchView) Done() <-chan struct{} {
	return v.done
}

// State 현재 상태 사본
func (v *MatchView) State() ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Countdown 카운트다운 중 남은 초. 카운트다운이 아니면 0.
func (v *MatchView) Countdown() int {
	s := v.State()
	if s.Phase != match.PhaseCountdown {
		return 0
	}
	return CountdownRemaining(s.StartsAt, v.clock.Now())
}

// Err 매치가 상대 부재로 취소됐으면 ErrPeerTimeout
func (v *MatchView) Err() error {
	s := v.State()
	if s.Cancelled != nil && s.Cancelled.Reason == events.CancelOpponentAbsent {
		return ErrPeerTimeout
	}
	return nil
}

// SelectCharacter 캐릭터 선택 (locked면 확정)
func (v *MatchView) SelectCharacter(ctx context.Context, characterID string, locked bool) error {
	if v.closed() {
		return ErrViewClosed
	}
	sel := events.CharacterSelected{Player: v.role, CharacterID: characterID, Locked: locked}
	if err := events.Publish(ctx, v.ch, sel); err != nil {
		return err
	}
	v.mu.Lock()
	v.state.Own = sel
	v.mu.Unlock()
	return nil
}

// SubmitMove 현재 턴에 수 제출. 같은 수의 재전송은 서버가 멱등 처리한다.
func (v *MatchView) SubmitMove(ctx context.Context, move models.Move) error {
	if v.closed() {
		return ErrViewClosed
	}
	s := v.State()
	if s.Phase != match.PhaseRoundActive || s.TurnNumber == 0 {
		return ErrNoActiveTurn
	}
	return v.mover.SubmitMove(ctx, s.RoundNumber, s.TurnNumber, move)
}

// SubmitSurge 현재 라운드의 파워 서지 카드 선택. 카운트다운부터 라운드가 끝날 때까지 받는다.
func (v *MatchView) SubmitSurge(ctx context.Context, cardCode uint32) error {
	if v.closed() {
		return ErrViewClosed
	}
	s := v.State()
	switch s.Phase {
	case match.PhaseCountdown, match.PhaseRoundActive, match.PhaseRoundResolved:
	default:
		return ErrNoActiveTurn
	}
	round := s.RoundNumber
	if round == 0 {
		round = 1
	}
	return v.mover.SubmitSurge(ctx, round, cardCode)
}

// Forfeit 기권
func (v *MatchView) Forfeit(ctx context.Context) error {
	if v.closed() {
		return ErrViewClosed
	}
	return v.mover.Forfeit(ctx)
}

// Close 즉시 정리 (대기 중인 유예 타이머도 취소). 여러 번 호출해도 안전.
func (v *MatchView) Close() {
	v.cleanup()
	<-v.loopDone
}

func (v *MatchView) closed() bool {
	select {
	case <-v.done:
		return true
	default:
		return false
	}
}

func (v *MatchView) loop() {
	defer close(v.loopDone)
	defer close(v.updates)

	for {
		select {
		case <-v.done:
			return
		case msg, ok := <-v.ch.Messages():
			if !ok {
				if !v.closed() {
					v.logger.Warn("Match channel lost", zap.String("state", string(v.ch.State())))
					v.cleanup()
				}
				return
			}
			// 자기 에코는 무시
			if msg.Sender == v.ch.ID() {
				continue
			}
			e, err := events.Decode(msg)
			if err != nil {
				if !errors.Is(err, events.ErrUnknownEvent) {
					v.logger.Debug("Ignoring malformed event", zap.Error(err))
				}
				continue
			}
			v.apply(e)

			select {
			case v.updates <- e:
			default:
				if v.dropped.Add(1) == 1 {
					v.logger.Debug("Event buffer full, dropping events", zap.String("event", e.Name()))
				}
			}
		}
	}
}

// seedState 스냅샷을 뷰 상태로 옮긴다. 검증 대기 중인 매치는 선택 단계로 본다.
func seedState(snap match.Snapshot, role models.Role) ViewState {
	s := ViewState{Phase: snap.Phase, OpponentConnected: true}
	if s.Phase == match.PhaseVerifying {
		s.Phase = match.PhaseSelecting
	}
	locked := s.Phase != match.PhaseSelecting
	if id := snap.Session.CharacterOf(role); id != "" {
		s.Own = events.CharacterSelected{Player: role, CharacterID: id, Locked: locked}
	}
	if id := snap.Session.CharacterOf(role.Opponent()); id != "" {
		s.Opponent = events.CharacterSelected{Player: role.Opponent(), CharacterID: id, Locked: locked}
	}
	if s.Phase == match.PhaseSelecting {
		return s
	}
	s.StartsAt = snap.StartsAt
	s.RoundNumber = snap.State.RoundNumber
	s.TurnNumber = snap.State.TurnNumber
	s.DeadlineAt = snap.TurnDeadlineAt
	return s
}

func (v *MatchView) apply(e events.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := &v.state
	switch ev := e.(type) {
	case events.CharacterSelected:
		if ev.Player == v.role {
			s.Own = ev
		} else {
			s.Opponent = ev
		}
	case events.MatchStarting:
		s.Phase = match.PhaseCountdown
		s.StartsAt = ev.StartsAt
	case events.TurnStarted:
		s.Phase = match.PhaseRoundActive
		s.RoundNumber = ev.RoundNumber
		s.TurnNumber = ev.TurnNumber
		s.DeadlineAt = ev.DeadlineAt
	case events.RoundResolved:
		if s.LastRound != nil && s.LastRound.RoundNumber == ev.RoundNumber && s.LastRound.TurnNumber == ev.TurnNumber {
			return
		}
		s.Phase = match.PhaseRoundResolved
		r := ev
		s.LastRound = &r
	case events.MatchEnded:
		if s.Ended == nil && s.Cancelled == nil {
			s.Phase = match.PhaseEnded
			end := ev
			s.Ended = &end
		}
		v.scheduleCleanup()
	case events.MatchCancelled:
		if s.Ended == nil && s.Cancelled == nil {
			s.Phase = match.PhaseCancelled
			c := ev
			s.Cancelled = &c
		}
		v.scheduleCleanup()
	case events.PlayerDisconnected:
		if ev.Player != v.role {
			s.OpponentConnected = false
		}
	case events.PlayerReconnected:
		if ev.Player != v.role {
			s.OpponentConnected = true
		}
	case events.PresenceSync:
		s.OpponentConnected = events.Present(ev.Presences, v.session.AddressOf(v.role.Opponent()))
	}
}

// scheduleCleanup 중복 종료 이벤트가 와도 타이머는 하나만 건다
func (v *MatchView) scheduleCleanup() {
	v.scheduleOnce.Do(func() {
		v.grace = v.clock.AfterFunc(v.cfg.CancelGrace, v.cleanup)
	})
}

func (v *MatchView) cleanup() {
	v.cleanupOnce.Do(func() {
		close(v.done)

		v.mu.Lock()
		grace := v.grace
		v.mu.Unlock()
		if grace != nil {
			grace.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), viewOpTimeout)
		defer cancel()
		_ = v.ch.Untrack(ctx)
		_ = v.ch.Close()

		v.logger.Info("Match view cleaned up")
		if v.onCleanup != nil {
			v.onCleanup()
		}
	})
}
