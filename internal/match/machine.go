// Package match runs the authoritative referee for a single match: character
// selection, the turn loop, presence tracking and termination. Machine is a
// plain state machine driven by its caller; Runner owns the event loop.
package match

import (
	"fmt"
	"sort"
	"time"

	"github.com/veilstar/brawl-backend/internal/combat"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
)

type Phase string

const (
	PhaseVerifying     Phase = "verifying"
	PhaseSelecting     Phase = "selecting"
	PhaseCountdown     Phase = "countdown"
	PhaseRoundActive   Phase = "round_active"
	PhaseRoundResolved Phase = "round_resolved"
	PhaseFinalizing    Phase = "finalizing"
	PhaseEnded         Phase = "match_ended"
	PhaseCancelled     Phase = "cancelled"
)

// Config 매치 타이밍. 모든 마감은 절대 시각으로 계산된다.
type Config struct {
	Countdown       time.Duration
	MoveWindow      time.Duration
	RoundBreak      time.Duration
	ReconnectWindow time.Duration
	MaxIdleTurns    int
}

// DefaultConfig 서버 기본값
func DefaultConfig() Config {
	return Config{
		Countdown:       3 * time.Second,
		MoveWindow:      15 * time.Second,
		RoundBreak:      3 * time.Second,
		ReconnectWindow: 15 * time.Second,
		MaxIdleTurns:    3,
	}
}

// Task 러너가 비동기로 실행할 부수 효과
type Task interface{ task() }

type SessionChangedTask struct{ Session models.MatchSession }

type RecordMoveTask struct{ Submission models.MoveSubmission }

type RecordSurgeTask struct{ Surge models.PowerSurge }

type RoundResolvedTask struct{ Record models.RoundRecord }

type FinalizeTask struct{ Summary Summary }

func (SessionChangedTask) task() {}
func (RecordMoveTask) task()     {}
func (RecordSurgeTask) task()    {}
func (RoundResolvedTask) task()  {}
func (FinalizeTask) task()       {}

// Result 작업 결과. Apply로 머신에 되돌린다.
type Result interface{ result() }

type MoveRecorded struct {
	Submission models.MoveSubmission
	TxID       string
}

type SurgeRecorded struct {
	Surge models.PowerSurge
	TxID  string
}

type Finalized struct {
	Settlement Settlement
}

func (MoveRecorded) result()  {}
func (SurgeRecorded) result() {}
func (Finalized) result()     {}

// Snapshot 조회용 상태 사본
type Snapshot struct {
	Session        models.MatchSession `json:"session"`
	Phase          Phase               `json:"phase"`
	State          combat.State        `json:"state"`
	StartsAt       int64               `json:"startsAt,omitempty"`
	TurnDeadlineAt int64               `json:"turnDeadlineAt,omitempty"`
}

type selection struct {
	characterID string
	locked      bool
}

type presenceState struct {
	synthetic   bool
	present     bool
	seen        bool
	absentUntil time.Time
}

// Machine 매치 하나의 심판 상태. 동시 사용은 안전하지 않다.
type Machine struct {
	cfg     Config
	session models.MatchSession
	phase   Phase

	verified  map[models.Role]bool
	selection map[models.Role]selection
	presence  map[models.Role]*presenceState

	state        combat.State
	startsAt     time.Time
	turnDeadline time.Time
	breakUntil   time.Time
	idleTurns    int

	pending  map[models.Role]models.MoveSubmission
	accepted map[models.SubmissionKey]models.Move
	records  []models.RoundRecord
	surges   map[models.SurgeKey]models.PowerSurge

	outbox []events.Event
	tasks  []Task
}

// NewMachine 매치 생성 직후 (pending-verification) 상태의 머신
func NewMachine(session models.MatchSession, cfg Config) *Machine {
	session.Status = models.MatchStatusPendingVerification
	m := &Machine{
		cfg:       cfg,
		session:   session,
		phase:     PhaseVerifying,
		verified:  make(map[models.Role]bool),
		selection: make(map[models.Role]selection),
		presence:  make(map[models.Role]*presenceState),
		pending:   make(map[models.Role]models.MoveSubmission),
		accepted:  make(map[models.SubmissionKey]models.Move),
		surges:    make(map[models.SurgeKey]models.PowerSurge),
	}
	for _, r := range models.Roles {
		m.presence[r] = &presenceState{}
	}
	return m
}

func (m *Machine) Phase() Phase {
	return m.phase
}

func (m *Machine) Session() models.MatchSession {
	return m.session
}

func (m *Machine) Combat() combat.State {
	return m.state
}

// Finished match_ended 또는 cancelled
func (m *Machine) Finished() bool {
	return m.phase == PhaseEnded || m.phase == PhaseCancelled
}

// inPlay 라운드가 시작된 뒤 매치가 끝나기 전
func (m *Machine) inPlay() bool {
	switch m.phase {
	case PhaseRoundActive, PhaseRoundResolved, PhaseFinalizing:
		return true
	}
	return false
}

func (m *Machine) closed() bool {
	return m.Finished() || m.phase == PhaseFinalizing
}

// Outbox 방송할 이벤트를 꺼낸다
func (m *Machine) Outbox() []events.Event {
	out := m.outbox
	m.outbox = nil
	return out
}

// Tasks 실행할 작업을 꺼낸다
func (m *Machine) Tasks() []Task {
	out := m.tasks
	m.tasks = nil
	return out
}

func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{
		Session:  m.session,
		Phase:    m.phase,
		State:    m.state,
		StartsAt: models.UnixMilli(m.startsAt),
	}
	if m.phase == PhaseRoundActive {
		snap.TurnDeadlineAt = models.UnixMilli(m.turnDeadline)
	}
	return snap
}

// Records 지금까지 해석된 턴 기록 (복사본)
func (m *Machine) Records() []models.RoundRecord {
	return append([]models.RoundRecord(nil), m.records...)
}

// Surges 수락된 파워 서지 (라운드, 역할 순)
func (m *Machine) Surges() []models.PowerSurge {
	out := make([]models.PowerSurge, 0, len(m.surges))
	for _, s := range m.surges {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoundNumber != out[j].RoundNumber {
			return out[i].RoundNumber < out[j].RoundNumber
		}
		return out[i].Role < out[j].Role
	})
	return out
}

func (m *Machine) emit(e events.Event) {
	m.outbox = append(m.outbox, e)
}

func (m *Machine) schedule(t Task) {
	m.tasks = append(m.tasks, t)
}

func (m *Machine) sessionChanged() {
	m.schedule(SessionChangedTask{Session: m.session})
}

// Attach 역할을 항상 접속 중으로 취급 (연습 모드 AI)
func (m *Machine) Attach(r models.Role) {
	if p, ok := m.presence[r]; ok {
		p.synthetic = true
		p.present = true
		p.seen = true
	}
}

// Verify 참가자가 매칭을 확인했다. 양쪽 모두 확인하면 selecting으로 넘어간다.
func (m *Machine) Verify(address string, now time.Time) (models.Role, error) {
	role, ok := m.session.RoleOf(address)
	if !ok {
		return "", ErrNotParticipant
	}
	if m.closed() {
		return role, ErrMatchClosed
	}
	if m.verified[role] {
		return role, nil
	}
	m.verified[role] = true

	if m.phase == PhaseVerifying && m.verified[models.RolePlayer1] && m.verified[models.RolePlayer2] {
		m.phase = PhaseSelecting
		m.session.Status = models.MatchStatusSelecting
		m.sessionChanged()
		m.maybeStartCountdown(now)
	}
	return role, nil
}

// Select 캐릭터 선택. locked면 확정이며 이후 변경할 수 없다.
func (m *Machine) Select(r models.Role, characterID string, locked bool, now time.Time) error {
	if !r.Valid() {
		return ErrUnknownRole
	}
	if !combat.ValidCharacter(characterID) {
		return ErrInvalidCharacter
	}
	if m.phase != PhaseVerifying && m.phase != PhaseSelecting {
		return ErrNotSelecting
	}
	if !m.verified[r] {
		return ErrNotParticipant
	}
	if cur := m.selection[r]; cur.locked {
		if cur.characterID == characterID {
			return nil
		}
		return ErrNotSelecting
	}

	m.selection[r] = selection{characterID: characterID, locked: locked}
	if locked {
		m.session.SetCharacter(r, characterID)
		m.maybeStartCountdown(now)
	}
	return nil
}

func (m *Machine) maybeStartCountdown(now time.Time) {
	if m.phase != PhaseSelecting {
		return
	}
	for _, r := range models.Roles {
		if !m.selection[r].locked {
			return
		}
	}

	m.phase = PhaseCountdown
	m.session.Status = models.MatchStatusCountdown
	m.startsAt = now.Add(m.cfg.Countdown)
	m.state = combat.NewState(m.session.Player1Character, m.session.Player2Character)

	m.emit(events.MatchStarting{
		StartsAt: models.UnixMilli(m.startsAt),
		Player1:  events.Participant{Address: m.session.Player1Address, CharacterID: m.session.Player1Character},
		Player2:  events.Participant{Address: m.session.Player2Address, CharacterID: m.session.Player2Character},
	})
	m.sessionChanged()
}

// Handle 채널에서 받은 이벤트 (자기 에코는 호출자가 걸러낸다)
func (m *Machine) Handle(e events.Event, now time.Time) {
	switch ev := e.(type) {
	case events.CharacterSelected:
		// 잘못된 선택은 조용히 버린다. 클라이언트는 다음 확정 이벤트로 교정된다.
		_ = m.Select(ev.Player, ev.CharacterID, ev.Locked, now)
	case events.PresenceSync:
		m.syncPresence(ev.Presences, now)
	case events.PresenceJoin, events.PresenceLeave:
		// sync가 항상 뒤따른다
	}
}

func (m *Machine) syncPresence(list []broadcast.Presence, now time.Time) {
	if m.Finished() {
		return
	}
	for _, r := range models.Roles {
		p := m.presence[r]
		if p.synthetic {
			continue
		}
		here := events.Present(list, m.session.AddressOf(r))
		switch {
		case here && !p.present:
			p.present = true
			p.seen = true
			if !p.absentUntil.IsZero() {
				p.absentUntil = time.Time{}
				m.emit(events.PlayerReconnected{Player: r, Address: m.session.AddressOf(r), Timestamp: models.UnixMilli(now)})
			}
		case !here && p.present:
			p.present = false
			m.markAbsent(r, now)
		}
	}
}

// markAbsent player_disconnected 후 재접속 대기 시작
func (m *Machine) markAbsent(r models.Role, now time.Time) {
	p := m.presence[r]
	if !p.absentUntil.IsZero() || m.closed() {
		return
	}
	p.absentUntil = now.Add(m.cfg.ReconnectWindow)
	m.emit(events.PlayerDisconnected{Player: r, Address: m.session.AddressOf(r), Timestamp: models.UnixMilli(now)})
}

// Submit 비공개 수 제출. (matchId, role, round, turn) 당 하나만 수락한다.
func (m *Machine) Submit(sub models.MoveSubmission, now time.Time) error {
	if !sub.Role.Valid() {
		return ErrUnknownRole
	}
	if !sub.Move.Valid() {
		return ErrInvalidMove
	}
	sub.MatchID = m.session.ID

	if prev, ok := m.accepted[sub.Key()]; ok {
		if prev == sub.Move {
			return ErrDuplicateSubmission
		}
		return ErrConflictingSubmission
	}
	if m.closed() {
		return ErrMatchClosed
	}
	if m.phase != PhaseRoundActive {
		return ErrNotAcceptingMoves
	}
	if sub.RoundNumber != m.state.RoundNumber || sub.TurnNumber != m.state.TurnNumber {
		if sub.RoundNumber < m.state.RoundNumber ||
			(sub.RoundNumber == m.state.RoundNumber && sub.TurnNumber < m.state.TurnNumber) {
			return ErrLateSubmission
		}
		return ErrNotAcceptingMoves
	}
	if !now.Before(m.turnDeadline) {
		return ErrLateSubmission
	}

	sub.SubmittedAt = now
	m.accepted[sub.Key()] = sub.Move
	m.pending[sub.Role] = sub

	m.emit(events.MoveSubmitted{
		Player:      sub.Role,
		RoundNumber: sub.RoundNumber,
		TurnNumber:  sub.TurnNumber,
		SubmittedAt: models.UnixMilli(now),
	})
	m.schedule(RecordMoveTask{Submission: sub})

	if len(m.pending) == len(models.Roles) {
		m.resolve(now)
	}
	return nil
}

// SubmitSurge 라운드 파워 서지 선택. (matchId, role, round) 당 하나만 수락하며
// 카운트다운부터 해당 라운드가 끝나기 전까지 받는다.
func (m *Machine) SubmitSurge(surge models.PowerSurge, now time.Time) error {
	if !surge.Role.Valid() {
		return ErrUnknownRole
	}
	surge.MatchID = m.session.ID

	if prev, ok := m.surges[surge.Key()]; ok {
		if prev.CardCode == surge.CardCode {
			return ErrDuplicateSubmission
		}
		return ErrConflictingSubmission
	}
	if m.closed() {
		return ErrMatchClosed
	}
	switch m.phase {
	case PhaseCountdown, PhaseRoundActive, PhaseRoundResolved:
	default:
		return ErrNotAcceptingMoves
	}
	if surge.RoundNumber < m.state.RoundNumber {
		return ErrLateSubmission
	}
	if surge.RoundNumber != m.state.RoundNumber {
		return ErrNotAcceptingMoves
	}

	surge.SubmittedAt = now
	m.surges[surge.Key()] = surge
	m.emit(events.PowerSurge{
		Player:      surge.Role,
		RoundNumber: surge.RoundNumber,
		CardCode:    surge.CardCode,
		SubmittedAt: models.UnixMilli(now),
	})
	m.schedule(RecordSurgeTask{Surge: surge})
	return nil
}

// Tick 마감 검사. 러너가 주기적으로 호출한다.
func (m *Machine) Tick(now time.Time) {
	if m.closed() {
		return
	}

	switch m.phase {
	case PhaseVerifying, PhaseSelecting:
		if !now.Before(m.session.SelectionDeadlineAt) {
			m.selectionExpired(now)
		}
	case PhaseCountdown:
		if !now.Before(m.startsAt) {
			m.beginPlay(now)
		}
	case PhaseRoundActive:
		if !now.Before(m.turnDeadline) {
			m.resolve(now)
		}
	case PhaseRoundResolved:
		if !now.Before(m.breakUntil) {
			m.startTurn(now)
		}
	}

	if !m.closed() {
		m.checkReconnects(now)
	}
}

func (m *Machine) selectionExpired(now time.Time) {
	if m.phase == PhaseVerifying {
		m.Cancel(events.CancelVerificationTimeout, "Match was not confirmed in time", now)
		return
	}
	for _, r := range models.Roles {
		if m.selection[r].locked {
			continue
		}
		id := m.selection[r].characterID
		if id == "" {
			id = combat.DefaultCharacter
		}
		m.selection[r] = selection{characterID: id, locked: true}
		m.session.SetCharacter(r, id)
		m.emit(events.CharacterSelected{Player: r, CharacterID: id, Locked: true})
	}
	m.maybeStartCountdown(now)
}

func (m *Machine) beginPlay(now time.Time) {
	started := now
	m.session.Status = models.MatchStatusInProgress
	m.session.StartedAt = &started
	m.sessionChanged()

	for _, r := range models.Roles {
		if !m.presence[r].present {
			m.markAbsent(r, now)
		}
	}
	m.startTurn(now)
}

func (m *Machine) startTurn(now time.Time) {
	m.phase = PhaseRoundActive
	m.turnDeadline = now.Add(m.cfg.MoveWindow)
	m.pending = make(map[models.Role]models.MoveSubmission)

	m.emit(events.TurnStarted{
		RoundNumber: m.state.RoundNumber,
		TurnNumber:  m.state.TurnNumber,
		DeadlineAt:  models.UnixMilli(m.turnDeadline),
	})
}

func (m *Machine) resolve(now time.Time) {
	s1, ok1 := m.pending[models.RolePlayer1]
	s2, ok2 := m.pending[models.RolePlayer2]

	out := combat.Resolve(m.state, s1.Move, s2.Move)

	record := models.RoundRecord{
		MatchID:         m.session.ID,
		RoundNumber:     out.RoundNumber,
		TurnNumber:      out.TurnNumber,
		Player1Move:     out.Player1.Move,
		Player2Move:     out.Player2.Move,
		Player1TimedOut: !ok1,
		Player2TimedOut: !ok2,
		Player1Damage:   out.Player1.DamageDealt,
		Player2Damage:   out.Player2.DamageDealt,
		Player1:         out.Player1.After,
		Player2:         out.Player2.After,
		Narrative:       out.Narrative,
		RoundWinner:     out.RoundWinner,
		IsRoundOver:     out.IsRoundOver,
		IsMatchOver:     out.IsMatchOver,
		ResolvedAt:      now,
	}
	m.records = append(m.records, record)
	m.state = out.Next
	m.pending = make(map[models.Role]models.MoveSubmission)
	m.session.Player1RoundsWon = out.Next.Player1RoundsWon
	m.session.Player2RoundsWon = out.Next.Player2RoundsWon

	m.phase = PhaseRoundResolved
	m.emit(events.RoundResolved{
		RoundNumber:      out.RoundNumber,
		TurnNumber:       out.TurnNumber,
		Player1:          events.TurnOf(out.Player1.Move, out.Player1.DamageDealt, out.Player1.After),
		Player2:          events.TurnOf(out.Player2.Move, out.Player2.DamageDealt, out.Player2.After),
		Narrative:        out.Narrative,
		RoundWinner:      out.RoundWinner,
		IsRoundOver:      out.IsRoundOver,
		IsMatchOver:      out.IsMatchOver,
		Player1RoundsWon: out.Next.Player1RoundsWon,
		Player2RoundsWon: out.Next.Player2RoundsWon,
	})
	m.schedule(RoundResolvedTask{Record: record})

	if !ok1 && !ok2 {
		m.idleTurns++
	} else {
		m.idleTurns = 0
	}

	switch {
	case out.IsMatchOver:
		reason := events.ReasonRoundsWon
		if out.KnockOut {
			reason = events.ReasonKnockout
		}
		m.finish(out.MatchWinner, reason, now)
	case m.cfg.MaxIdleTurns > 0 && m.idleTurns >= m.cfg.MaxIdleTurns:
		m.finish(m.state.Leader(), events.ReasonTimeout, now)
	case out.IsRoundOver:
		m.breakUntil = now.Add(m.cfg.RoundBreak)
	default:
		m.startTurn(now)
	}
}

func (m *Machine) checkReconnects(now time.Time) {
	var expired []models.Role
	for _, r := range models.Roles {
		p := m.presence[r]
		if !p.absentUntil.IsZero() && !now.Before(p.absentUntil) {
			expired = append(expired, r)
		}
	}
	if len(expired) == 0 {
		return
	}

	inPlay := m.phase == PhaseRoundActive || m.phase == PhaseRoundResolved
	switch {
	case len(expired) == len(models.Roles):
		m.Cancel(events.CancelAbandoned, "Both players left the match", now)
	case inPlay:
		m.finish(models.WinnerOf(expired[0].Opponent()), events.ReasonForfeit, now)
	default:
		m.Cancel(events.CancelOpponentAbsent, "Opponent did not reconnect in time", now)
	}
}

// Forfeit 참가자의 자진 포기
func (m *Machine) Forfeit(address string, now time.Time) error {
	role, ok := m.session.RoleOf(address)
	if !ok {
		return ErrNotParticipant
	}
	if m.closed() {
		return ErrMatchClosed
	}
	if m.phase != PhaseRoundActive && m.phase != PhaseRoundResolved {
		m.Cancel(events.CancelOpponentAbsent, "A player left before the match started", now)
		return nil
	}
	m.finish(models.WinnerOf(role.Opponent()), events.ReasonForfeit, now)
	return nil
}

func (m *Machine) finish(winner models.Winner, reason string, now time.Time) {
	ended := now
	m.phase = PhaseFinalizing
	m.session.Status = models.MatchStatusEnded
	m.session.Winner = winner
	m.session.EndReason = reason
	m.session.EndedAt = &ended

	m.schedule(FinalizeTask{Summary: Summary{
		Session: m.session,
		Records: m.Records(),
		Surges:  m.Surges(),
		Reason:  reason,
	}})
}

// Cancel 치명적 사유로 매치를 취소한다. 이미 끝났으면 아무 일도 하지 않는다.
func (m *Machine) Cancel(reason, message string, now time.Time) bool {
	if m.closed() {
		return false
	}
	ended := now
	m.phase = PhaseCancelled
	m.session.Status = models.MatchStatusCancelled
	m.session.EndReason = reason
	m.session.EndedAt = &ended

	m.emit(events.MatchCancelled{Reason: reason, Message: message, RedirectTo: events.DefaultRedirect})
	m.sessionChanged()
	return true
}

// Apply 작업 결과 반영
func (m *Machine) Apply(res Result, now time.Time) {
	switch r := res.(type) {
	case MoveRecorded:
		if !m.inPlay() || r.TxID == "" {
			return
		}
		if move, ok := m.accepted[r.Submission.Key()]; !ok || move != r.Submission.Move {
			return
		}
		sub := r.Submission
		sub.TxID = r.TxID
		if p, ok := m.pending[sub.Role]; ok && p.Key() == sub.Key() {
			m.pending[sub.Role] = sub
		}
		m.emit(events.MoveConfirmed{
			Player:      sub.Role,
			RoundNumber: sub.RoundNumber,
			TurnNumber:  sub.TurnNumber,
			TxID:        r.TxID,
			ConfirmedAt: models.UnixMilli(now),
		})
	case SurgeRecorded:
		if (m.phase != PhaseCountdown && !m.inPlay()) || r.TxID == "" {
			return
		}
		key := r.Surge.Key()
		surge, ok := m.surges[key]
		if !ok || surge.CardCode != r.Surge.CardCode {
			return
		}
		surge.TxID = r.TxID
		m.surges[key] = surge
		m.emit(events.SurgeConfirmed{
			Player:      surge.Role,
			RoundNumber: surge.RoundNumber,
			TxID:        r.TxID,
			ConfirmedAt: models.UnixMilli(now),
		})
	case Finalized:
		if m.phase != PhaseFinalizing {
			return
		}
		m.phase = PhaseEnded
		st := r.Settlement
		m.session.OnChainSessionID = st.OnChainSessionID
		m.session.OnChainTxHash = st.OnChainTxHash
		if st.ReplayURL != "" {
			url := st.ReplayURL
			m.session.ReplayURL = &url
		}

		ended := events.MatchEnded{
			Winner:           m.session.Winner,
			Reason:           m.session.EndReason,
			FinalScore:       events.FinalScore{Player1RoundsWon: m.session.Player1RoundsWon, Player2RoundsWon: m.session.Player2RoundsWon},
			RatingChanges:    st.RatingChanges,
			OnChainSessionID: st.OnChainSessionID,
			OnChainTxHash:    st.OnChainTxHash,
			ContractID:       st.ContractID,
			ReplayURL:        st.ReplayURL,
			Fees:             st.Fees,
		}
		if role, ok := m.session.Winner.Role(); ok {
			ended.WinnerAddress = m.session.AddressOf(role)
		}
		m.emit(ended)
	default:
		panic(fmt.Sprintf("match: unknown result %T", res))
	}
}
