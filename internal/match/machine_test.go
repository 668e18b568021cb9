package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilstar/brawl-backend/internal/combat"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func testSession() models.MatchSession {
	return models.MatchSession{
		ID:                  "match-1",
		Player1Address:      "GA",
		Player2Address:      "GB",
		CreatedAt:           t0,
		SelectionDeadlineAt: t0.Add(30 * time.Second),
	}
}

func both() []broadcast.Presence {
	return []broadcast.Presence{
		{Key: "c1", Address: "GA", Role: "player1"},
		{Key: "c2", Address: "GB", Role: "player2"},
	}
}

func only(address string) []broadcast.Presence {
	var out []broadcast.Presence
	for _, p := range both() {
		if p.Address == address {
			out = append(out, p)
		}
	}
	return out
}

// startedMachine 양쪽 확인/선택/입장 후 1라운드 1턴이 열린 머신
func startedMachine(t *testing.T) (*Machine, time.Time) {
	t.Helper()
	m := NewMachine(testSession(), DefaultConfig())

	_, err := m.Verify("GA", t0)
	require.NoError(t, err)
	_, err = m.Verify("GB", t0)
	require.NoError(t, err)
	m.Handle(events.PresenceSync{Presences: both()}, t0)

	require.NoError(t, m.Select(models.RolePlayer1, "ronin", true, t0))
	require.NoError(t, m.Select(models.RolePlayer2, "vex", true, t0))
	require.Equal(t, PhaseCountdown, m.Phase())

	start := t0.Add(DefaultConfig().Countdown)
	m.Tick(start)
	require.Equal(t, PhaseRoundActive, m.Phase())
	m.Outbox()
	m.Tasks()
	return m, start
}

func submit(m *Machine, r models.Role, move models.Move, now time.Time) error {
	s := m.Combat()
	return m.Submit(models.MoveSubmission{Role: r, RoundNumber: s.RoundNumber, TurnNumber: s.TurnNumber, Move: move}, now)
}

func eventsOf[T events.Event](out []events.Event) []T {
	var found []T
	for _, e := range out {
		if v, ok := e.(T); ok {
			found = append(found, v)
		}
	}
	return found
}

func finalizeTask(t *testing.T, tasks []Task) FinalizeTask {
	t.Helper()
	for _, task := range tasks {
		if f, ok := task.(FinalizeTask); ok {
			return f
		}
	}
	t.Fatal("no finalize task scheduled")
	return FinalizeTask{}
}

func TestMachine_SelectionToCountdown(t *testing.T) {
	m := NewMachine(testSession(), DefaultConfig())
	assert.Equal(t, models.MatchStatusPendingVerification, m.Session().Status)

	_, err := m.Verify("GZ", t0)
	assert.ErrorIs(t, err, ErrNotParticipant)

	role, err := m.Verify("GA", t0)
	require.NoError(t, err)
	assert.Equal(t, models.RolePlayer1, role)
	assert.Equal(t, PhaseVerifying, m.Phase())

	// 확인하지 않은 역할의 선택은 무시된다
	m.Handle(events.CharacterSelected{Player: models.RolePlayer2, CharacterID: "vex", Locked: true}, t0)
	m.Handle(events.CharacterSelected{Player: models.RolePlayer1, CharacterID: "ronin", Locked: true}, t0)

	_, err = m.Verify("GB", t0)
	require.NoError(t, err)
	assert.Equal(t, PhaseSelecting, m.Phase())

	m.Handle(events.CharacterSelected{Player: models.RolePlayer2, CharacterID: "vex", Locked: true}, t0.Add(time.Second))
	require.Equal(t, PhaseCountdown, m.Phase())

	starting := eventsOf[events.MatchStarting](m.Outbox())
	require.Len(t, starting, 1)
	assert.Equal(t, models.UnixMilli(t0.Add(4*time.Second)), starting[0].StartsAt)
	assert.Equal(t, "ronin", starting[0].Player1.CharacterID)
	assert.Equal(t, "GB", starting[0].Player2.Address)

	// 확정 후 변경 불가
	assert.ErrorIs(t, m.Select(models.RolePlayer1, "kira", true, t0), ErrNotSelecting)
}

func TestMachine_VerificationTimeoutCancels(t *testing.T) {
	m := NewMachine(testSession(), DefaultConfig())
	_, err := m.Verify("GA", t0)
	require.NoError(t, err)

	m.Tick(t0.Add(29 * time.Second))
	assert.Equal(t, PhaseVerifying, m.Phase())

	m.Tick(t0.Add(30 * time.Second))
	require.Equal(t, PhaseCancelled, m.Phase())

	cancelled := eventsOf[events.MatchCancelled](m.Outbox())
	require.Len(t, cancelled, 1)
	assert.Equal(t, events.CancelVerificationTimeout, cancelled[0].Reason)
	assert.Equal(t, "/play", cancelled[0].RedirectTo)
	assert.Equal(t, models.MatchStatusCancelled, m.Session().Status)
}

func TestMachine_SelectionDeadlineAutoLocks(t *testing.T) {
	m := NewMachine(testSession(), DefaultConfig())
	m.Verify("GA", t0)
	m.Verify("GB", t0)

	require.NoError(t, m.Select(models.RolePlayer1, "kira", false, t0))
	m.Outbox()

	m.Tick(t0.Add(30 * time.Second))
	require.Equal(t, PhaseCountdown, m.Phase())

	out := m.Outbox()
	locked := eventsOf[events.CharacterSelected](out)
	require.Len(t, locked, 2)
	assert.Equal(t, "kira", locked[0].CharacterID)
	assert.Equal(t, combat.DefaultCharacter, locked[1].CharacterID)
	assert.True(t, locked[1].Locked)

	starting := eventsOf[events.MatchStarting](out)
	require.Len(t, starting, 1)
	assert.Equal(t, combat.DefaultCharacter, starting[0].Player2.CharacterID)
}

func TestMachine_NoDoubleSubmission(t *testing.T) {
	m, now := startedMachine(t)

	require.NoError(t, submit(m, models.RolePlayer1, models.MoveKick, now))
	assert.ErrorIs(t, submit(m, models.RolePlayer1, models.MoveKick, now), ErrDuplicateSubmission)
	assert.ErrorIs(t, submit(m, models.RolePlayer1, models.MovePunch, now), ErrConflictingSubmission)

	out := m.Outbox()
	assert.Len(t, eventsOf[events.MoveSubmitted](out), 1)
	assert.Len(t, m.Tasks(), 1)
	assert.Equal(t, PhaseRoundActive, m.Phase())

	require.NoError(t, submit(m, models.RolePlayer2, models.MovePunch, now.Add(time.Second)))

	records := m.Records()
	require.Len(t, records, 1)
	assert.Equal(t, models.MoveKick, records[0].Player1Move)
	assert.Equal(t, 22, records[0].Player1Damage)

	// 이미 해석된 턴에 대한 재전송도 멱등
	err := m.Submit(models.MoveSubmission{Role: models.RolePlayer1, RoundNumber: 1, TurnNumber: 1, Move: models.MoveKick}, now.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrDuplicateSubmission)
	err = m.Submit(models.MoveSubmission{Role: models.RolePlayer2, RoundNumber: 1, TurnNumber: 1, Move: models.MoveKick}, now.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrConflictingSubmission)
	assert.Len(t, m.Records(), 1)
}

func TestMachine_SubmissionValidation(t *testing.T) {
	m := NewMachine(testSession(), DefaultConfig())
	err := m.Submit(models.MoveSubmission{Role: models.RolePlayer1, RoundNumber: 1, TurnNumber: 1, Move: models.MovePunch}, t0)
	assert.ErrorIs(t, err, ErrNotAcceptingMoves)

	m, now := startedMachine(t)
	assert.ErrorIs(t, submit(m, "player3", models.MovePunch, now), ErrUnknownRole)
	assert.ErrorIs(t, submit(m, models.RolePlayer1, "uppercut", now), ErrInvalidMove)

	err = m.Submit(models.MoveSubmission{Role: models.RolePlayer1, RoundNumber: 1, TurnNumber: 2, Move: models.MovePunch}, now)
	assert.ErrorIs(t, err, ErrNotAcceptingMoves)

	deadline := now.Add(DefaultConfig().MoveWindow)
	assert.ErrorIs(t, submit(m, models.RolePlayer1, models.MovePunch, deadline), ErrLateSubmission)
}

func TestMachine_DeadlineResolvesMissingMoveAsDefault(t *testing.T) {
	m, now := startedMachine(t)

	require.NoError(t, submit(m, models.RolePlayer1, models.MovePunch, now))
	m.Outbox()

	m.Tick(now.Add(DefaultConfig().MoveWindow - time.Millisecond))
	assert.Empty(t, m.Records())

	deadline := now.Add(DefaultConfig().MoveWindow)
	m.Tick(deadline)

	records := m.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].Player2TimedOut)
	assert.False(t, records[0].Player1TimedOut)
	assert.Equal(t, combat.DefaultMove, records[0].Player2Move)
	assert.Equal(t, 95, records[0].Player2.Health)

	out := m.Outbox()
	resolved := eventsOf[events.RoundResolved](out)
	require.Len(t, resolved, 1)
	assert.Equal(t, models.MoveBlock, resolved[0].Player2.Move)
	assert.False(t, resolved[0].IsMatchOver)

	next := eventsOf[events.TurnStarted](out)
	require.Len(t, next, 1)
	assert.Equal(t, 2, next[0].TurnNumber)
	assert.Equal(t, models.UnixMilli(deadline.Add(DefaultConfig().MoveWindow)), next[0].DeadlineAt)
}

func TestMachine_IdleTurnsEndMatch(t *testing.T) {
	m, now := startedMachine(t)

	for i := 0; i < DefaultConfig().MaxIdleTurns; i++ {
		now = now.Add(DefaultConfig().MoveWindow)
		m.Tick(now)
	}

	require.Equal(t, PhaseFinalizing, m.Phase())
	f := finalizeTask(t, m.Tasks())
	assert.Equal(t, events.ReasonTimeout, f.Summary.Reason)
	assert.Equal(t, models.WinnerDraw, f.Summary.Session.Winner)
	assert.Len(t, f.Summary.Records, 3)

	m.Apply(Finalized{}, now)
	ended := eventsOf[events.MatchEnded](m.Outbox())
	require.Len(t, ended, 1)
	assert.Equal(t, events.ReasonTimeout, ended[0].Reason)
	assert.Empty(t, ended[0].WinnerAddress)
}

func TestMachine_PlayToKnockout(t *testing.T) {
	m, now := startedMachine(t)

	for i := 0; i < 100 && m.Phase() != PhaseFinalizing; i++ {
		if m.Phase() == PhaseRoundResolved {
			now = now.Add(DefaultConfig().RoundBreak)
			m.Tick(now)
			continue
		}
		now = now.Add(time.Second)
		require.NoError(t, submit(m, models.RolePlayer1, models.MoveKick, now))
		require.NoError(t, submit(m, models.RolePlayer2, models.MovePunch, now))
	}

	require.Equal(t, PhaseFinalizing, m.Phase())
	assert.Equal(t, models.MatchStatusEnded, m.Session().Status)
	assert.Equal(t, 2, m.Session().Player1RoundsWon)

	f := finalizeTask(t, m.Tasks())
	assert.Equal(t, events.ReasonKnockout, f.Summary.Reason)
	assert.Equal(t, models.WinnerPlayer1, f.Summary.Session.Winner)

	// 종료 처리 중에는 더 이상 수를 받지 않는다
	err := m.Submit(models.MoveSubmission{Role: models.RolePlayer1, RoundNumber: 9, TurnNumber: 1, Move: models.MoveKick}, now)
	assert.ErrorIs(t, err, ErrMatchClosed)
	assert.False(t, m.Cancel("late", "late", now), "cancel after the end is a no-op")

	sessionID := uint32(42)
	m.Outbox()
	m.Apply(Finalized{Settlement: Settlement{
		OnChainSessionID: &sessionID,
		RatingChanges:    &models.RatingChanges{Player1: models.RatingChange{Address: "GA", Delta: 16}},
		Fees:             &models.MatchFees{Player1Moves: 3, Player1Stroops: 3_000, TotalStroops: 3_000},
	}}, now)

	require.True(t, m.Finished())
	ended := eventsOf[events.MatchEnded](m.Outbox())
	require.Len(t, ended, 1)
	assert.Equal(t, models.WinnerPlayer1, ended[0].Winner)
	assert.Equal(t, "GA", ended[0].WinnerAddress)
	assert.Equal(t, events.FinalScore{Player1RoundsWon: 2}, ended[0].FinalScore)
	assert.Equal(t, uint32(42), *ended[0].OnChainSessionID)
	assert.Equal(t, 16, ended[0].RatingChanges.Player1.Delta)
	require.NotNil(t, ended[0].Fees)
	assert.Equal(t, int64(3_000), ended[0].Fees.TotalStroops)

	// 중복 결과는 무시
	m.Apply(Finalized{}, now)
	assert.Empty(t, m.Outbox())
}

func TestMachine_MoveConfirmed(t *testing.T) {
	m, now := startedMachine(t)
	require.NoError(t, submit(m, models.RolePlayer1, models.MoveKick, now))

	task, ok := m.Tasks()[0].(RecordMoveTask)
	require.True(t, ok)
	m.Outbox()

	m.Apply(MoveRecorded{Submission: task.Submission}, now)
	assert.Empty(t, m.Outbox(), "no confirmation without a transaction")

	m.Apply(MoveRecorded{Submission: task.Submission, TxID: "tx-1"}, now)
	confirmed := eventsOf[events.MoveConfirmed](m.Outbox())
	require.Len(t, confirmed, 1)
	assert.Equal(t, "tx-1", confirmed[0].TxID)
	assert.Equal(t, models.RolePlayer1, confirmed[0].Player)
}

func TestMachine_MoveConfirmedOnlyWhileInPlay(t *testing.T) {
	m := NewMachine(testSession(), DefaultConfig())
	sub := models.MoveSubmission{MatchID: "match-1", Role: models.RolePlayer1, RoundNumber: 1, TurnNumber: 1, Move: models.MoveKick}

	m.Apply(MoveRecorded{Submission: sub, TxID: "tx-early"}, t0)
	assert.Empty(t, m.Outbox(), "no confirmation before the first turn")

	m, now := startedMachine(t)
	m.Apply(MoveRecorded{Submission: sub, TxID: "tx-unknown"}, now)
	assert.Empty(t, m.Outbox(), "no confirmation for a move that was never accepted")

	require.NoError(t, submit(m, models.RolePlayer1, models.MoveKick, now))
	require.NoError(t, submit(m, models.RolePlayer2, models.MovePunch, now))
	require.Equal(t, PhaseRoundResolved, m.Phase())
	m.Outbox()

	m.Apply(MoveRecorded{Submission: sub, TxID: "tx-1"}, now)
	assert.Len(t, eventsOf[events.MoveConfirmed](m.Outbox()), 1, "a late receipt for a resolved turn is still confirmed")

	require.NoError(t, m.Forfeit("GB", now))
	m.Apply(Finalized{}, now)
	require.True(t, m.Finished())
	m.Outbox()
	m.Apply(MoveRecorded{Submission: sub, TxID: "tx-2"}, now)
	assert.Empty(t, m.Outbox(), "no confirmation after the match ended")
}

func TestMachine_PowerSurge(t *testing.T) {
	m, now := startedMachine(t)
	surge := models.PowerSurge{Role: models.RolePlayer1, RoundNumber: 1, CardCode: 7}

	require.NoError(t, m.SubmitSurge(surge, now))
	announced := eventsOf[events.PowerSurge](m.Outbox())
	require.Len(t, announced, 1)
	assert.Equal(t, uint32(7), announced[0].CardCode)

	var task RecordSurgeTask
	for _, tk := range m.Tasks() {
		if rt, ok := tk.(RecordSurgeTask); ok {
			task = rt
		}
	}
	assert.Equal(t, "match-1", task.Surge.MatchID)

	assert.ErrorIs(t, m.SubmitSurge(surge, now), ErrDuplicateSubmission)
	surge.CardCode = 8
	assert.ErrorIs(t, m.SubmitSurge(surge, now), ErrConflictingSubmission)
	assert.ErrorIs(t, m.SubmitSurge(models.PowerSurge{Role: models.RolePlayer2, RoundNumber: 2, CardCode: 1}, now), ErrNotAcceptingMoves)
	assert.ErrorIs(t, m.SubmitSurge(models.PowerSurge{Role: "spectator", RoundNumber: 1}, now), ErrUnknownRole)

	m.Apply(SurgeRecorded{Surge: task.Surge, TxID: "tx-surge"}, now)
	confirmed := eventsOf[events.SurgeConfirmed](m.Outbox())
	require.Len(t, confirmed, 1)
	assert.Equal(t, "tx-surge", confirmed[0].TxID)

	// 2라운드로 넘어가면 1라운드 서지는 늦은 제출
	for i := 0; i < 100 && m.Combat().RoundNumber == 1; i++ {
		if m.Phase() == PhaseRoundResolved {
			now = now.Add(DefaultConfig().RoundBreak)
			m.Tick(now)
			continue
		}
		now = now.Add(time.Second)
		require.NoError(t, submit(m, models.RolePlayer1, models.MoveKick, now))
		require.NoError(t, submit(m, models.RolePlayer2, models.MovePunch, now))
	}
	require.Equal(t, 2, m.Combat().RoundNumber)
	err := m.SubmitSurge(models.PowerSurge{Role: models.RolePlayer2, RoundNumber: 1, CardCode: 3}, now)
	assert.ErrorIs(t, err, ErrLateSubmission)
	require.NoError(t, m.SubmitSurge(models.PowerSurge{Role: models.RolePlayer2, RoundNumber: 2, CardCode: 3}, now))

	require.NoError(t, m.Forfeit("GB", now))
	f := finalizeTask(t, m.Tasks())
	require.Len(t, f.Summary.Surges, 2)
	assert.Equal(t, "tx-surge", f.Summary.Surges[0].TxID)
	assert.Equal(t, models.RolePlayer2, f.Summary.Surges[1].Role)

	assert.ErrorIs(t, m.SubmitSurge(models.PowerSurge{Role: models.RolePlayer1, RoundNumber: 2, CardCode: 1}, now), ErrMatchClosed)
}

func TestMachine_ReconnectWithinWindow(t *testing.T) {
	m, now := startedMachine(t)
	window := DefaultConfig().ReconnectWindow

	m.Handle(events.PresenceSync{Presences: only("GA")}, now)
	out := m.Outbox()
	disc := eventsOf[events.PlayerDisconnected](out)
	require.Len(t, disc, 1)
	assert.Equal(t, models.RolePlayer2, disc[0].Player)
	assert.Equal(t, "GB", disc[0].Address)

	// 중복 sync는 추가 이벤트를 만들지 않는다
	m.Handle(events.PresenceSync{Presences: only("GA")}, now.Add(time.Second))
	assert.Empty(t, m.Outbox())

	m.Handle(events.PresenceSync{Presences: both()}, now.Add(window-time.Second))
	re := eventsOf[events.PlayerReconnected](m.Outbox())
	require.Len(t, re, 1)
	assert.Equal(t, models.RolePlayer2, re[0].Player)

	m.Tick(now.Add(window))
	assert.NotEqual(t, PhaseFinalizing, m.Phase())
	assert.False(t, m.Finished())
}

func TestMachine_ReconnectTimeoutForfeits(t *testing.T) {
	m, now := startedMachine(t)

	m.Handle(events.PresenceSync{Presences: only("GA")}, now)
	m.Outbox()

	m.Tick(now.Add(DefaultConfig().ReconnectWindow))

	require.Equal(t, PhaseFinalizing, m.Phase())
	f := finalizeTask(t, m.Tasks())
	assert.Equal(t, events.ReasonForfeit, f.Summary.Reason)
	assert.Equal(t, models.WinnerPlayer1, f.Summary.Session.Winner)
}

func TestMachine_AbsentBeforeStartCancels(t *testing.T) {
	m := NewMachine(testSession(), DefaultConfig())
	m.Verify("GA", t0)
	m.Verify("GB", t0)
	m.Handle(events.PresenceSync{Presences: both()}, t0)
	m.Handle(events.PresenceSync{Presences: only("GA")}, t0.Add(time.Second))

	m.Tick(t0.Add(time.Second + DefaultConfig().ReconnectWindow))

	require.Equal(t, PhaseCancelled, m.Phase())
	cancelled := eventsOf[events.MatchCancelled](m.Outbox())
	require.Len(t, cancelled, 1)
	assert.Equal(t, events.CancelOpponentAbsent, cancelled[0].Reason)
}

func TestMachine_CancelIsIdempotent(t *testing.T) {
	m, now := startedMachine(t)

	assert.True(t, m.Cancel(events.CancelShutdown, "bye", now))
	assert.False(t, m.Cancel(events.CancelShutdown, "bye", now))
	assert.False(t, m.Cancel(events.CancelOpponentAbsent, "again", now.Add(time.Second)))

	assert.Len(t, eventsOf[events.MatchCancelled](m.Outbox()), 1)
	assert.Len(t, m.Tasks(), 1)

	m.Tick(now.Add(time.Hour))
	assert.Empty(t, m.Outbox())
	assert.ErrorIs(t, submit(m, models.RolePlayer1, models.MovePunch, now), ErrMatchClosed)
}

func TestMachine_Forfeit(t *testing.T) {
	m, now := startedMachine(t)

	assert.ErrorIs(t, m.Forfeit("GZ", now), ErrNotParticipant)
	require.NoError(t, m.Forfeit("GA", now))

	f := finalizeTask(t, m.Tasks())
	assert.Equal(t, events.ReasonForfeit, f.Summary.Reason)
	assert.Equal(t, models.WinnerPlayer2, f.Summary.Session.Winner)
}
