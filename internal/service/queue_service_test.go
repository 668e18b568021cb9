package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/internal/repository"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	"github.com/veilstar/brawl-backend/pkg/distributed"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSessions struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	created []models.MatchSession
	ended   map[string]bool
	fail    error
}

func newFakeSessions(clock clockwork.Clock) *fakeSessions {
	return &fakeSessions{clock: clock, ended: make(map[string]bool)}
}

func (f *fakeSessions) CreateSession(_ context.Context, p1, p2 string) (*models.MatchSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	s := models.MatchSession{
		ID:                  fmt.Sprintf("match-%d", len(f.created)+1),
		Player1Address:      p1,
		Player2Address:      p2,
		Status:              models.MatchStatusPendingVerification,
		CreatedAt:           f.clock.Now(),
		SelectionDeadlineAt: f.clock.Now().Add(30 * time.Second),
	}
	f.created = append(f.created, s)
	return &s, nil
}

func (f *fakeSessions) Active(matchID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.created {
		if s.ID == matchID {
			return !f.ended[matchID]
		}
	}
	return false
}

func (f *fakeSessions) Created() []models.MatchSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.MatchSession(nil), f.created...)
}

type queueFixture struct {
	svc      *QueueService
	pool     *distributed.MemoryPool
	locker   *distributed.LocalLocker
	store    *repository.MemoryStore
	sessions *fakeSessions
	bus      *broadcast.MemoryBus
	clock    *clockwork.FakeClock
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	f := &queueFixture{
		pool:     distributed.NewMemoryPool(),
		locker:   distributed.NewLocalLocker(),
		store:    repository.NewMemoryStore(),
		sessions: newFakeSessions(clock),
		bus:      broadcast.NewMemoryBus(nil),
		clock:    clock,
	}
	f.svc = NewQueueService(f.pool, f.locker, f.store, f.sessions, f.bus, DefaultQueueServiceConfig(), clock, nil)
	f.svc.SetPairingRecorder(f.store)
	t.Cleanup(f.svc.Stop)
	return f
}

func (f *queueFixture) add(t *testing.T, address string, rating int) {
	t.Helper()
	require.NoError(t, f.pool.Add(context.Background(), distributed.Entry{
		Member:   address,
		JoinedAt: f.clock.Now(),
		Rating:   rating,
	}))
}

func TestQueueService_JoinValidation(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, "")
	assert.ErrorIs(t, err, ErrWalletNotConnected)

	status, err := f.svc.Join(ctx, "GA")
	require.NoError(t, err)
	assert.True(t, status.InQueue)
	assert.Equal(t, 1, status.QueueSize)

	_, err = f.svc.Join(ctx, "GA")
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	player, err := f.store.FindByAddress(ctx, "GA")
	require.NoError(t, err)
	require.NotNil(t, player)
	assert.Equal(t, models.DefaultRating, player.Rating)
}

func TestQueueService_RunPairingCreatesOneSession(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, "GA")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.svc.Join(ctx, "GB")
	require.NoError(t, err)

	assert.Equal(t, 1, f.svc.RunPairing(ctx))
	assert.Equal(t, 0, f.svc.RunPairing(ctx), "paired entries are gone from the pool")

	created := f.sessions.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "GA", created[0].Player1Address, "the longer-waiting entry is player1")
	assert.Equal(t, "GB", created[0].Player2Address)

	for _, addr := range []string{"GA", "GB"} {
		status, err := f.svc.Status(ctx, addr)
		require.NoError(t, err)
		assert.False(t, status.InQueue)
		assert.True(t, status.MatchPending)
		require.NotNil(t, status.MatchFound)
		assert.Equal(t, created[0].ID, status.MatchFound.MatchID)
		assert.Equal(t, models.UnixMilli(created[0].SelectionDeadlineAt), status.MatchFound.SelectionDeadlineAt)
	}

	_, err = f.svc.Join(ctx, "GA")
	assert.ErrorIs(t, err, ErrAlreadyQueued, "a pending match blocks rejoining")

	pairings := f.store.Pairings()
	require.Len(t, pairings, 1)
	assert.Equal(t, created[0].ID, pairings[0].MatchID)
	assert.Equal(t, time.Second, pairings[0].Wait)
}

func TestQueueService_AcknowledgeClearsNotice(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	f.add(t, "GA", 1200)
	f.add(t, "GB", 1200)
	require.Equal(t, 1, f.svc.RunPairing(ctx))
	matchID := f.sessions.Created()[0].ID

	require.NoError(t, f.svc.Acknowledge(ctx, "GA", "other-match"))
	status, err := f.svc.Status(ctx, "GA")
	require.NoError(t, err)
	assert.True(t, status.MatchPending, "acknowledging another match keeps the notice")

	require.NoError(t, f.svc.Acknowledge(ctx, "GA", matchID))
	status, err = f.svc.Status(ctx, "GA")
	require.NoError(t, err)
	assert.False(t, status.MatchPending)
	assert.Nil(t, status.MatchFound)

	status, err = f.svc.Status(ctx, "GB")
	require.NoError(t, err)
	assert.True(t, status.MatchPending)
}

func TestQueueService_LeaveIsFullReset(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, "GA")
	require.NoError(t, err)
	require.NoError(t, f.svc.Leave(ctx, "GA"))
	require.NoError(t, f.svc.Leave(ctx, "GA"), "leave is idempotent")

	status, err := f.svc.Status(ctx, "GA")
	require.NoError(t, err)
	assert.False(t, status.InQueue)
	assert.Equal(t, 0, status.QueueSize)

	f.add(t, "GA", 1200)
	f.add(t, "GB", 1200)
	require.Equal(t, 1, f.svc.RunPairing(ctx))

	require.NoError(t, f.svc.Leave(ctx, "GA"))
	status, err = f.svc.Status(ctx, "GA")
	require.NoError(t, err)
	assert.False(t, status.MatchPending, "leave drops an undelivered match notice")

	_, err = f.svc.Join(ctx, "GA")
	assert.NoError(t, err)

	assert.ErrorIs(t, f.svc.Leave(ctx, ""), ErrWalletNotConnected)
}

func TestQueueService_NoticeForFinishedMatchIsDropped(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	f.add(t, "GA", 1200)
	f.add(t, "GB", 1200)
	require.Equal(t, 1, f.svc.RunPairing(ctx))

	f.sessions.mu.Lock()
	f.sessions.ended[f.sessions.created[0].ID] = true
	f.sessions.mu.Unlock()

	status, err := f.svc.Status(ctx, "GB")
	require.NoError(t, err)
	assert.False(t, status.MatchPending)

	_, err = f.svc.Join(ctx, "GB")
	assert.NoError(t, err)
}

func TestQueueService_RatingRangeWidensWithWait(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	f.add(t, "GA", 1200)
	f.add(t, "GB", 1500)

	assert.Equal(t, 0, f.svc.RunPairing(ctx), "300 apart is outside the initial range")

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 0, f.svc.RunPairing(ctx))

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, f.svc.RunPairing(ctx))
}

func TestQueueService_LongWaitIgnoresRating(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	f.add(t, "GA", 800)
	f.add(t, "GB", 2200)

	f.clock.Advance(29 * time.Second)
	assert.Equal(t, 0, f.svc.RunPairing(ctx), "capped at the max range")

	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.svc.RunPairing(ctx))
}

func TestQueueService_PrefersClosestRating(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	f.add(t, "GA", 1200)
	f.clock.Advance(time.Second)
	f.add(t, "GB", 1290)
	f.clock.Advance(time.Second)
	f.add(t, "GC", 1210)

	require.Equal(t, 1, f.svc.RunPairing(ctx))
	created := f.sessions.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "GA", created[0].Player1Address)
	assert.Equal(t, "GC", created[0].Player2Address)

	status, err := f.svc.Status(ctx, "GB")
	require.NoError(t, err)
	assert.True(t, status.InQueue)
}

func TestQueueService_SkipsWhenLockHeld(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	f.add(t, "GA", 1200)
	f.add(t, "GB", 1200)

	release, err := f.locker.Lock(ctx, "matchmaking:lock:ranked", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, f.svc.RunPairing(ctx))

	release()
	assert.Equal(t, 1, f.svc.RunPairing(ctx))
}

func TestQueueService_FailedSessionRestoresEntries(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	f.add(t, "GA", 1200)
	f.add(t, "GB", 1200)
	f.sessions.fail = errors.New("store down")

	assert.Equal(t, 0, f.svc.RunPairing(ctx))

	size, err := f.pool.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	for _, addr := range []string{"GA", "GB"} {
		status, err := f.svc.Status(ctx, addr)
		require.NoError(t, err)
		assert.True(t, status.InQueue)
		assert.False(t, status.MatchPending)
	}
}

func TestQueueService_ConcurrentInstancesPairEachEntryOnce(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		f.add(t, fmt.Sprintf("G%d", i), 1200)
	}
	other := NewQueueService(f.pool, f.locker, f.store, f.sessions, f.bus, DefaultQueueServiceConfig(), f.clock, nil)
	defer other.Stop()

	var wg sync.WaitGroup
	for _, svc := range []*QueueService{f.svc, other, f.svc, other} {
		wg.Add(1)
		go func(s *QueueService) {
			defer wg.Done()
			s.RunPairing(ctx)
		}(svc)
	}
	wg.Wait()
	for f.svc.RunPairing(ctx) > 0 {
	}

	seen := make(map[string]int)
	for _, s := range f.sessions.Created() {
		seen[s.Player1Address]++
		seen[s.Player2Address]++
	}
	assert.Len(t, seen, 6)
	for addr, n := range seen {
		assert.Equal(t, 1, n, "%s paired more than once", addr)
	}
}

func TestQueueService_ExpireRemovesOldEntries(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, "GA")
	require.NoError(t, err)
	f.clock.Advance(90 * time.Second)
	_, err = f.svc.Join(ctx, "GB")
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	expired, err := f.svc.Expire(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"GA"}, expired)

	status, err := f.svc.Status(ctx, "GB")
	require.NoError(t, err)
	assert.True(t, status.InQueue)
}

func TestQueueService_PublishesMatchFound(t *testing.T) {
	f := newQueueFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	observer, err := f.bus.Open(ctx, broadcast.QueueTopic)
	require.NoError(t, err)
	defer observer.Close()

	f.add(t, "GA", 1200)
	f.add(t, "GB", 1200)
	require.Equal(t, 1, f.svc.RunPairing(ctx))

	for {
		select {
		case msg := <-observer.Messages():
			e, err := events.Decode(msg)
			if err != nil {
				continue
			}
			found, ok := e.(events.MatchFound)
			if !ok {
				continue
			}
			assert.Equal(t, f.sessions.Created()[0].ID, found.MatchID)
			assert.True(t, found.Involves("GA"))
			assert.True(t, found.Involves("GB"))
			return
		case <-ctx.Done():
			t.Fatal("match_found was not published")
		}
	}
}

func TestQueueService_StartPairsOnTicker(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	f.svc.Start()
	f.add(t, "GA", 1200)
	f.add(t, "GB", 1200)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Second)

	require.Eventually(t, func() bool { return len(f.sessions.Created()) == 1 }, 2*time.Second, 10*time.Millisecond)
	f.svc.Stop()
}
