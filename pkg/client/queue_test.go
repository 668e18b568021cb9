package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeQueueAPI struct {
	mu         sync.Mutex
	found      *models.MatchFound
	polls      int
	verifies   []string
	verifyErrs []error
	blockFirst bool
	// ackOnVerify 서버처럼 검증 요청을 받으면 알림을 지운다
	ackOnVerify bool
	joined     []string
	left       []string
}

func (f *fakeQueueAPI) JoinQueue(_ context.Context, address string) (*models.QueueStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, address)
	return &models.QueueStatus{InQueue: true, QueueSize: 1}, nil
}

func (f *fakeQueueAPI) LeaveQueue(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, address)
	return nil
}

func (f *fakeQueueAPI) QueueStatus(context.Context, string) (*models.QueueStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return &models.QueueStatus{InQueue: f.found == nil, MatchPending: f.found != nil, MatchFound: f.found}, nil
}

func (f *fakeQueueAPI) Verify(ctx context.Context, matchID, address string) (*Verification, error) {
	f.mu.Lock()
	f.verifies = append(f.verifies, matchID)
	first := len(f.verifies) == 1
	var err error
	if len(f.verifyErrs) > 0 {
		err, f.verifyErrs = f.verifyErrs[0], f.verifyErrs[1:]
	}
	block := f.blockFirst && first
	if f.ackOnVerify {
		f.found = nil
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &Verification{
		Ticket:  "ticket-" + matchID,
		Role:    models.RolePlayer1,
		Session: models.MatchSession{ID: matchID, Player1Address: address, Player2Address: "GB"},
	}, nil
}

func (f *fakeQueueAPI) counts() (polls, verifies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls, len(f.verifies)
}

type coordinatorFixture struct {
	api      *fakeQueueAPI
	bus      *broadcast.MemoryBus
	clock    *clockwork.FakeClock
	coord    *QueueCoordinator
	pairings chan Pairing
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		api:      &fakeQueueAPI{},
		bus:      broadcast.NewMemoryBus(nil),
		clock:    clockwork.NewFakeClockAt(t0),
		pairings: make(chan Pairing, 8),
	}
	f.coord = NewQueueCoordinator(f.api, f.bus, Config{PollInterval: 2 * time.Second, VerifyTimeout: 5 * time.Second},
		WithCoordinatorClock(f.clock),
		WithOnMatch(func(p Pairing) { f.pairings <- p }))
	t.Cleanup(func() { f.coord.LeaveQueue(context.Background()) })
	return f
}

// awaitPairing 가짜 시계를 조금씩 진행시키며 매칭을 기다린다
func (f *coordinatorFixture) awaitPairing(t *testing.T) Pairing {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-f.pairings:
			return p
		case <-time.After(10 * time.Millisecond):
			f.clock.Advance(500 * time.Millisecond)
		case <-deadline:
			t.Fatal("no pairing")
		}
	}
}

func (f *coordinatorFixture) push(t *testing.T, ctx context.Context, found models.MatchFound) {
	t.Helper()
	ch, err := f.bus.Open(ctx, broadcast.QueueTopic)
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, events.Publish(ctx, ch, events.MatchFound{MatchFound: found}))
}

var foundM1 = models.MatchFound{MatchID: "m1", Player1Address: "GA", Player2Address: "GB"}

func TestQueueCoordinator_JoinValidation(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.coord.JoinQueue(ctx, ""), ErrWalletNotConnected)
	require.NoError(t, f.coord.JoinQueue(ctx, "GA"))
	assert.ErrorIs(t, f.coord.JoinQueue(ctx, "GA"), ErrAlreadyQueued)
	assert.Equal(t, "GA", f.coord.Queued())

	require.NoError(t, f.coord.LeaveQueue(ctx))
	require.NoError(t, f.coord.LeaveQueue(ctx), "leave is idempotent")
	assert.Equal(t, []string{"GA"}, f.api.left)
	assert.Empty(t, f.coord.Queued())
}

func TestQueueCoordinator_DuplicateNotificationsVerifyOnce(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.coord.JoinQueue(ctx, "GA"))
	require.Eventually(t, func() bool { return f.bus.Subscribers(broadcast.QueueTopic) == 1 }, 2*time.Second, 5*time.Millisecond)

	f.api.mu.Lock()
	f.api.found = &foundM1
	f.api.mu.Unlock()
	f.push(t, ctx, foundM1)
	f.push(t, ctx, foundM1)

	p := f.awaitPairing(t)
	assert.Equal(t, "m1", p.Found.MatchID)
	assert.Equal(t, "ticket-m1", p.Verification.Ticket)

	f.clock.Advance(10 * time.Second)
	time.Sleep(50 * time.Millisecond)

	_, verifies := f.api.counts()
	assert.Equal(t, 1, verifies)
	assert.Empty(t, f.pairings)
	assert.Empty(t, f.coord.Queued(), "a verified match ends the queue session")
	assert.Eventually(t, func() bool { return f.bus.Subscribers(broadcast.QueueTopic) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestQueueCoordinator_VerificationFailureAllowsRetry(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	f.api.found = &foundM1
	f.api.verifyErrs = []error{ErrVerificationFailed}

	require.NoError(t, f.coord.JoinQueue(ctx, "GA"))
	p := f.awaitPairing(t)

	assert.Equal(t, "m1", p.Found.MatchID)
	_, verifies := f.api.counts()
	assert.Equal(t, 2, verifies, "the same match is verified again after the failure")
}

func TestQueueCoordinator_LostVerifyResponseRetriesClaimedMatch(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	f.api.found = &foundM1
	f.api.ackOnVerify = true
	f.api.verifyErrs = []error{&TransportError{Op: "get", Topic: "/api/v1/matches/m1/verify", Err: errors.New("connection reset by peer")}}

	require.NoError(t, f.coord.JoinQueue(ctx, "GA"))
	p := f.awaitPairing(t)

	assert.Equal(t, "m1", p.Found.MatchID)
	assert.Equal(t, "ticket-m1", p.Verification.Ticket)
	f.api.mu.Lock()
	defer f.api.mu.Unlock()
	assert.Nil(t, f.api.found, "the server notice was gone when the retry ran")
	assert.Equal(t, []string{"m1", "m1"}, f.api.verifies)
}

func TestQueueCoordinator_RejectedMatchIsNotRetried(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	f.api.found = &foundM1
	f.api.ackOnVerify = true
	f.api.verifyErrs = []error{fmt.Errorf("%w: %w", ErrVerificationFailed, &APIError{Status: http.StatusConflict, Message: "match closed"})}

	require.NoError(t, f.coord.JoinQueue(ctx, "GA"))
	require.Eventually(t, func() bool {
		_, verifies := f.api.counts()
		return verifies == 1
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		f.clock.Advance(time.Second)
		time.Sleep(10 * time.Millisecond)
	}

	_, verifies := f.api.counts()
	assert.Equal(t, 1, verifies)
	assert.Empty(t, f.pairings)
	assert.Equal(t, "GA", f.coord.Queued(), "the player stays queued for the next pairing")
}

func TestQueueCoordinator_VerificationTimeout(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	f.api.found = &foundM1
	f.api.blockFirst = true

	require.NoError(t, f.coord.JoinQueue(ctx, "GA"))
	p := f.awaitPairing(t)

	assert.Equal(t, "m1", p.Found.MatchID)
	_, verifies := f.api.counts()
	assert.Equal(t, 2, verifies)
}

func TestQueueCoordinator_LeaveIsFullReset(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.coord.JoinQueue(ctx, "GA"))
	require.Eventually(t, func() bool {
		polls, _ := f.api.counts()
		return polls >= 1 && f.bus.Subscribers(broadcast.QueueTopic) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.coord.LeaveQueue(ctx))
	assert.Equal(t, 0, f.bus.Subscribers(broadcast.QueueTopic), "leaving unsubscribes synchronously")
	pollsAtLeave, _ := f.api.counts()

	f.api.mu.Lock()
	f.api.found = &foundM1
	f.api.mu.Unlock()
	f.clock.Advance(time.Minute)
	f.push(t, ctx, foundM1)
	time.Sleep(50 * time.Millisecond)

	polls, verifies := f.api.counts()
	assert.Equal(t, pollsAtLeave, polls, "no poll timer fires after leaving")
	assert.Equal(t, 0, verifies, "a late match_found is ignored")
	assert.Empty(t, f.pairings)

	require.NoError(t, f.coord.JoinQueue(ctx, "GA"), "the coordinator can queue again")
}

func TestQueueCoordinator_IgnoresOtherPlayersMatches(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.coord.JoinQueue(ctx, "GA"))
	require.Eventually(t, func() bool { return f.bus.Subscribers(broadcast.QueueTopic) == 1 }, 2*time.Second, 5*time.Millisecond)

	f.push(t, ctx, models.MatchFound{MatchID: "m9", Player1Address: "GX", Player2Address: "GY"})
	time.Sleep(50 * time.Millisecond)

	_, verifies := f.api.counts()
	assert.Equal(t, 0, verifies)
	assert.Equal(t, "GA", f.coord.Queued())
}
