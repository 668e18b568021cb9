package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	"go.uber.org/zap"
)

const maxResubscribeBackoff = 10 * time.Second

// QueueAPI 코디네이터가 쓰는 서버 기능
type QueueAPI interface {
	JoinQueue(ctx context.Context, address string) (*models.QueueStatus, error)
	LeaveQueue(ctx context.Context, address string) error
	QueueStatus(ctx context.Context, address string) (*models.QueueStatus, error)
	Verify(ctx context.Context, matchID, address string) (*Verification, error)
}

// Pairing 검증까지 끝난 매칭
type Pairing struct {
	Found        models.MatchFound
	Verification Verification
}

// notice 폴링/푸시 경로가 소비자에게 넘기는 매칭 알림
type notice struct {
	gen   uint64
	found models.MatchFound
	via   string
}

type verifyOutcome struct {
	gen   uint64
	found models.MatchFound
	v     *Verification
	err   error
}

// QueueCoordinator 대기열 참가부터 매칭 검증까지 담당.
// 폴링과 푸시 두 경로가 알림을 만들고, 소비자 하나가 matchId 기준으로 중복을 걸러 한 번만 검증한다.
type QueueCoordinator struct {
	api     QueueAPI
	bus     broadcast.Bus
	clock   clockwork.Clock
	cfg     Config
	logger  *zap.Logger
	onMatch func(Pairing)

	mu         sync.Mutex
	address    string
	gen        uint64
	cancel     context.CancelFunc
	handled    map[string]struct{}
	navigating string
	wg         sync.WaitGroup
}

type CoordinatorOption func(*QueueCoordinator)

// WithCoordinatorClock 테스트용 시계
func WithCoordinatorClock(c clockwork.Clock) CoordinatorOption {
	return func(q *QueueCoordinator) { q.clock = c }
}

func WithCoordinatorLogger(l *zap.Logger) CoordinatorOption {
	return func(q *QueueCoordinator) { q.logger = l }
}

// WithOnMatch 검증된 매칭마다 한 번 호출된다
func WithOnMatch(fn func(Pairing)) CoordinatorOption {
	return func(q *QueueCoordinator) { q.onMatch = fn }
}

// NewQueueCoordinator bus가 nil이면 폴링만 사용한다
func NewQueueCoordinator(api QueueAPI, bus broadcast.Bus, cfg Config, opts ...CoordinatorOption) *QueueCoordinator {
	q := &QueueCoordinator{
		api:     api,
		bus:     bus,
		clock:   clockwork.NewRealClock(),
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		handled: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Queued 대기 중인 주소. 대기 중이 아니면 빈 문자열.
func (q *QueueCoordinator) Queued() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.address
}

// JoinQueue 대기열 참가 후 폴링과 푸시 구독을 시작
func (q *QueueCoordinator) JoinQueue(ctx context.Context, address string) error {
	if address == "" {
		return ErrWalletNotConnected
	}

	q.mu.Lock()
	if q.address != "" {
		q.mu.Unlock()
		return ErrAlreadyQueued
	}
	// 참가 요청 중 두 번째 참가를 막는다
	q.address = address
	q.gen++
	gen := q.gen
	q.mu.Unlock()

	if _, err := q.api.JoinQueue(ctx, address); err != nil {
		q.mu.Lock()
		if q.gen == gen {
			q.address = ""
		}
		q.mu.Unlock()
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen != gen {
		// 참가 요청 도중 LeaveQueue가 호출됨
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	notices := make(chan notice, 16)

	q.wg.Add(3)
	go q.pollLoop(loopCtx, gen, address, notices)
	go q.pushLoop(loopCtx, gen, notices)
	go q.consume(loopCtx, address, notices)

	q.logger.Info("Joined queue", zap.String("address", address))
	return nil
}

// LeaveQueue 멱등. 타이머와 구독을 모두 정리한 뒤 서버 대기열에서 빠진다.
func (q *QueueCoordinator) LeaveQueue(ctx context.Context) error {
	q.mu.Lock()
	address := q.address
	q.resetLocked()
	q.mu.Unlock()

	q.wg.Wait()

	if address == "" {
		return nil
	}
	if err := q.api.LeaveQueue(ctx, address); err != nil {
		return err
	}
	q.logger.Info("Left queue", zap.String("address", address))
	return nil
}

// resetLocked 세대를 올려 이전 세대의 알림/검증 결과가 모두 무시되게 한다
func (q *QueueCoordinator) resetLocked() {
	q.gen++
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.address = ""
	q.handled = make(map[string]struct{})
	q.navigating = ""
}

// claim 처음 보는 matchId이고 진행 중인 검증이 없을 때만 true
func (q *QueueCoordinator) claim(gen uint64, matchID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen || matchID == "" || q.navigating != "" {
		return false
	}
	if _, seen := q.handled[matchID]; seen {
		return false
	}
	q.handled[matchID] = struct{}{}
	q.navigating = matchID
	return true
}

// release 검증 실패 시 표식을 지워 다음 알림에서 다시 시도하게 한다
func (q *QueueCoordinator) release(gen uint64, matchID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		return
	}
	delete(q.handled, matchID)
	if q.navigating == matchID {
		q.navigating = ""
	}
}

func (q *QueueCoordinator) current(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return gen == q.gen
}

// accept 검증 성공. 대기는 끝나므로 루프를 멈춘다.
func (q *QueueCoordinator) accept(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		return false
	}
	q.resetLocked()
	return true
}

// consume 두 경로의 알림을 받는 유일한 소비자. onMatch는 루프가 끝난 뒤 호출한다.
func (q *QueueCoordinator) consume(ctx context.Context, address string, notices <-chan notice) {
	p, ok := q.awaitPairing(ctx, address, notices)
	q.wg.Done()
	if ok && q.onMatch != nil {
		q.onMatch(p)
	}
}

// awaitPairing 검증이 통신 문제로 실패하면 서버가 알림을 이미 지웠을 수 있으므로
// 서버가 매치를 거절할 때까지 같은 matchId를 폴링 간격마다 다시 검증한다.
func (q *QueueCoordinator) awaitPairing(ctx context.Context, address string, notices <-chan notice) (Pairing, bool) {
	outcomes := make(chan verifyOutcome, 1)
	var (
		pending notice
		retry   <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return Pairing{}, false

		case <-retry:
			retry = nil
			if !q.current(pending.gen) {
				continue
			}
			q.logger.Info("Retrying match verification", zap.String("matchId", pending.found.MatchID))
			q.wg.Add(1)
			go q.verify(ctx, pending, address, outcomes)

		case n := <-notices:
			if !n.found.Involves(address) || !q.claim(n.gen, n.found.MatchID) {
				continue
			}
			q.logger.Info("Match found, verifying",
				zap.String("matchId", n.found.MatchID),
				zap.String("via", n.via))
			q.wg.Add(1)
			go q.verify(ctx, n, address, outcomes)

		case out := <-outcomes:
			if out.err != nil {
				q.logger.Warn("Match verification failed",
					zap.String("matchId", out.found.MatchID),
					zap.Error(out.err))
				if rejected(out.err) || ctx.Err() != nil {
					q.release(out.gen, out.found.MatchID)
					continue
				}
				// 표식은 유지해 다른 알림이 끼어들지 않게 한다
				pending = notice{gen: out.gen, found: out.found, via: "retry"}
				retry = q.clock.After(q.cfg.PollInterval)
				continue
			}
			if !q.accept(out.gen) {
				return Pairing{}, false
			}
			q.logger.Info("Match verified",
				zap.String("matchId", out.found.MatchID),
				zap.String("role", string(out.v.Role)))
			return Pairing{Found: out.found, Verification: *out.v}, true
		}
	}
}

func (q *QueueCoordinator) verify(ctx context.Context, n notice, address string, outcomes chan<- verifyOutcome) {
	defer q.wg.Done()

	vctx, cancel := clockwork.WithTimeout(ctx, q.clock, q.cfg.VerifyTimeout)
	defer cancel()

	v, err := q.api.Verify(vctx, n.found.MatchID, address)
	if err == nil && v == nil {
		err = ErrVerificationFailed
	}
	select {
	case outcomes <- verifyOutcome{gen: n.gen, found: n.found, v: v, err: err}:
	case <-ctx.Done():
	}
}

// pollLoop 고정 간격 상태 조회. 푸시가 유실돼도 매칭을 놓치지 않는다.
func (q *QueueCoordinator) pollLoop(ctx context.Context, gen uint64, address string, out chan<- notice) {
	defer q.wg.Done()

	ticker := q.clock.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := q.api.QueueStatus(ctx, address)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			q.logger.Debug("Queue poll failed", zap.Error(err))
		case status.MatchFound != nil:
			select {
			case out <- notice{gen: gen, found: *status.MatchFound, via: "poll"}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// pushLoop 큐 토픽 구독. 채널이 끊기면 백오프 후 다시 연다.
func (q *QueueCoordinator) pushLoop(ctx context.Context, gen uint64, out chan<- notice) {
	defer q.wg.Done()
	if q.bus == nil {
		return
	}

	backoff := 250 * time.Millisecond
	for {
		ch, err := q.bus.Open(ctx, broadcast.QueueTopic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Debug("Queue topic subscribe failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-q.clock.After(backoff):
			}
			backoff = min(backoff*2, maxResubscribeBackoff)
			continue
		}
		backoff = 250 * time.Millisecond

		if !q.readPush(ctx, gen, ch, out) {
			ch.Close()
			return
		}
		ch.Close()
	}
}

// readPush 채널이 닫히면 true (재구독), ctx가 끝나면 false
func (q *QueueCoordinator) readPush(ctx context.Context, gen uint64, ch broadcast.Channel, out chan<- notice) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-ch.Messages():
			if !ok {
				return true
			}
			e, err := events.Decode(msg)
			if err != nil {
				if !errors.Is(err, events.ErrUnknownEvent) {
					q.logger.Debug("Ignoring malformed queue event", zap.Error(err))
				}
				continue
			}
			found, ok := e.(events.MatchFound)
			if !ok {
				continue
			}
			select {
			case out <- notice{gen: gen, found: found.MatchFound, via: "push"}:
			case <-ctx.Done():
				return false
			}
		}
	}
}
