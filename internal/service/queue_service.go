package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	"github.com/veilstar/brawl-backend/pkg/distributed"
	"go.uber.org/zap"
)

// SessionDirectory 매치 생성과 진행 여부 조회
type SessionDirectory interface {
	CreateSession(ctx context.Context, player1, player2 string) (*models.MatchSession, error)
	Active(matchID string) bool
}

// PairingRecorder 매칭 기록
type PairingRecorder interface {
	RecordPairing(ctx context.Context, p models.Pairing) error
}

type QueueServiceConfig struct {
	PoolName       string
	Interval       time.Duration
	RatingRange    int
	MaxRatingRange int
	RangeStep      time.Duration
	// WidenAfter 이보다 오래 기다린 항목은 레이팅 차이와 무관하게 매칭
	WidenAfter time.Duration
	NoticeTTL  time.Duration
	LockTTL    time.Duration
}

func DefaultQueueServiceConfig() QueueServiceConfig {
	return QueueServiceConfig{
		PoolName:       "ranked",
		Interval:       time.Second,
		RatingRange:    100,
		MaxRatingRange: 500,
		RangeStep:      5 * time.Second,
		WidenAfter:     30 * time.Second,
		NoticeTTL:      time.Minute,
		LockTTL:        10 * time.Second,
	}
}

type QueueService struct {
	pool     distributed.WaitingPool
	locker   distributed.Locker
	players  PlayerStore
	sessions SessionDirectory
	pairings PairingRecorder
	bus      broadcast.Bus
	clock    clockwork.Clock
	logger   *zap.Logger
	cfg      QueueServiceConfig

	chMu    sync.Mutex
	channel broadcast.Channel

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewQueueService(
	pool distributed.WaitingPool,
	locker distributed.Locker,
	players PlayerStore,
	sessions SessionDirectory,
	bus broadcast.Bus,
	cfg QueueServiceConfig,
	clock clockwork.Clock,
	logger *zap.Logger,
) *QueueService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueService{
		pool:     pool,
		locker:   locker,
		players:  players,
		sessions: sessions,
		bus:      bus,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		stopChan: make(chan struct{}),
	}
}

// SetPairingRecorder 매칭 기록 저장소 설정 (DB가 있을 때만)
func (s *QueueService) SetPairingRecorder(r PairingRecorder) {
	s.pairings = r
}

// Join 대기열 참가
func (s *QueueService) Join(ctx context.Context, address string) (*models.QueueStatus, error) {
	if address == "" {
		return nil, ErrWalletNotConnected
	}

	found, err := s.pendingMatch(ctx, address)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return nil, ErrAlreadyQueued
	}

	player, err := s.players.GetOrCreate(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load player: %w", err)
	}

	err = s.pool.Add(ctx, distributed.Entry{
		Member:   address,
		JoinedAt: s.clock.Now(),
		Rating:   player.Rating,
	})
	if errors.Is(err, distributed.ErrEntryExists) {
		return nil, ErrAlreadyQueued
	}
	if err != nil {
		return nil, fmt.Errorf("failed to join queue: %w", err)
	}

	s.logger.Info("Player joined queue", zap.String("address", address), zap.Int("rating", player.Rating))
	return s.Status(ctx, address)
}

// Leave 대기열 이탈 (멱등). 전달되지 않은 매칭 알림도 함께 지운다.
func (s *QueueService) Leave(ctx context.Context, address string) error {
	if address == "" {
		return ErrWalletNotConnected
	}
	removed, err := s.pool.Remove(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to leave queue: %w", err)
	}
	if err := s.pool.ClearNotice(ctx, address); err != nil {
		return fmt.Errorf("failed to clear match notice: %w", err)
	}
	if removed {
		s.logger.Info("Player left queue", zap.String("address", address))
	}
	return nil
}

// Status 폴링 응답
func (s *QueueService) Status(ctx context.Context, address string) (*models.QueueStatus, error) {
	size, err := s.pool.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue size: %w", err)
	}
	status := &models.QueueStatus{QueueSize: size}
	if address == "" {
		return status, nil
	}

	_, err = s.pool.Get(ctx, address)
	switch {
	case err == nil:
		status.InQueue = true
	case !errors.Is(err, distributed.ErrEntryNotFound):
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}

	found, err := s.pendingMatch(ctx, address)
	if err != nil {
		return nil, err
	}
	if found != nil {
		status.MatchPending = true
		status.MatchFound = found
	}
	return status, nil
}

// Acknowledge 검증을 마친 참가자의 매칭 알림 제거
func (s *QueueService) Acknowledge(ctx context.Context, address, matchID string) error {
	found, err := s.pendingMatch(ctx, address)
	if err != nil || found == nil || found.MatchID != matchID {
		return err
	}
	return s.pool.ClearNotice(ctx, address)
}

// pendingMatch 아직 진행 중인 매치의 알림. 끝난 매치의 알림은 지운다.
func (s *QueueService) pendingMatch(ctx context.Context, address string) (*models.MatchFound, error) {
	data, err := s.pool.Notice(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to get match notice: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var found models.MatchFound
	if err := json.Unmarshal(data, &found); err != nil || !s.sessions.Active(found.MatchID) {
		_ = s.pool.ClearNotice(ctx, address)
		return nil, nil
	}
	return &found, nil
}

// Expire 오래 기다린 항목 제거
func (s *QueueService) Expire(ctx context.Context, ttl time.Duration) ([]string, error) {
	expired, err := s.pool.ExpireBefore(ctx, s.clock.Now().Add(-ttl))
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		s.logger.Info("Expired queue entries", zap.Int("count", len(expired)))
	}
	return expired, nil
}

// Start 매칭 루프 시작
func (s *QueueService) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting QueueService", zap.Duration("interval", s.cfg.Interval))

	s.wg.Add(1)
	go s.pairingLoop()
}

// Stop 매칭 루프 중지
func (s *QueueService) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if wasRunning {
		s.logger.Info("Stopping QueueService")
		close(s.stopChan)
		s.wg.Wait()
	}

	s.chMu.Lock()
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	s.chMu.Unlock()
	if wasRunning {
		s.logger.Info("QueueService stopped")
	}
}

func (s *QueueService) pairingLoop() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	s.RunPairing(ctx)

	for {
		select {
		case <-ticker.Chan():
			s.RunPairing(ctx)
		case <-s.stopChan:
			return
		}
	}
}

// RunPairing 한 번의 매칭 패스. 다른 인스턴스가 락을 쥐고 있으면 건너뛴다.
func (s *QueueService) RunPairing(ctx context.Context) int {
	release, err := s.locker.Lock(ctx, "matchmaking:lock:"+s.cfg.PoolName, s.cfg.LockTTL)
	if errors.Is(err, distributed.ErrLockNotAcquired) {
		return 0
	}
	if err != nil {
		s.logger.Error("Failed to acquire matchmaking lock", zap.Error(err))
		return 0
	}
	defer release()

	waiting, err := s.pool.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list waiting players", zap.Error(err))
		return 0
	}
	if len(waiting) < 2 {
		return 0
	}

	now := s.clock.Now()
	matched := 0
	processed := make(map[string]bool)

	for _, entry := range waiting {
		if processed[entry.Member] {
			continue
		}

		opponent := s.findOpponent(entry, waiting, processed, now)
		if opponent == nil {
			continue
		}

		if err := s.pair(ctx, entry, *opponent, now); err != nil {
			s.logger.Error("Failed to create match",
				zap.String("player1", entry.Member),
				zap.String("player2", opponent.Member),
				zap.Error(err))
			continue
		}

		processed[entry.Member] = true
		processed[opponent.Member] = true
		matched++
	}

	if matched > 0 {
		s.logger.Info("Matchmaking completed",
			zap.Int("matches_created", matched),
			zap.Int("waiting", len(waiting)-2*matched))
	}
	return matched
}

// findOpponent 기다린 시간에 따라 레이팅 범위를 넓혀가며 가장 가까운 상대를 찾는다
func (s *QueueService) findOpponent(entry distributed.Entry, waiting []distributed.Entry, processed map[string]bool, now time.Time) *distributed.Entry {
	ratingRange := s.ratingRange(now.Sub(entry.JoinedAt))

	var best *distributed.Entry
	bestDiff := 0
	for i := range waiting {
		c := &waiting[i]
		if c.Member == entry.Member || processed[c.Member] {
			continue
		}
		diff := abs(c.Rating - entry.Rating)
		if ratingRange >= 0 && diff > ratingRange {
			continue
		}
		// waiting은 참가 순이므로 같은 차이면 먼저 온 쪽
		if best == nil || diff < bestDiff {
			best, bestDiff = c, diff
		}
	}

	if best != nil {
		s.logger.Debug("Found opponent",
			zap.String("player", entry.Member),
			zap.String("opponent", best.Member),
			zap.Int("ratingDiff", bestDiff),
			zap.Int("ratingRange", ratingRange))
	}
	return best
}

// ratingRange RangeStep마다 100씩 넓어지고 MaxRatingRange에서 멈춘다. -1은 제한 없음.
func (s *QueueService) ratingRange(wait time.Duration) int {
	if s.cfg.WidenAfter > 0 && wait >= s.cfg.WidenAfter {
		return -1
	}
	r := s.cfg.RatingRange
	if s.cfg.RangeStep > 0 {
		r += 100 * int(wait/s.cfg.RangeStep)
	}
	if r > s.cfg.MaxRatingRange {
		r = s.cfg.MaxRatingRange
	}
	return r
}

// pair 두 항목을 원자적으로 꺼내 매치를 만들고 양쪽에 알린다
func (s *QueueService) pair(ctx context.Context, a, b distributed.Entry, now time.Time) error {
	if err := s.pool.Claim(ctx, a.Member, b.Member); err != nil {
		return err
	}

	// 먼저 기다린 쪽이 player1
	if b.JoinedAt.Before(a.JoinedAt) {
		a, b = b, a
	}

	session, err := s.sessions.CreateSession(ctx, a.Member, b.Member)
	if err != nil {
		for _, e := range []distributed.Entry{a, b} {
			if addErr := s.pool.Add(ctx, e); addErr != nil && !errors.Is(addErr, distributed.ErrEntryExists) {
				s.logger.Warn("Failed to restore queue entry", zap.String("address", e.Member), zap.Error(addErr))
			}
		}
		return err
	}

	found := models.MatchFound{
		MatchID:             session.ID,
		Player1Address:      session.Player1Address,
		Player2Address:      session.Player2Address,
		SelectionDeadlineAt: models.UnixMilli(session.SelectionDeadlineAt),
	}

	data, err := json.Marshal(found)
	if err != nil {
		return err
	}
	for _, addr := range []string{a.Member, b.Member} {
		if err := s.pool.SetNotice(ctx, addr, data, s.cfg.NoticeTTL); err != nil {
			s.logger.Warn("Failed to store match notice", zap.String("address", addr), zap.Error(err))
		}
	}

	if s.pairings != nil {
		err := s.pairings.RecordPairing(ctx, models.Pairing{
			MatchID:          session.ID,
			Player1Address:   a.Member,
			Player2Address:   b.Member,
			RatingDifference: abs(a.Rating - b.Rating),
			Wait:             now.Sub(a.JoinedAt),
		})
		if err != nil {
			s.logger.Error("Failed to record pairing", zap.Error(err))
		}
	}

	s.publish(ctx, found)

	s.logger.Info("Match created from queue",
		zap.String("matchId", session.ID),
		zap.String("player1", a.Member),
		zap.String("player2", b.Member),
		zap.Int("ratingDiff", abs(a.Rating-b.Rating)))
	return nil
}

// publish 푸시 경로. 실패해도 폴링 경로로 전달된다.
func (s *QueueService) publish(ctx context.Context, found models.MatchFound) {
	ch, err := s.queueChannel(ctx)
	if err != nil {
		s.logger.Warn("Queue channel unavailable", zap.Error(err))
		return
	}
	if err := events.Publish(ctx, ch, events.MatchFound{MatchFound: found}); err != nil {
		s.logger.Warn("Failed to publish match_found", zap.String("matchId", found.MatchID), zap.Error(err))
		s.chMu.Lock()
		if s.channel == ch {
			s.channel = nil
		}
		s.chMu.Unlock()
		ch.Close()
	}
}

func (s *QueueService) queueChannel(ctx context.Context) (broadcast.Channel, error) {
	s.chMu.Lock()
	defer s.chMu.Unlock()

	if s.channel != nil && s.channel.State() == broadcast.StateJoined {
		return s.channel, nil
	}
	if s.channel != nil {
		s.channel.Close()
	}

	ch, err := s.bus.Open(ctx, broadcast.QueueTopic)
	if err != nil {
		s.channel = nil
		return nil, err
	}
	s.channel = ch

	// 이 채널은 발행 전용. 수신 메시지는 버린다.
	go func() {
		for range ch.Messages() {
		}
	}()
	return ch, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
