package service

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// JanitorConfig 정리 작업 주기와 기준
type JanitorConfig struct {
	Interval time.Duration
	// QueueEntryTTL 이보다 오래 기다린 대기열 항목은 제거
	QueueEntryTTL time.Duration
	// StaleAfter 러너 없이 이보다 오래된 미종료 매치는 취소
	StaleAfter time.Duration
}

// Janitor 대기열 만료, 러너 레지스트리, 버려진 매치를 주기적으로 정리
type Janitor struct {
	queue   *QueueService
	matches *MatchService
	cfg     JanitorConfig
	clock   clockwork.Clock
	logger  *zap.Logger

	sched gocron.Scheduler
}

func NewJanitor(queue *QueueService, matches *MatchService, cfg JanitorConfig, clock clockwork.Clock, logger *zap.Logger) *Janitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		queue:   queue,
		matches: matches,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
	}
}

// Start 스케줄러 시작
func (j *Janitor) Start() error {
	sched, err := gocron.NewScheduler(gocron.WithClock(j.clock))
	if err != nil {
		return err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(j.cfg.Interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Interval)
			defer cancel()
			j.RunOnce(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return err
	}

	sched.Start()
	j.sched = sched
	j.logger.Info("Janitor started", zap.Duration("interval", j.cfg.Interval))
	return nil
}

// Stop 실행 중인 작업이 끝날 때까지 기다린다
func (j *Janitor) Stop() {
	if j.sched == nil {
		return
	}
	if err := j.sched.Shutdown(); err != nil {
		j.logger.Warn("Janitor shutdown failed", zap.Error(err))
	}
	j.sched = nil
}

// JanitorReport 한 번의 정리 결과
type JanitorReport struct {
	ExpiredEntries   int
	SweptRunners     int
	AbandonedMatches int
}

// RunOnce 정리 작업 한 번. 개별 실패는 로그만 남긴다.
func (j *Janitor) RunOnce(ctx context.Context) JanitorReport {
	var report JanitorReport

	if j.queue != nil && j.cfg.QueueEntryTTL > 0 {
		expired, err := j.queue.Expire(ctx, j.cfg.QueueEntryTTL)
		if err != nil {
			j.logger.Error("Failed to expire queue entries", zap.Error(err))
		}
		report.ExpiredEntries = len(expired)
	}

	if j.matches != nil {
		report.SweptRunners = j.matches.SweepRunners()

		if j.cfg.StaleAfter > 0 {
			n, err := j.matches.Abandon(ctx, j.clock.Now().Add(-j.cfg.StaleAfter))
			if err != nil {
				j.logger.Error("Failed to cancel abandoned matches", zap.Error(err))
			}
			report.AbandonedMatches = n
		}
	}

	if report != (JanitorReport{}) {
		j.logger.Info("Janitor pass completed",
			zap.Int("expired_entries", report.ExpiredEntries),
			zap.Int("swept_runners", report.SweptRunners),
			zap.Int("abandoned_matches", report.AbandonedMatches))
	}
	return report
}
