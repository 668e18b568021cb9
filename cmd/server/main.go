package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/veilstar/brawl-backend/internal/api"
	"github.com/veilstar/brawl-backend/internal/config"
	"github.com/veilstar/brawl-backend/internal/match"
	"github.com/veilstar/brawl-backend/internal/repository"
	"github.com/veilstar/brawl-backend/internal/service"
	"github.com/veilstar/brawl-backend/internal/settlement"
	"github.com/veilstar/brawl-backend/internal/websocket"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	"github.com/veilstar/brawl-backend/pkg/database"
	"github.com/veilstar/brawl-backend/pkg/distributed"
	jwtutil "github.com/veilstar/brawl-backend/pkg/jwt"
	"github.com/veilstar/brawl-backend/pkg/logger"
	"github.com/veilstar/brawl-backend/pkg/ratelimit"
	"github.com/veilstar/brawl-backend/pkg/storage"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 설정 로드
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 로거 초기화
	logger.Init(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	logger.Info("Starting Veilstar Brawl Backend",
		"port", cfg.Port,
		"env", cfg.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("Server stopped with error", "error", err)
	}
	logger.Info("Server exited")
}

// stores DB가 없으면 메모리 저장소 하나가 모든 역할을 맡는다
type stores struct {
	players  service.PlayerStore
	matches  service.MatchStore
	pairings service.PairingRecorder
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		mem := repository.NewMemoryStore()
		return &stores{players: mem, matches: mem, pairings: mem, close: func() {}}, nil
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Database connection established")

	return &stores{
		players:  repository.NewPlayerRepository(db),
		matches:  repository.NewMatchRepository(db),
		pairings: repository.NewMatchmakingRepository(db),
		close:    func() { db.Close() },
	}, nil
}

// coordination 대기열, 락, 토픽 버스, 레이트 리미터. Redis가 없으면 단일 인스턴스용 구현.
type coordination struct {
	pool    distributed.WaitingPool
	locker  distributed.Locker
	bus     broadcast.Bus
	limiter ratelimit.Limiter
	close   func()
}

func openCoordination(ctx context.Context, cfg *config.Config) (*coordination, error) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, running as a single instance")
		return &coordination{
			pool:    distributed.NewMemoryPool(),
			locker:  distributed.NewLocalLocker(),
			bus:     broadcast.NewMemoryBus(logger.Named("broadcast")),
			limiter: ratelimit.NewLocalLimiter(cfg.RateLimitPerMinute, time.Minute, nil),
			close:   func() {},
		}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("Redis connection established")

	return &coordination{
		pool:    distributed.NewRedisPool(client, cfg.QueueName),
		locker:  distributed.NewRedisLockManager(client),
		bus:     broadcast.NewRedisBus(client, logger.Named("broadcast")),
		limiter: ratelimit.NewRedisLimiter(client, "ratelimit", cfg.RateLimitPerMinute, time.Minute),
		close:   func() { client.Close() },
	}, nil
}

func newSettlement(cfg *config.Config) (settlement.Settler, settlement.Prover) {
	var (
		settler settlement.Settler = settlement.Disabled{}
		prover  settlement.Prover  = settlement.DisabledProver{}
	)
	if cfg.SettlementURL != "" {
		settler = settlement.NewHTTPSettler(cfg.SettlementURL, cfg.SettlementContractID, logger.Named("settlement"))
	} else {
		logger.Warn("SETTLEMENT_URL not set, matches will not be settled on-chain")
	}
	if cfg.ProverURL != "" {
		prover = settlement.NewHTTPProver(cfg.ProverURL)
	}
	return settler, prover
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	co, err := openCoordination(ctx, cfg)
	if err != nil {
		return err
	}
	defer co.close()

	tickets := jwtutil.NewJWTManager(cfg.JWTSecret, cfg.TicketExpiration)
	settler, prover := newSettlement(cfg)
	replays := storage.NewStorage(cfg.StoragePath)

	matches := service.NewMatchService(
		st.matches,
		st.players,
		service.NewELOService(),
		co.bus,
		tickets,
		service.MatchServiceConfig{
			SelectionWindow: cfg.SelectionWindow,
			Match: match.Config{
				Countdown:       cfg.Countdown,
				MoveWindow:      cfg.MoveWindow,
				RoundBreak:      cfg.RoundBreak,
				ReconnectWindow: cfg.ReconnectWindow,
				MaxIdleTurns:    cfg.MaxIdleTurns,
			},
		},
		service.WithSettlement(settler, prover),
		service.WithReplayStore(replays),
		service.WithServiceLogger(logger.Named("match")),
	)
	defer matches.Stop()

	queueCfg := service.DefaultQueueServiceConfig()
	queueCfg.PoolName = cfg.QueueName
	queueCfg.Interval = cfg.PairingInterval
	queueCfg.MaxRatingRange = cfg.MaxRatingRange
	queue := service.NewQueueService(co.pool, co.locker, st.players, matches, co.bus, queueCfg, nil, logger.Named("queue"))
	queue.SetPairingRecorder(st.pairings)
	queue.Start()
	defer queue.Stop()

	janitor := service.NewJanitor(queue, matches, service.JanitorConfig{
		Interval:      time.Minute,
		QueueEntryTTL: cfg.QueueEntryTTL,
		StaleAfter:    cfg.SelectionWindow + 5*time.Minute,
	}, nil, logger.Named("janitor"))
	if err := janitor.Start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}
	defer janitor.Stop()

	hub := websocket.NewHub(co.bus, cfg.CORSAllowedOrigins, logger.Named("websocket"))

	// 라우터 설정
	router := api.SetupRouter(cfg, api.Services{
		Queue:   queue,
		Matches: matches,
		Hub:     hub,
		Tickets: tickets,
		Limiter: co.limiter,
	})

	// 서버 설정
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("Server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	// Graceful shutdown 대기
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		// 10초 타임아웃으로 종료
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
