// brawlbot 대기열에 들어가 매칭된 매치를 AI 정책으로 끝까지 플레이하는 봇.
// -practice면 서버 없이 로컬 심판과 싸운다.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/veilstar/brawl-backend/internal/ai"
	"github.com/veilstar/brawl-backend/internal/combat"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	"github.com/veilstar/brawl-backend/pkg/client"
	"github.com/veilstar/brawl-backend/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type options struct {
	server     string
	ws         string
	address    string
	character  string
	practice   bool
	difficulty string
	seed       int64
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "API base URL")
	flag.StringVar(&opts.ws, "ws", "ws://localhost:8080/api/v1/ws", "WebSocket endpoint")
	flag.StringVar(&opts.address, "address", "", "wallet address to play as")
	flag.StringVar(&opts.character, "character", combat.DefaultCharacter, "character to lock in")
	flag.BoolVar(&opts.practice, "practice", false, "play a local practice match instead of queueing")
	flag.StringVar(&opts.difficulty, "difficulty", string(ai.Medium), "bot difficulty: easy, medium, hard")
	flag.Int64Var(&opts.seed, "seed", 0, "random seed (0 = time based)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flag.Parse()

	logger.Init(opts.logLevel, "development")
	defer logger.Sync()

	difficulty, err := ai.ParseDifficulty(opts.difficulty)
	if err != nil {
		logger.Fatal("Invalid difficulty", "difficulty", opts.difficulty, "error", err)
	}
	if opts.seed == 0 {
		opts.seed = time.Now().UnixNano()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.practice {
		err = runPractice(ctx, opts, difficulty)
	} else {
		err = runOnline(ctx, opts, difficulty)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("brawlbot stopped", "error", err)
	}
}

func runPractice(ctx context.Context, opts options, difficulty ai.Difficulty) error {
	p, err := client.StartPractice(ctx, client.PracticeConfig{
		Address:    opts.address,
		Difficulty: difficulty,
		Seed:       opts.seed,
		Logger:     logger.Named("practice"),
	})
	if err != nil {
		return err
	}
	defer p.Close()

	return play(ctx, p.MatchView, opts.character, ai.NewPolicy(difficulty, rand.New(rand.NewSource(opts.seed+1))))
}

func runOnline(ctx context.Context, opts options, difficulty ai.Difficulty) error {
	api := client.NewAPI(opts.server, nil)
	cfg := client.DefaultConfig()
	cfg.BaseURL = opts.server
	cfg.WSURL = opts.ws

	pairings := make(chan client.Pairing, 1)
	coordinator := client.NewQueueCoordinator(api, &broadcast.WSBus{URL: opts.ws, Logger: logger.Named("queue-bus")}, cfg,
		client.WithCoordinatorLogger(logger.Named("queue")),
		client.WithOnMatch(func(p client.Pairing) { pairings <- p }))

	if err := coordinator.JoinQueue(ctx, opts.address); err != nil {
		return err
	}
	logger.Info("Waiting for an opponent", "address", opts.address)

	var pairing client.Pairing
	select {
	case pairing = <-pairings:
	case <-ctx.Done():
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coordinator.LeaveQueue(leaveCtx); err != nil {
			logger.Warn("Failed to leave queue", "error", err)
		}
		return ctx.Err()
	}

	v := pairing.Verification
	logger.Info("Match found", "match_id", v.Session.ID, "role", v.Role)

	gameBus := &broadcast.WSBus{
		URL:    opts.ws,
		Token:  func(string) string { return v.Ticket },
		Logger: logger.Named("match-bus"),
	}
	view, err := client.OpenMatchView(ctx, gameBus, v, client.NewAPIMover(api, v), cfg,
		client.WithViewLogger(logger.Named("view")))
	if err != nil {
		return err
	}
	defer view.Close()

	return play(ctx, view, opts.character, ai.NewPolicy(difficulty, rand.New(rand.NewSource(opts.seed))))
}

// play 캐릭터를 확정하고 턴마다 정책이 고른 수를 낸다. 매치가 끝나면 돌아온다.
func play(ctx context.Context, view *client.MatchView, character string, policy *ai.Policy) error {
	if err := view.SelectCharacter(ctx, character, true); err != nil {
		return fmt.Errorf("select character: %w", err)
	}

	role := view.Role()
	sight := newSight(role, policy)

	g, gctx := errgroup.WithContext(ctx)
	moves := make(chan events.TurnStarted, 1)

	g.Go(func() error {
		defer close(moves)
		for e := range view.Events() {
			switch ev := e.(type) {
			case events.MatchStarting:
				logger.Info("Match starting", "in_seconds", view.Countdown())
			case events.TurnStarted:
				sight.turnStarted(ev.RoundNumber)
				select {
				case moves <- ev:
				case <-gctx.Done():
					return gctx.Err()
				}
			case events.RoundResolved:
				sight.resolved(ev)
				logger.L().Debug("Turn resolved",
					zap.Int("round", ev.RoundNumber),
					zap.Int("turn", ev.TurnNumber),
					zap.String("narrative", ev.Narrative))
			case events.MatchEnded:
				logger.Info("Match ended", "winner", ev.Winner, "reason", ev.Reason)
				return nil
			case events.MatchCancelled:
				logger.Warn("Match cancelled", "reason", ev.Reason, "message", ev.Message)
				return view.Err()
			}
		}
		return view.Err()
	})

	g.Go(func() error {
		for turn := range moves {
			move := sight.decide()
			if err := view.SubmitMove(gctx, move); err != nil {
				// 턴이 이미 넘어갔으면 다음 턴을 기다린다
				logger.Warn("Move rejected", "round", turn.RoundNumber, "turn", turn.TurnNumber, "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// sight 봇이 보는 양쪽 상태와 정책. 이벤트 루프와 수 결정 고루틴이 함께 쓴다.
type sight struct {
	mu     sync.Mutex
	role   models.Role
	policy *ai.Policy
	round  int
	view   ai.View
}

func newSight(role models.Role, policy *ai.Policy) *sight {
	return &sight{role: role, policy: policy, round: 1, view: freshView(role)}
}

// turnStarted 새 라운드면 양쪽 모두 풀 체력/에너지로 되돌린다
func (s *sight) turnStarted(round int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if round != s.round {
		s.round = round
		s.view = freshView(s.role)
	}
}

// resolved 턴 결과와 상대의 수를 반영한다. 지난 라운드의 늦은 결과는 상태에 반영하지 않는다.
func (s *sight) resolved(ev events.RoundResolved) {
	self, opp := ev.Player1, ev.Player2
	if s.role == models.RolePlayer2 {
		self, opp = opp, self
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy.Observe(opp.Move)
	if ev.RoundNumber == s.round {
		s.view.Self = stateAfter(s.view.Self, self)
		s.view.Opponent = stateAfter(s.view.Opponent, opp)
	}
}

func (s *sight) decide() models.Move {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.Decide(s.view)
}

func (s *sight) current() ai.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func freshView(role models.Role) ai.View {
	return ai.View{
		Self:     models.PlayerCombatState{Health: combat.MaxHealth, Energy: combat.MaxEnergy, Role: role},
		Opponent: models.PlayerCombatState{Health: combat.MaxHealth, Energy: combat.MaxEnergy, Role: role.Opponent()},
	}
}

func stateAfter(prev models.PlayerCombatState, t events.PlayerTurn) models.PlayerCombatState {
	prev.Health = t.HealthAfter
	prev.Energy = t.EnergyAfter
	prev.GuardMeter = t.GuardMeterAfter
	prev.IsStunned = t.IsStunned
	return prev
}
