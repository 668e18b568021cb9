package match

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/veilstar/brawl-backend/internal/ai"
	"github.com/veilstar/brawl-backend/internal/combat"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	"go.uber.org/zap"
)

const (
	defaultTickInterval = 100 * time.Millisecond
	sendTimeout         = 5 * time.Second
	taskTimeout         = 30 * time.Second
	maxReopenBackoff    = 5 * time.Second
)

type submitRequest struct {
	sub   models.MoveSubmission
	reply chan error
}

type surgeRequest struct {
	surge models.PowerSurge
	reply chan error
}

type verifyRequest struct {
	address string
	reply   chan verifyReply
}

type verifyReply struct {
	role models.Role
	err  error
}

type forfeitRequest struct {
	address string
	reply   chan error
}

// Runner 매치 하나의 이벤트 루프. 머신은 이 고루틴에서만 접근한다.
type Runner struct {
	machine *Machine
	bus     broadcast.Bus
	hooks   Hooks
	clock   clockwork.Clock
	logger  *zap.Logger
	tick    time.Duration

	opponent          MoveSource
	opponentCharacter string

	submitCh   chan submitRequest
	surgeCh    chan surgeRequest
	verifyCh   chan verifyRequest
	forfeitCh  chan forfeitRequest
	snapshotCh chan chan Snapshot
	results    chan Result

	queue *fifo[Task]
	wg    sync.WaitGroup
	stop  chan struct{}

	// outbound 방송 대기열. 느린 전송이 루프를 막지 않도록 publish 고루틴이 순서대로 보낸다.
	outbound  *fifo[events.Event]
	publishWG sync.WaitGroup
	chMu      sync.Mutex
	ch        broadcast.Channel

	done     chan struct{}
	doneOnce sync.Once
}

type RunnerOption func(*Runner)

// WithClock 테스트용 시계
func WithClock(c clockwork.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

func WithTickInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.tick = d }
}

// WithOpponent player2를 MoveSource가 조종한다 (연습 모드)
func WithOpponent(src MoveSource, characterID string) RunnerOption {
	return func(r *Runner) {
		r.opponent = src
		r.opponentCharacter = characterID
	}
}

// NewRunner hooks가 nil이면 NopHooks
func NewRunner(m *Machine, bus broadcast.Bus, hooks Hooks, opts ...RunnerOption) *Runner {
	if hooks == nil {
		hooks = NopHooks{}
	}
	r := &Runner{
		machine:    m,
		bus:        bus,
		hooks:      hooks,
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		tick:       defaultTickInterval,
		submitCh:   make(chan submitRequest),
		surgeCh:    make(chan surgeRequest),
		verifyCh:   make(chan verifyRequest),
		forfeitCh:  make(chan forfeitRequest),
		snapshotCh: make(chan chan Snapshot),
		results:    make(chan Result, 64),
		queue:      newFIFO[Task](),
		outbound:   newFIFO[events.Event](),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.opponent != nil {
		r.attachOpponent()
	}
	r.logger = r.logger.With(zap.String("match_id", m.Session().ID))
	return r
}

func (r *Runner) attachOpponent() {
	character := r.opponentCharacter
	if character == "" {
		character = combat.DefaultCharacter
	}
	now := r.clock.Now()
	r.machine.Attach(models.RolePlayer2)
	if _, err := r.machine.Verify(r.machine.Session().Player2Address, now); err != nil {
		r.logger.Warn("Failed to verify opponent", zap.Error(err))
	}
	if err := r.machine.Select(models.RolePlayer2, character, true, now); err != nil {
		r.logger.Warn("Failed to select opponent character", zap.Error(err))
	}
}

// Done 루프가 끝나면 닫힌다
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Run 매치가 끝나거나 ctx가 취소될 때까지 실행
func (r *Runner) Run(ctx context.Context) error {
	defer r.doneOnce.Do(func() { close(r.done) })

	topic := broadcast.GameTopic(r.machine.Session().ID)
	ch, err := r.open(ctx, topic)
	if err != nil {
		return err
	}
	defer func() { ch.Close() }()
	r.setChannel(ch)

	r.publishWG.Add(1)
	go r.publish()
	defer func() {
		r.outbound.close()
		r.publishWG.Wait()
	}()

	r.wg.Add(1)
	go r.work()
	defer func() {
		close(r.stop)
		r.queue.close()
		r.wg.Wait()
	}()

	ticker := r.clock.NewTicker(r.tick)
	defer ticker.Stop()

	r.logger.Info("Match runner started", zap.String("topic", topic))

	// 연습 모드에서 생성 시 쌓인 이벤트
	r.flush()

	for {
		select {
		case msg, ok := <-ch.Messages():
			if !ok {
				r.logger.Warn("Match channel lost, reopening",
					zap.String("state", string(ch.State())))
				ch.Close()
				if ch, err = r.open(ctx, topic); err != nil {
					r.machine.Cancel(events.CancelShutdown, "Match server is shutting down", r.clock.Now())
					r.drainTasks()
					return err
				}
				r.setChannel(ch)
				continue
			}
			if msg.Sender == ch.ID() {
				continue
			}
			e, err := events.Decode(msg)
			if err != nil {
				r.logger.Debug("Ignoring undecodable message",
					zap.String("event", msg.Event),
					zap.Error(err))
				continue
			}
			r.machine.Handle(e, r.clock.Now())

		case req := <-r.submitCh:
			req.reply <- r.machine.Submit(req.sub, r.clock.Now())

		case req := <-r.surgeCh:
			req.reply <- r.machine.SubmitSurge(req.surge, r.clock.Now())

		case req := <-r.verifyCh:
			role, err := r.machine.Verify(req.address, r.clock.Now())
			req.reply <- verifyReply{role: role, err: err}

		case req := <-r.forfeitCh:
			req.reply <- r.machine.Forfeit(req.address, r.clock.Now())

		case reply := <-r.snapshotCh:
			reply <- r.machine.Snapshot()

		case res := <-r.results:
			r.machine.Apply(res, r.clock.Now())

		case <-ticker.Chan():
			r.machine.Tick(r.clock.Now())

		case <-ctx.Done():
			r.machine.Cancel(events.CancelShutdown, "Match server is shutting down", r.clock.Now())
			r.flush()
			return ctx.Err()
		}

		r.flush()

		if r.machine.Finished() {
			r.logger.Info("Match runner finished",
				zap.String("phase", string(r.machine.Phase())),
				zap.String("reason", r.machine.Session().EndReason))
			return nil
		}
	}
}

// open 채널을 열 때까지 지수 백오프로 재시도
func (r *Runner) open(ctx context.Context, topic string) (broadcast.Channel, error) {
	backoff := 250 * time.Millisecond
	for {
		ch, err := r.bus.Open(ctx, topic)
		if err == nil {
			return ch, nil
		}
		r.logger.Warn("Failed to open match channel",
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		select {
		case <-r.clock.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if backoff *= 2; backoff > maxReopenBackoff {
			backoff = maxReopenBackoff
		}
	}
}

// flush outbox를 방송 대기열에, 작업을 작업 큐에 넘긴다. AI 수는 turn_started 직후 제출한다.
func (r *Runner) flush() {
	for {
		out := r.machine.Outbox()
		for _, t := range r.machine.Tasks() {
			r.queue.push(t)
		}
		if len(out) == 0 {
			return
		}

		for _, e := range out {
			r.outbound.push(e)
			r.driveOpponent(e)
		}
	}
}

func (r *Runner) setChannel(ch broadcast.Channel) {
	r.chMu.Lock()
	r.ch = ch
	r.chMu.Unlock()
}

func (r *Runner) channel() broadcast.Channel {
	r.chMu.Lock()
	defer r.chMu.Unlock()
	return r.ch
}

// publish 방송 대기열을 순서대로 보낸다. 큐가 닫히면 남은 이벤트까지 보내고 끝난다.
func (r *Runner) publish() {
	defer r.publishWG.Done()
	for {
		e, ok := r.outbound.pop()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := events.Publish(ctx, r.channel(), e); err != nil {
			r.logger.Warn("Failed to broadcast event",
				zap.String("event", e.Name()),
				zap.Error(err))
		}
		cancel()
	}
}

func (r *Runner) driveOpponent(e events.Event) {
	if r.opponent == nil {
		return
	}
	switch ev := e.(type) {
	case events.TurnStarted:
		move := r.opponent.Decide(ai.ViewFor(r.machine.Combat(), models.RolePlayer2))
		err := r.machine.Submit(models.MoveSubmission{
			Role:        models.RolePlayer2,
			RoundNumber: ev.RoundNumber,
			TurnNumber:  ev.TurnNumber,
			Move:        move,
		}, r.clock.Now())
		if err != nil {
			r.logger.Warn("Opponent move rejected", zap.Error(err))
		}
	case events.RoundResolved:
		r.opponent.Observe(ev.Player1.Move)
	}
}

func (r *Runner) drainTasks() {
	for _, t := range r.machine.Tasks() {
		r.queue.push(t)
	}
	r.machine.Outbox()
}

// work 작업을 순서대로 실행. 결과는 루프가 살아 있을 때만 전달된다.
func (r *Runner) work() {
	defer r.wg.Done()
	for {
		t, ok := r.queue.pop()
		if !ok {
			return
		}
		if res := r.execute(t); res != nil {
			select {
			case r.results <- res:
			case <-r.stop:
			}
		}
	}
}

func (r *Runner) execute(t Task) Result {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	switch task := t.(type) {
	case SessionChangedTask:
		if err := r.hooks.SessionChanged(ctx, task.Session); err != nil {
			r.logger.Error("Failed to persist session", zap.Error(err))
		}
	case RecordMoveTask:
		txID, err := r.hooks.MoveAccepted(ctx, task.Submission)
		if err != nil {
			r.logger.Warn("Failed to record move",
				zap.String("player", string(task.Submission.Role)),
				zap.Error(err))
		}
		return MoveRecorded{Submission: task.Submission, TxID: txID}
	case RecordSurgeTask:
		txID, err := r.hooks.SurgeAccepted(ctx, task.Surge)
		if err != nil {
			r.logger.Warn("Failed to record power surge",
				zap.String("player", string(task.Surge.Role)),
				zap.Error(err))
		}
		return SurgeRecorded{Surge: task.Surge, TxID: txID}
	case RoundResolvedTask:
		if err := r.hooks.RoundResolved(ctx, task.Record); err != nil {
			r.logger.Error("Failed to persist round", zap.Error(err))
		}
	case FinalizeTask:
		st, err := r.hooks.MatchFinished(ctx, task.Summary)
		if err != nil {
			r.logger.Error("Match finalization incomplete", zap.Error(err))
		}
		return Finalized{Settlement: st}
	}
	return nil
}

// Submit 루프에 수 제출을 요청한다
func (r *Runner) Submit(ctx context.Context, sub models.MoveSubmission) error {
	reply := make(chan error, 1)
	select {
	case r.submitCh <- submitRequest{sub: sub, reply: reply}:
	case <-r.done:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

// SubmitSurge 루프에 파워 서지 선택을 요청한다
func (r *Runner) SubmitSurge(ctx context.Context, surge models.PowerSurge) error {
	reply := make(chan error, 1)
	select {
	case r.surgeCh <- surgeRequest{surge: surge, reply: reply}:
	case <-r.done:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

func (r *Runner) Verify(ctx context.Context, address string) (models.Role, error) {
	reply := make(chan verifyReply, 1)
	select {
	case r.verifyCh <- verifyRequest{address: address, reply: reply}:
	case <-r.done:
		return "", ErrRunnerStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	res := <-reply
	return res.role, res.err
}

func (r *Runner) Forfeit(ctx context.Context, address string) error {
	reply := make(chan error, 1)
	select {
	case r.forfeitCh <- forfeitRequest{address: address, reply: reply}:
	case <-r.done:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

func (r *Runner) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case r.snapshotCh <- reply:
	case <-r.done:
		return Snapshot{}, ErrRunnerStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	return <-reply, nil
}

// IsStopped 러너 종료 여부
func IsStopped(err error) bool {
	return errors.Is(err, ErrRunnerStopped)
}

// fifo 루프를 막지 않는 무제한 FIFO
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{signal: make(chan struct{}, 1)}
}

func (q *fifo[T]) push(t T) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.notify()
}

func (q *fifo[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *fifo[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop 큐가 닫히고 비면 false
func (q *fifo[T]) pop() (T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			var zero T
			return zero, false
		}
		<-q.signal
	}
}
