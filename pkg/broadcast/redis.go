package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPresenceTTL = 30 * time.Second

// RedisBus Redis Pub/Sub 기반 분산 브로커. presence는 토픽별 해시에 저장한다.
// 추적 중인 채널은 TTL의 1/3 간격으로 항목을 갱신하고, 만료된 항목은 읽을 때 지운다.
type RedisBus struct {
	client      *redis.Client
	logger      *zap.Logger
	prefix      string
	presenceTTL time.Duration
}

type RedisBusOption func(*RedisBus)

// WithPresenceTTL 갱신이 끊긴 presence 항목이 살아 있는 시간
func WithPresenceTTL(ttl time.Duration) RedisBusOption {
	return func(b *RedisBus) {
		if ttl > 0 {
			b.presenceTTL = ttl
		}
	}
}

// NewRedisBus Redis 브로커 생성
func NewRedisBus(client *redis.Client, logger *zap.Logger, opts ...RedisBusOption) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &RedisBus{
		client:      client,
		logger:      logger,
		prefix:      "broadcast:",
		presenceTTL: defaultPresenceTTL,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// presenceEntry 해시에 저장되는 형태. ExpiresAt이 지나면 죽은 접속으로 본다.
type presenceEntry struct {
	Presence
	ExpiresAt int64 `json:"expiresAt"` // unix ms
}

func (b *RedisBus) channelKey(topic string) string {
	return b.prefix + topic
}

func (b *RedisBus) presenceKey(topic string) string {
	return b.prefix + "presence:" + topic
}

// Open 토픽 구독. 구독 확인을 받은 뒤 반환한다.
func (b *RedisBus) Open(ctx context.Context, topic string) (Channel, error) {
	pubsub := b.client.Subscribe(ctx, b.channelKey(topic))

	// 구독 확인
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, &TransportError{Op: "open", Topic: topic, Err: err}
	}

	subCtx, cancel := context.WithCancel(context.Background())
	ch := &redisChannel{
		bus:    b,
		id:     uuid.New().String(),
		topic:  topic,
		pubsub: pubsub,
		msgs:   make(chan Message, bufferSize),
		state:  StateJoined,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go ch.receive(subCtx)

	b.logger.Debug("Broadcast channel opened",
		zap.String("topic", topic),
		zap.String("channel", ch.id))
	return ch, nil
}

func (b *RedisBus) publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channelKey(msg.Topic), data).Err(); err != nil {
		return &TransportError{Op: "publish", Topic: msg.Topic, Err: err}
	}
	return nil
}

// writePresence 항목 저장과 해시 만료 연장
func (b *RedisBus) writePresence(ctx context.Context, topic string, p Presence) error {
	data, err := json.Marshal(presenceEntry{Presence: p, ExpiresAt: time.Now().Add(b.presenceTTL).UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	key := b.presenceKey(topic)
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, p.Key, data)
	pipe.Expire(ctx, key, b.presenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// presenceList 살아 있는 항목. 만료된 항목은 지우고 그 수를 함께 돌려준다.
func (b *RedisBus) presenceList(ctx context.Context, topic string) ([]Presence, int, error) {
	key := b.presenceKey(topic)
	raw, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read presence: %w", err)
	}
	now := time.Now().UnixMilli()
	list := make([]Presence, 0, len(raw))
	var stale []string
	for field, v := range raw {
		var e presenceEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			b.logger.Warn("Skipping corrupt presence entry", zap.String("topic", topic), zap.Error(err))
			continue
		}
		if e.ExpiresAt > 0 && e.ExpiresAt <= now {
			stale = append(stale, field)
			continue
		}
		list = append(list, e.Presence)
	}
	if len(stale) > 0 {
		if err := b.client.HDel(ctx, key, stale...).Err(); err != nil {
			b.logger.Warn("Failed to prune presence", zap.String("topic", topic), zap.Error(err))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list, len(stale), nil
}

func (b *RedisBus) publishSync(ctx context.Context, topic, sender string, list []Presence) error {
	return b.publish(ctx, Message{Topic: topic, Event: EventPresenceSync, Sender: sender, SentAt: time.Now(), Presences: list})
}

func (b *RedisBus) announce(ctx context.Context, topic, sender, event string, p Presence) error {
	now := time.Now()
	if err := b.publish(ctx, Message{Topic: topic, Event: event, Sender: sender, SentAt: now, Presences: []Presence{p}}); err != nil {
		return err
	}
	list, _, err := b.presenceList(ctx, topic)
	if err != nil {
		return err
	}
	return b.publishSync(ctx, topic, sender, list)
}

type redisChannel struct {
	bus    *RedisBus
	id     string
	topic  string
	pubsub *redis.PubSub
	msgs   chan Message
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	state     State
	tracked   *Presence
	heartbeat context.CancelFunc
}

func (c *redisChannel) Topic() string            { return c.topic }
func (c *redisChannel) ID() string               { return c.id }
func (c *redisChannel) Messages() <-chan Message { return c.msgs }

func (c *redisChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// receive Pub/Sub 메시지를 Message로 변환해 전달. 구독이 끊기면 오류 상태로 끝난다.
func (c *redisChannel) receive(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgs)

	in := c.pubsub.Channel()
	for {
		select {
		case raw, ok := <-in:
			if !ok {
				c.setTerminal(StateErrored)
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				c.bus.logger.Error("Failed to unmarshal broadcast message",
					zap.String("topic", c.topic),
					zap.Error(err))
				continue
			}
			select {
			case c.msgs <- msg:
			default:
				c.bus.logger.Warn("Dropping message for slow subscriber",
					zap.String("topic", c.topic),
					zap.String("event", msg.Event))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *redisChannel) setTerminal(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateErrored {
		return false
	}
	c.state = s
	return true
}

func (c *redisChannel) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return ErrChannelClosed
	case StateErrored:
		return ErrChannelErrored
	}
	return nil
}

func (c *redisChannel) Send(ctx context.Context, event string, payload any) error {
	if err := c.usable(); err != nil {
		return &TransportError{Op: "send", Topic: c.topic, Err: err}
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.bus.publish(ctx, Message{Topic: c.topic, Event: event, Payload: data, Sender: c.id, SentAt: time.Now()})
}

func (c *redisChannel) Track(ctx context.Context, p Presence) error {
	if err := c.usable(); err != nil {
		return &TransportError{Op: "track", Topic: c.topic, Err: err}
	}
	p.Key = c.id
	if err := c.bus.writePresence(ctx, c.topic, p); err != nil {
		return &TransportError{Op: "track", Topic: c.topic, Err: err}
	}

	c.mu.Lock()
	c.tracked = &p
	if c.heartbeat == nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		c.heartbeat = cancel
		go c.beat(hbCtx)
	}
	c.mu.Unlock()

	return c.bus.announce(ctx, c.topic, c.id, EventPresenceJoin, p)
}

// beat 추적 중인 동안 항목을 갱신한다. 다른 인스턴스의 만료 항목을 치웠으면 sync를 다시 보낸다.
func (c *redisChannel) beat(ctx context.Context) {
	ticker := time.NewTicker(c.bus.presenceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		p := c.tracked
		c.mu.Unlock()
		if p == nil {
			continue
		}

		if err := c.bus.writePresence(ctx, c.topic, *p); err != nil {
			c.bus.logger.Warn("Presence heartbeat failed", zap.String("topic", c.topic), zap.Error(err))
			continue
		}
		list, pruned, err := c.bus.presenceList(ctx, c.topic)
		if err != nil || pruned == 0 {
			continue
		}
		if err := c.bus.publishSync(ctx, c.topic, c.id, list); err != nil {
			c.bus.logger.Warn("Failed to publish presence sync", zap.String("topic", c.topic), zap.Error(err))
		}
	}
}

func (c *redisChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	p := c.tracked
	c.tracked = nil
	if c.heartbeat != nil {
		c.heartbeat()
		c.heartbeat = nil
	}
	c.mu.Unlock()

	if p == nil {
		return nil
	}
	if err := c.bus.client.HDel(ctx, c.bus.presenceKey(c.topic), c.id).Err(); err != nil {
		return &TransportError{Op: "untrack", Topic: c.topic, Err: err}
	}
	return c.bus.announce(ctx, c.topic, c.id, EventPresenceLeave, *p)
}

func (c *redisChannel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Untrack(ctx); err != nil {
		c.bus.logger.Warn("Failed to untrack on close",
			zap.String("topic", c.topic),
			zap.Error(err))
	}

	c.closeOnce.Do(func() {
		c.setTerminal(StateClosed)
		c.cancel()
		c.closeErr = c.pubsub.Close()
		<-c.done
	})
	return c.closeErr
}
