package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryBus 프로세스 내 브로커. 테스트, 연습 모드, Redis 없는 단일 인스턴스에서 사용.
type MemoryBus struct {
	mu       sync.Mutex
	topics   map[string]map[string]*memoryChannel
	presence map[string]map[string]Presence
	logger   *zap.Logger
	now      func() time.Time
}

// NewMemoryBus logger가 nil이면 Nop
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		topics:   make(map[string]map[string]*memoryChannel),
		presence: make(map[string]map[string]Presence),
		logger:   logger,
		now:      time.Now,
	}
}

// Open 토픽 구독
func (b *MemoryBus) Open(ctx context.Context, topic string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "open", Topic: topic, Err: err}
	}

	ch := &memoryChannel{
		bus:   b,
		id:    uuid.New().String(),
		topic: topic,
		msgs:  make(chan Message, bufferSize),
		state: StateJoined,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*memoryChannel)
	}
	b.topics[topic][ch.id] = ch
	return ch, nil
}

// Subscribers 토픽의 현재 구독자 수
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Disrupt 토픽의 모든 채널을 오류 상태로 만든다 (전송 장애 재현용)
func (b *MemoryBus) Disrupt(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.topics[topic] {
		ch.terminate(StateErrored)
		delete(b.topics[topic], id)
		b.dropPresenceLocked(topic, id)
	}
}

// publishLocked 구독자에게 논블로킹 전달. b.mu를 잡은 상태에서 호출.
func (b *MemoryBus) publishLocked(msg Message) {
	for _, ch := range b.topics[msg.Topic] {
		select {
		case ch.msgs <- msg:
		default:
			b.logger.Warn("Dropping message for slow subscriber",
				zap.String("topic", msg.Topic),
				zap.String("event", msg.Event),
				zap.String("channel", ch.id))
		}
	}
}

func (b *MemoryBus) presenceListLocked(topic string) []Presence {
	list := make([]Presence, 0, len(b.presence[topic]))
	for _, p := range b.presence[topic] {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list
}

func (b *MemoryBus) dropPresenceLocked(topic, key string) {
	p, ok := b.presence[topic][key]
	if !ok {
		return
	}
	delete(b.presence[topic], key)
	now := b.now()
	b.publishLocked(Message{Topic: topic, Event: EventPresenceLeave, Sender: key, SentAt: now, Presences: []Presence{p}})
	b.publishLocked(Message{Topic: topic, Event: EventPresenceSync, Sender: key, SentAt: now, Presences: b.presenceListLocked(topic)})
}

type memoryChannel struct {
	bus   *MemoryBus
	id    string
	topic string
	msgs  chan Message
	state State // guarded by bus.mu
}

func (c *memoryChannel) Topic() string { return c.topic }
func (c *memoryChannel) ID() string    { return c.id }

func (c *memoryChannel) Messages() <-chan Message { return c.msgs }

func (c *memoryChannel) State() State {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	return c.state
}

func (c *memoryChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "send", Topic: c.topic, Err: err}
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return &TransportError{Op: "send", Topic: c.topic, Err: err}
	}
	b.publishLocked(Message{Topic: c.topic, Event: event, Payload: data, Sender: c.id, SentAt: b.now()})
	return nil
}

func (c *memoryChannel) Track(ctx context.Context, p Presence) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return &TransportError{Op: "track", Topic: c.topic, Err: err}
	}
	if b.presence[c.topic] == nil {
		b.presence[c.topic] = make(map[string]Presence)
	}
	p.Key = c.id
	b.presence[c.topic][c.id] = p

	now := b.now()
	b.publishLocked(Message{Topic: c.topic, Event: EventPresenceJoin, Sender: c.id, SentAt: now, Presences: []Presence{p}})
	b.publishLocked(Message{Topic: c.topic, Event: EventPresenceSync, Sender: c.id, SentAt: now, Presences: b.presenceListLocked(c.topic)})
	return nil
}

func (c *memoryChannel) Untrack(ctx context.Context) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropPresenceLocked(c.topic, c.id)
	return nil
}

func (c *memoryChannel) Close() error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.state == StateClosed || c.state == StateErrored {
		return nil
	}
	delete(b.topics[c.topic], c.id)
	b.dropPresenceLocked(c.topic, c.id)
	c.terminate(StateClosed)
	return nil
}

// terminate b.mu를 잡은 상태에서 호출
func (c *memoryChannel) terminate(s State) {
	if c.state == StateClosed || c.state == StateErrored {
		return
	}
	c.state = s
	close(c.msgs)
}

func (c *memoryChannel) usableLocked() error {
	switch c.state {
	case StateClosed:
		return ErrChannelClosed
	case StateErrored:
		return ErrChannelErrored
	}
	return nil
}
