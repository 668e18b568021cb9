package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame 타입
const (
	FrameJoined  = "channel_joined"
	FrameMessage = "message"
	FrameSend    = "send"
	FrameTrack   = "presence_track"
	FrameUntrack = "presence_untrack"
	FrameError   = "error"
)

// Frame 웹소켓 브리지의 와이어 포맷. 서버 허브와 WSBus가 공유한다.
type Frame struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Presence  *Presence       `json:"presence,omitempty"`
	Message   *Message        `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

const wsWriteWait = 10 * time.Second

// WSBus 서버의 /ws 엔드포인트를 통해 토픽에 붙는 클라이언트 측 Bus
type WSBus struct {
	// URL 예: ws://localhost:8080/ws
	URL string
	// Token 토픽별 Bearer 토큰. nil이거나 빈 문자열이면 헤더를 보내지 않는다.
	Token  func(topic string) string
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Open 웹소켓 연결 후 channel_joined 프레임을 받을 때까지 기다린다
func (b *WSBus) Open(ctx context.Context, topic string) (Channel, error) {
	u, err := url.Parse(b.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if b.Token != nil {
		if tok := b.Token(topic); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, &TransportError{Op: "open", Topic: topic, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var joined Frame
	if err := conn.ReadJSON(&joined); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "open", Topic: topic, Err: err}
	}
	if joined.Type != FrameJoined {
		conn.Close()
		return nil, &TransportError{Op: "open", Topic: topic, Err: fmt.Errorf("unexpected frame %q: %s", joined.Type, joined.Error)}
	}
	conn.SetReadDeadline(time.Time{})

	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ch := &wsChannel{
		conn:   conn,
		id:     joined.ChannelID,
		topic:  topic,
		msgs:   make(chan Message, bufferSize),
		state:  StateJoined,
		logger: logger,
	}
	go ch.readLoop()
	return ch, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	id     string
	topic  string
	msgs   chan Message
	logger *zap.Logger

	writeMu sync.Mutex

	mu    sync.Mutex
	state State
}

func (c *wsChannel) Topic() string            { return c.topic }
func (c *wsChannel) ID() string               { return c.id }
func (c *wsChannel) Messages() <-chan Message { return c.msgs }

func (c *wsChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *wsChannel) readLoop() {
	defer close(c.msgs)

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			if c.state != StateClosed {
				c.state = StateErrored
			}
			c.mu.Unlock()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Broadcast socket read failed",
					zap.String("topic", c.topic),
					zap.Error(err))
			}
			return
		}

		switch f.Type {
		case FrameMessage:
			if f.Message == nil {
				continue
			}
			select {
			case c.msgs <- *f.Message:
			default:
				c.logger.Warn("Dropping message for slow subscriber",
					zap.String("topic", c.topic),
					zap.String("event", f.Message.Event))
			}
		case FrameError:
			c.logger.Warn("Broadcast server rejected frame",
				zap.String("topic", c.topic),
				zap.String("error", f.Error))
		}
	}
}

func (c *wsChannel) write(ctx context.Context, op string, f Frame) error {
	switch c.State() {
	case StateClosed:
		return &TransportError{Op: op, Topic: c.topic, Err: ErrChannelClosed}
	case StateErrored:
		return &TransportError{Op: op, Topic: c.topic, Err: ErrChannelErrored}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(f); err != nil {
		return &TransportError{Op: op, Topic: c.topic, Err: err}
	}
	return nil
}

func (c *wsChannel) Send(ctx context.Context, event string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, "send", Frame{Type: FrameSend, Event: event, Payload: data})
}

func (c *wsChannel) Track(ctx context.Context, p Presence) error {
	return c.write(ctx, "track", Frame{Type: FrameTrack, Presence: &p})
}

func (c *wsChannel) Untrack(ctx context.Context) error {
	return c.write(ctx, "untrack", Frame{Type: FrameUntrack})
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
