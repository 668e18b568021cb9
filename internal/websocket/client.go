package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/veilstar/brawl-backend/internal/events"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// 토픽 작업 한 번에 허용하는 시간
	opTimeout = 5 * time.Second
)

var (
	ErrReadOnlyTopic  = errors.New("topic is read-only")
	ErrEventForbidden = errors.New("event is server-authoritative")
	ErrRoleMismatch   = errors.New("event player does not match ticket role")
	ErrNoIdentity     = errors.New("ticket required")
)

// Client 웹소켓 연결 하나. 토픽 채널 하나에 대응한다.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	channel  broadcast.Channel
	topic    string
	identity Identity
	send     chan broadcast.Frame
	logger   *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient 클라이언트 생성
func NewClient(hub *Hub, conn *websocket.Conn, channel broadcast.Channel, identity Identity) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		channel:  channel,
		topic:    channel.Topic(),
		identity: identity,
		send:     make(chan broadcast.Frame, 256),
		logger:   hub.logger.With(zap.String("topic", channel.Topic())),
		done:     make(chan struct{}),
	}
}

// close 채널과 연결을 닫는다 (여러 번 호출해도 안전)
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if c.identity.Address != "" {
			_ = c.channel.Untrack(ctx)
		}
		_ = c.channel.Close()
		c.conn.Close()
	})
}

// enqueue 연결이 느리면 프레임을 버린다
func (c *Client) enqueue(f broadcast.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		c.logger.Warn("Client send channel full, dropping frame",
			zap.String("address", c.identity.Address),
			zap.String("type", f.Type))
	}
}

// forward 토픽 메시지를 연결로 전달. 토픽이 끊기면 연결도 닫아 클라이언트가 다시 붙게 한다.
func (c *Client) forward() {
	defer c.close()

	for {
		select {
		case msg, ok := <-c.channel.Messages():
			if !ok {
				c.logger.Warn("Topic channel lost, closing client",
					zap.String("state", string(c.channel.State())))
				return
			}
			c.enqueue(broadcast.Frame{Type: broadcast.FrameMessage, Message: &msg})
		case <-c.done:
			return
		}
	}
}

// readPump 클라이언트 프레임 처리 (핑/퐁 유지)
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f broadcast.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket read error",
					zap.String("address", c.identity.Address),
					zap.Error(err))
			}
			return
		}

		if err := c.handle(f); err != nil {
			c.logger.Debug("Rejected client frame",
				zap.String("type", f.Type),
				zap.String("event", f.Event),
				zap.Error(err))
			c.enqueue(broadcast.Frame{Type: broadcast.FrameError, Event: f.Event, Error: err.Error()})
		}
	}
}

// writePump 프레임을 클라이언트에게 전송
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Error("Failed to write frame",
					zap.String("address", c.identity.Address),
					zap.Error(err))
				return
			}

		case <-ticker.C:
			// Ping 전송
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) handle(f broadcast.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch f.Type {
	case broadcast.FrameSend:
		if err := c.authorizeSend(f); err != nil {
			return err
		}
		return c.channel.Send(ctx, f.Event, f.Payload)

	case broadcast.FrameTrack:
		if c.identity.MatchID == "" {
			return ErrNoIdentity
		}
		if f.Presence == nil {
			return errors.New("presence is required")
		}
		// 표시 정보는 티켓에서 가져온다
		p := *f.Presence
		p.Address = c.identity.Address
		p.Role = string(c.identity.Role)
		return c.channel.Track(ctx, p)

	case broadcast.FrameUntrack:
		if c.identity.MatchID == "" {
			return ErrNoIdentity
		}
		return c.channel.Untrack(ctx)
	}
	return fmt.Errorf("unknown frame type %q", f.Type)
}

// authorizeSend 클라이언트가 보낼 수 있는 것은 자기 역할의 character_selected뿐이다
func (c *Client) authorizeSend(f broadcast.Frame) error {
	if _, ok := broadcast.MatchIDOf(c.topic); !ok {
		return ErrReadOnlyTopic
	}
	if c.identity.MatchID == "" {
		return ErrNoIdentity
	}

	e, err := events.Decode(broadcast.Message{Topic: c.topic, Event: f.Event, Payload: f.Payload})
	if err != nil {
		return err
	}
	sel, ok := e.(events.CharacterSelected)
	if !ok {
		return ErrEventForbidden
	}
	if sel.Player != c.identity.Role {
		return ErrRoleMismatch
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeWs 토픽 채널을 연 뒤 연결을 업그레이드하고 펌프를 시작
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, topic string, identity Identity) {
	u := upgrader
	u.CheckOrigin = hub.checkOrigin

	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	channel, err := hub.bus.Open(ctx, topic)
	cancel()
	if err != nil {
		hub.logger.Error("Failed to open topic for WebSocket client",
			zap.String("topic", topic),
			zap.Error(err))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(broadcast.Frame{Type: broadcast.FrameError, Error: "topic unavailable"})
		conn.Close()
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(broadcast.Frame{Type: broadcast.FrameJoined, ChannelID: channel.ID()}); err != nil {
		channel.Close()
		conn.Close()
		return
	}

	client := NewClient(hub, conn, channel, identity)
	if !hub.add(client) {
		client.close()
		return
	}

	// 고루틴 시작
	go client.writePump()
	go client.forward()
	go client.readPump()
}
