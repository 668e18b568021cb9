// Package broadcast is the publish/subscribe transport between match
// participants. Delivery is at-least-once and only ordered per sender on a
// best-effort basis; presence changes are delivered as ordinary messages.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrChannelClosed  = errors.New("channel closed")
	ErrChannelErrored = errors.New("channel errored")
)

// State 채널 연결 상태
type State string

const (
	StateJoining State = "joining"
	StateJoined  State = "joined"
	StateErrored State = "CHANNEL_ERROR"
	StateClosed  State = "CLOSED"
)

// Presence 이벤트 이름
const (
	EventPresenceJoin  = "presence_join"
	EventPresenceLeave = "presence_leave"
	EventPresenceSync  = "presence_sync"
)

// Presence 채널 멤버 메타데이터. Key는 추적한 채널의 ID.
type Presence struct {
	Key     string `json:"key"`
	Address string `json:"address"`
	Role    string `json:"role,omitempty"`
	IsReady bool   `json:"isReady"`
}

// Message 토픽에서 받은 메시지 하나
type Message struct {
	Topic     string          `json:"topic"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
	Presences []Presence      `json:"presences,omitempty"`
}

// IsPresence presence join/leave/sync 메시지 여부
func (m Message) IsPresence() bool {
	switch m.Event {
	case EventPresenceJoin, EventPresenceLeave, EventPresenceSync:
		return true
	}
	return false
}

// Channel 세션 범위의 토픽 핸들. 자신이 보낸 메시지도 되돌아온다 (Sender == ID()).
type Channel interface {
	Topic() string
	ID() string
	Send(ctx context.Context, event string, payload any) error
	// Messages 채널이 닫히거나 오류 상태가 되면 닫힌다
	Messages() <-chan Message
	Track(ctx context.Context, p Presence) error
	Untrack(ctx context.Context) error
	State() State
	Close() error
}

// Bus 토픽 채널을 여는 전송 계층
type Bus interface {
	Open(ctx context.Context, topic string) (Channel, error)
}

// TransportError 구독/전송 실패. 재시도 가능하며 세션을 끝내지 않는다.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broadcast %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// bufferSize 구독자당 수신 버퍼. 가득 차면 메시지를 버린다 (느린 구독자가 발신자를 막지 않도록).
const bufferSize = 256

// Topic names.

// GameTopic 매치별 토픽
func GameTopic(matchID string) string {
	return "game:" + matchID
}

// MatchIDOf game 토픽의 매치 ID
func MatchIDOf(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "game:")
	return id, ok && id != ""
}

// QueueTopic 매칭 푸시 알림 토픽
const QueueTopic = "matchmaking:queue"
