package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMalformedEvent = errors.New("malformed event")
)

// Decode 채널 경계에서 메시지를 타입이 있는 이벤트로 변환
func Decode(msg broadcast.Message) (Event, error) {
	switch msg.Event {
	case broadcast.EventPresenceJoin:
		return PresenceJoin{Presences: msg.Presences}, nil
	case broadcast.EventPresenceLeave:
		return PresenceLeave{Presences: msg.Presences}, nil
	case broadcast.EventPresenceSync:
		return PresenceSync{Presences: msg.Presences}, nil

	case NameMatchFound:
		var e MatchFound
		if err := unmarshal(msg, &e); err != nil {
			return nil, err
		}
		if e.MatchID == "" {
			return nil, malformed(msg, "missing matchId")
		}
		return e, nil
	case NameCharacterSelected:
		var e CharacterSelected
		if err := unmarshal(msg, &e); err != nil {
			return nil, err
		}
		if !e.Player.Valid() || e.CharacterID == "" {
			return nil, malformed(msg, "invalid player or character")
		}
		return e, nil
	case NameMatchStarting:
		var e MatchStarting
		return decodeInto(msg, &e)
	case NameTurnStarted:
		var e TurnStarted
		return decodeInto(msg, &e)
	case NameMoveSubmitted:
		var e MoveSubmitted
		if err := unmarshal(msg, &e); err != nil {
			return nil, err
		}
		if !e.Player.Valid() {
			return nil, malformed(msg, "invalid player")
		}
		return e, nil
	case NameMoveConfirmed:
		var e MoveConfirmed
		if err := unmarshal(msg, &e); err != nil {
			return nil, err
		}
		if !e.Player.Valid() {
			return nil, malformed(msg, "invalid player")
		}
		return e, nil
	case NamePowerSurge:
		var e PowerSurge
		if err := unmarshal(msg, &e); err != nil {
			return nil, err
		}
		if !e.Player.Valid() {
			return nil, malformed(msg, "invalid player")
		}
		return e, nil
	case NameSurgeConfirmed:
		var e SurgeConfirmed
		if err := unmarshal(msg, &e); err != nil {
			return nil, err
		}
		if !e.Player.Valid() {
			return nil, malformed(msg, "invalid player")
		}
		return e, nil
	case NameRoundResolved:
		var e RoundResolved
		return decodeInto(msg, &e)
	case NameMatchEnded:
		var e MatchEnded
		return decodeInto(msg, &e)
	case NameMatchCancelled:
		var e MatchCancelled
		return decodeInto(msg, &e)
	case NamePlayerDisconnected:
		var e PlayerDisconnected
		return decodeInto(msg, &e)
	case NamePlayerReconnected:
		var e PlayerReconnected
		return decodeInto(msg, &e)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
}

// decodeInto 검증이 필요 없는 이벤트용
func decodeInto[T Event](msg broadcast.Message, e *T) (Event, error) {
	if err := unmarshal(msg, e); err != nil {
		return nil, err
	}
	return *e, nil
}

func unmarshal(msg broadcast.Message, v any) error {
	if len(msg.Payload) == 0 {
		return malformed(msg, "empty payload")
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, msg.Event, err)
	}
	return nil
}

func malformed(msg broadcast.Message, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedEvent, msg.Event, reason)
}

// Encode 이벤트 이름과 JSON 페이로드
func Encode(e Event) (string, json.RawMessage, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s: %w", e.Name(), err)
	}
	return e.Name(), data, nil
}

// Publish 이벤트를 채널로 전송
func Publish(ctx context.Context, ch broadcast.Channel, e Event) error {
	name, payload, err := Encode(e)
	if err != nil {
		return err
	}
	return ch.Send(ctx, name, payload)
}

// Present presence 목록에 주소가 있는지
func Present(presences []broadcast.Presence, address string) bool {
	for _, p := range presences {
		if p.Address == address {
			return true
		}
	}
	return false
}

// TurnOf 해석 결과에서 한 플레이어의 스냅샷
func TurnOf(move models.Move, damage int, after models.PlayerCombatState) PlayerTurn {
	return PlayerTurn{
		Move:            move,
		DamageDealt:     damage,
		HealthAfter:     after.Health,
		EnergyAfter:     after.Energy,
		GuardMeterAfter: after.GuardMeter,
		IsStunned:       after.IsStunned,
	}
}
