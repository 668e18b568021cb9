package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
)

func TestDecode_TypedVariants(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload string
		check   func(t *testing.T, e Event)
	}{
		{
			name:    "character selected",
			event:   NameCharacterSelected,
			payload: `{"player":"player2","characterId":"vex","locked":true}`,
			check: func(t *testing.T, e Event) {
				cs, ok := e.(CharacterSelected)
				require.True(t, ok)
				assert.Equal(t, models.RolePlayer2, cs.Player)
				assert.True(t, cs.Locked)
			},
		},
		{
			name:    "match starting",
			event:   NameMatchStarting,
			payload: `{"startsAt":1700000003000,"player1":{"address":"GA","characterId":"ronin"},"player2":{"address":"GB","characterId":"vex"}}`,
			check: func(t *testing.T, e Event) {
				ms, ok := e.(MatchStarting)
				require.True(t, ok)
				assert.Equal(t, int64(1700000003000), ms.StartsAt)
				assert.Equal(t, "GB", ms.Player2.Address)
			},
		},
		{
			name:    "power surge",
			event:   NamePowerSurge,
			payload: `{"player":"player1","roundNumber":2,"cardCode":4,"submittedAt":9}`,
			check: func(t *testing.T, e Event) {
				ps, ok := e.(PowerSurge)
				require.True(t, ok)
				assert.Equal(t, uint32(4), ps.CardCode)
				assert.Equal(t, 2, ps.RoundNumber)
			},
		},
		{
			name:    "match found",
			event:   NameMatchFound,
			payload: `{"matchId":"m1","player1Address":"GA","player2Address":"GB","selectionDeadlineAt":5}`,
			check: func(t *testing.T, e Event) {
				mf, ok := e.(MatchFound)
				require.True(t, ok)
				assert.Equal(t, "m1", mf.MatchID)
				assert.True(t, mf.Involves("GB"))
			},
		},
		{
			name:    "match cancelled",
			event:   NameMatchCancelled,
			payload: `{"reason":"opponent_absent","message":"Opponent left","redirectTo":"/play"}`,
			check: func(t *testing.T, e Event) {
				assert.True(t, Terminal(e))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Decode(broadcast.Message{Event: tt.event, Payload: json.RawMessage(tt.payload)})
			require.NoError(t, err)
			assert.Equal(t, tt.event, e.Name())
			tt.check(t, e)
		})
	}
}

func TestDecode_Presence(t *testing.T) {
	e, err := Decode(broadcast.Message{
		Event:     broadcast.EventPresenceSync,
		Presences: []broadcast.Presence{{Key: "c1", Address: "GA", Role: "player1"}},
	})
	require.NoError(t, err)

	sync, ok := e.(PresenceSync)
	require.True(t, ok)
	assert.True(t, Present(sync.Presences, "GA"))
	assert.False(t, Present(sync.Presences, "GB"))
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode(broadcast.Message{Event: "ban_selected", Payload: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, ErrUnknownEvent))

	_, err = Decode(broadcast.Message{Event: NameCharacterSelected, Payload: json.RawMessage(`{"player":"player3","characterId":"x"}`)})
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	_, err = Decode(broadcast.Message{Event: NameRoundResolved, Payload: json.RawMessage(`not json`)})
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	_, err = Decode(broadcast.Message{Event: NameMatchEnded})
	assert.True(t, errors.Is(err, ErrMalformedEvent))
}

func TestPublish_RoundTripsThroughChannel(t *testing.T) {
	ctx := context.Background()
	bus := broadcast.NewMemoryBus(nil)
	ch, err := bus.Open(ctx, broadcast.GameTopic("m1"))
	require.NoError(t, err)
	defer ch.Close()

	sent := RoundResolved{
		RoundNumber: 1,
		TurnNumber:  3,
		Player1:     PlayerTurn{Move: models.MoveKick, DamageDealt: 22, HealthAfter: 100, EnergyAfter: 100},
		Player2:     PlayerTurn{Move: models.MovePunch, HealthAfter: 78, IsStunned: true},
		Narrative:   "Player 1 kicks",
	}
	require.NoError(t, Publish(ctx, ch, sent))

	msg := <-ch.Messages()
	got, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, sent, got)
}
