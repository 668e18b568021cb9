package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_GenerateAndVerify(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)

	token, err := m.Generate("match-1", "GA", "player1")
	require.NoError(t, err)

	claims, err := m.VerifyFor(token, "match-1")
	require.NoError(t, err)
	assert.Equal(t, "GA", claims.Address)
	assert.Equal(t, "player1", claims.Role)

	_, err = m.VerifyFor(token, "match-2")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_RejectsForeignAndExpired(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	other := NewJWTManager("other", time.Minute)

	token, err := other.Generate("match-1", "GA", "player1")
	require.NoError(t, err)
	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	now := time.Now()
	m.now = func() time.Time { return now }
	token, err = m.Generate("match-1", "GA", "player1")
	require.NoError(t, err)

	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = m.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
