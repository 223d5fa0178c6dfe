package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomTokenRoundTrip(t *testing.T) {
	m := NewTokenManager("test-secret", time.Hour)

	token, err := m.GenerateRoomToken("room-1", "u-1", "Alice", "https://example.com/a.png", "")
	require.NoError(t, err)

	claims, err := m.ValidateRoomToken(token, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, "room-1", claims.Room)
	assert.Equal(t, UserColor("u-1"), claims.Color)
}

func TestRoomTokenScopedToRoom(t *testing.T) {
	m := NewTokenManager("test-secret", time.Hour)

	token, err := m.GenerateRoomToken("room-1", "u-1", "Alice", "", "")
	require.NoError(t, err)

	_, err = m.ValidateRoomToken(token, "room-2")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRoomTokenExpiry(t *testing.T) {
	m := NewTokenManager("test-secret", -time.Minute)

	token, err := m.GenerateRoomToken("room-1", "u-1", "Alice", "", "")
	require.NoError(t, err)

	_, err = m.ValidateRoomToken(token, "room-1")
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestRoomTokenWrongSecret(t *testing.T) {
	token, err := NewTokenManager("secret-a", time.Hour).GenerateRoomToken("room-1", "u-1", "", "", "")
	require.NoError(t, err)

	_, err = NewTokenManager("secret-b", time.Hour).ValidateRoomToken(token, "room-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserColorIsStable(t *testing.T) {
	c := UserColor("u-1")
	assert.Equal(t, c, UserColor("u-1"))
	assert.Contains(t, userColors, c)
}

func TestNewGuestHasUniqueID(t *testing.T) {
	a := NewGuest("")
	b := NewGuest("Maya")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "Maya", b.Name)
}
