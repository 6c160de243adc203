package jwtutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	t.Parallel()

	tok, err := GenerateToken("secret", time.Hour, 7, "alice")
	require.NoError(t, err)

	claims, err := ParseToken("secret", tok)
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestParseToken_Rejects(t *testing.T) {
	t.Parallel()

	expired, err := GenerateToken("secret", -time.Second, 1, "bob")
	require.NoError(t, err)
	good, err := GenerateToken("secret", time.Hour, 1, "bob")
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{name: "expired", secret: "secret", token: expired},
		{name: "wrong secret", secret: "other", token: good},
		{name: "malformed", secret: "secret", token: "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.secret, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestGenerateToken_UniqueIDs(t *testing.T) {
	a, err := GenerateToken("s", time.Hour, 1, "u")
	require.NoError(t, err)
	b, err := GenerateToken("s", time.Hour, 1, "u")
	require.NoError(t, err)

	ca, err := ParseToken("s", a)
	require.NoError(t, err)
	cb, err := ParseToken("s", b)
	require.NoError(t, err)
	assert.NotEqual(t, ca.ID, cb.ID)
}
