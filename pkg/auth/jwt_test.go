package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-secret")

func TestLocalUserIDVerified(t *testing.T) {
	token, err := GenerateToken(testKey, "alice", time.Hour)
	require.NoError(t, err)

	id, err := LocalUserID(testKey, token)
	require.NoError(t, err)
	require.Equal(t, "alice", id)

	_, err = LocalUserID([]byte("other"), token)
	require.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestLocalUserIDUnverified(t *testing.T) {
	token, err := GenerateToken([]byte("server-only"), "bob", time.Hour)
	require.NoError(t, err)

	id, err := LocalUserID(nil, token)
	require.NoError(t, err)
	require.Equal(t, "bob", id)
}

func TestLocalUserIDRejects(t *testing.T) {
	expired, err := GenerateToken(testKey, "carol", -time.Minute)
	require.NoError(t, err)
	_, err = LocalUserID(nil, expired)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
	_, err = LocalUserID(testKey, expired)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	anon, err := GenerateToken(testKey, "", time.Hour)
	require.NoError(t, err)
	_, err = LocalUserID(testKey, anon)
	require.ErrorIs(t, err, ErrMissingUser)

	_, err = LocalUserID(nil, "not-a-token")
	require.Error(t, err)
}
