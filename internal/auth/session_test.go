package auth

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	s, err := NewSessions(time.Hour)
	require.NoError(t, err)

	token, err := s.CreateJWT("u1")
	require.NoError(t, err)
	sub, err := s.AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)
}

func TestGuest(t *testing.T) {
	s, err := NewSessions(0)
	require.NoError(t, err)

	userID, token, err := s.CreateGuest()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(userID, "guest-"))
	sub, err := s.AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, userID, sub)
}

func TestExpiredToken(t *testing.T) {
	s, err := NewSessions(time.Minute)
	require.NoError(t, err)
	token, err := s.CreateJWT("u1")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = s.AuthenticateJWT(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestForeignKeyRejected(t *testing.T) {
	a, err := NewSessions(0)
	require.NoError(t, err)
	b, err := NewSessions(0)
	require.NoError(t, err)

	token, err := a.CreateJWT("u1")
	require.NoError(t, err)
	_, err = b.AuthenticateJWT(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = b.AuthenticateJWT("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromPath(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "key")
	pubPath := filepath.Join(dir, "key.pub")
	require.NoError(t, os.WriteFile(privPath, priv, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pub, 0o600))

	s, err := NewSessionsFromPath(privPath, pubPath, 0)
	require.NoError(t, err)
	token, err := s.CreateJWT("u1")
	require.NoError(t, err)
	sub, err := s.AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)

	_, err = NewSessionsFromPath(pubPath, pubPath, 0)
	assert.Error(t, err)
}
