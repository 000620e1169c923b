package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NODE_ID", "node-a")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, 48*time.Hour, cfg.RoomTTL)
	assert.Equal(t, 24*time.Hour, cfg.TombstoneTTL)
	assert.Equal(t, TimeoutForfeit, cfg.TimeoutPolicy)
	assert.Equal(t, 1, cfg.SeriesBestOf)
	assert.GreaterOrEqual(t, cfg.AIPoolSize, 1)
	assert.True(t, cfg.AutoStart)
	assert.Zero(t, cfg.TokenExpire)
}

func TestTokenExpire(t *testing.T) {
	t.Setenv("TOKEN_EXPIRE_TIME", "never")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.TokenExpire)

	t.Setenv("TOKEN_EXPIRE_TIME", "2h")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.TokenExpire)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TURN_LIMIT", "1500")
	t.Setenv("HOLDER_LEASE_TTL", "20s")
	t.Setenv("SERIES_BEST_OF", "5")
	t.Setenv("TIMEOUT_POLICY", "AUTO_MOVE")
	t.Setenv("AUTO_START", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.TurnLimit)
	assert.Equal(t, 20*time.Second, cfg.HolderLeaseTTL)
	assert.Equal(t, 5, cfg.SeriesBestOf)
	assert.Equal(t, TimeoutAutoMove, cfg.TimeoutPolicy)
	assert.False(t, cfg.AutoStart)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("TIMEOUT_POLICY", "explode")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("TIMEOUT_POLICY", "forfeit")
	t.Setenv("SWEEP_INTERVAL", "30s")
	_, err = Load()
	assert.Error(t, err, "sweep interval longer than the holder lease must be refused")
}
