package ongoing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jason-s-yu/turnroom/internal/cache"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewTracker(cache.NewRedisStore(rdb), cache.Keys{Prefix: "t:"}, 0, nil), mr
}

func TestSaveFindClear(t *testing.T) {
	tr, mr := newTracker(t)
	ctx := context.Background()

	info := &models.OngoingGameInfo{GameType: "gomoku", RoomID: "r1", GameID: "g1", Title: "evening"}
	require.NoError(t, tr.Save(ctx, "u1", info))
	assert.Equal(t, DefaultTTL, mr.TTL("t:user:ongoing:u1"))

	got, err := tr.Find(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.RoomID)
	assert.NotZero(t, got.UpdatedAt)

	// overwrite on re-entry
	require.NoError(t, tr.Save(ctx, "u1", &models.OngoingGameInfo{GameType: "gomoku", RoomID: "r2"}))
	got, err = tr.Find(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.RoomID)

	require.NoError(t, tr.Clear(ctx, "u1"))
	got, err = tr.Find(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBlankInputsAreNoOps(t *testing.T) {
	tr, mr := newTracker(t)
	ctx := context.Background()

	assert.NoError(t, tr.Save(ctx, "", &models.OngoingGameInfo{RoomID: "r1"}))
	assert.NoError(t, tr.Save(ctx, "  ", &models.OngoingGameInfo{RoomID: "r1"}))
	assert.NoError(t, tr.Save(ctx, "u1", nil))
	assert.Empty(t, mr.Keys())

	got, err := tr.Find(ctx, "")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, tr.Clear(ctx, ""))
}

func TestPointerExpires(t *testing.T) {
	tr, mr := newTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Save(ctx, "u1", &models.OngoingGameInfo{RoomID: "r1"}))

	mr.FastForward(DefaultTTL + time.Minute)
	got, err := tr.Find(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCorruptPointerIsDropped(t *testing.T) {
	tr, mr := newTracker(t)
	require.NoError(t, mr.Set("t:user:ongoing:u1", "{not json"))

	got, err := tr.Find(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists("t:user:ongoing:u1"))
}
