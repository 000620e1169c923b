package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSetWithTTLExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSetNXOnlyOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lease", []byte("a"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lease", []byte("b"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompareAndSwap(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.CompareAndSwap(ctx, "k", nil, []byte("v1"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "absent key should accept a create")

	ok, err = s.CompareAndSwap(ctx, "k", nil, []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "existing key must refuse a create")

	ok, err = s.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestCompareAndSwapSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("base"), 0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.CompareAndSwap(ctx, "k", []byte("base"), []byte{byte('a' + i)}, 0)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCompareAndDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "lock", []byte("token-a"), 0))

	ok, err := s.CompareAndDelete(ctx, "lock", []byte("token-b"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndDelete(ctx, "lock", []byte("token-a"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, "lock")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOrderedSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i, m := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.ZAdd(ctx, "z", float64(i+1), m))
	}

	asc, err := s.ZRangeByScore(ctx, "z", ZRange{Min: "2", Max: "+inf", Count: 2})
	require.NoError(t, err)
	require.Len(t, asc, 2)
	assert.Equal(t, "b", asc[0].Member)
	assert.Equal(t, "c", asc[1].Member)

	desc, err := s.ZRangeByScore(ctx, "z", ZRange{Max: "(4", Rev: true})
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, "c", desc[0].Member)
	assert.Equal(t, float64(3), desc[0].Score)

	require.NoError(t, s.ZRem(ctx, "z", "c"))
	desc, err = s.ZRangeByScore(ctx, "z", ZRange{Rev: true, Offset: 1})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "b", desc[0].Member)
}

func TestStoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	err = s.Set(ctx, "k", []byte("v"), 0)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestRedisPublisherQueuesAndPublishes(t *testing.T) {
	s, mr := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewRedisPublisher(s.Client(), "events", "events:live", "node-1", nil)
	sub := p.Subscribe(ctx)
	// let the subscription register before publishing
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("events:live")) == 1
	}, time.Second, 10*time.Millisecond)

	p.Publish(ctx, models.RoomEvent{Type: models.EventRoomCreated, RoomID: "r1"})

	select {
	case ev := <-sub:
		assert.Equal(t, models.EventRoomCreated, ev.Type)
		assert.Equal(t, "node-1", ev.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received on channel")
	}

	queued, err := mr.List("events")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	var ev models.RoomEvent
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &ev))
	assert.Equal(t, "r1", ev.RoomID)
	assert.NotZero(t, ev.Timestamp)
}
