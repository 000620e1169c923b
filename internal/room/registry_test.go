package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jason-s-yu/turnroom/internal/cache"
	_ "github.com/jason-s-yu/turnroom/internal/game/gomoku"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.RoomEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.RoomEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []models.RoomEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.RoomEventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	reg    *Registry
	mr     *miniredis.Miniredis
	events *recordingPublisher
	clock  *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := time.UnixMilli(1_700_000_000_000)
	f := &fixture{mr: mr, events: &recordingPublisher{}, clock: &now}
	f.reg = NewRegistry(cache.NewRedisStore(rdb), Options{
		Keys:         cache.Keys{Prefix: "t:"},
		RoomTTL:      time.Hour,
		TombstoneTTL: time.Minute,
		SeatLockTTL:  time.Second,
		Events:       f.events,
		Now:          func() time.Time { return *f.clock },
	})
	return f
}

func (f *fixture) tick(d time.Duration) { *f.clock = f.clock.Add(d) }

func (f *fixture) create(t *testing.T, owner string) *models.RoomMeta {
	t.Helper()
	meta, err := f.reg.CreateRoom(context.Background(), CreateRoomRequest{OwnerUserID: owner})
	require.NoError(t, err)
	return meta
}

func TestCreateRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meta, err := f.reg.CreateRoom(ctx, CreateRoomRequest{
		OwnerUserID: "u1",
		Title:       "  evening match ",
		Mode:        "turn_based",
		Rule:        models.RuleRenju,
		BestOf:      3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, models.PhaseWaiting, meta.Phase)
	assert.Equal(t, models.ModeTurnBased, meta.Mode)
	assert.Equal(t, DefaultGameType, meta.GameType)
	assert.Equal(t, "evening match", meta.Title)
	assert.True(t, meta.AutoStart)
	assert.Equal(t, int64(1_700_000_000_000), meta.CreatedAt)

	got, err := f.reg.Get(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
	assert.Equal(t, []models.RoomEventType{models.EventRoomCreated}, f.events.types())
}

func TestCreateRoomValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		req   CreateRoomRequest
		field string
	}{
		{"no owner", CreateRoomRequest{}, "ownerUserId"},
		{"bad mode", CreateRoomRequest{OwnerUserID: "u", Mode: "SIMULTANEOUS"}, "mode"},
		{"bad rule", CreateRoomRequest{OwnerUserID: "u", Rule: "CHESS960"}, "rule"},
		{"bad game", CreateRoomRequest{OwnerUserID: "u", GameType: "poker"}, "gameType"},
		{"negative best of", CreateRoomRequest{OwnerUserID: "u", BestOf: -1}, "bestOf"},
		{"negative turn limit", CreateRoomRequest{OwnerUserID: "u", TurnLimitMs: -5}, "turnLimitMs"},
		{"turn limit beyond room lifetime", CreateRoomRequest{OwnerUserID: "u", TurnLimitMs: (2 * time.Hour).Milliseconds()}, "turnLimitMs"},
		{"overflowing turn limit", CreateRoomRequest{OwnerUserID: "u", TurnLimitMs: 10_000_000_000_000}, "turnLimitMs"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.reg.CreateRoom(context.Background(), tc.req)
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestClaimSeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.create(t, "u1")

	seat, err := f.reg.ClaimSeat(ctx, meta.ID, "X", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", seat.Occupant)

	_, err = f.reg.ClaimSeat(ctx, meta.ID, "X", "u2")
	assert.ErrorIs(t, err, models.ErrSeatConflict)

	_, err = f.reg.ClaimSeat(ctx, meta.ID, "Z", "u2")
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = f.reg.ClaimSeat(ctx, "missing", "X", "u2")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.reg.ClaimSeat(ctx, meta.ID, "O", "u2")
	require.NoError(t, err)

	seats, err := f.reg.Seats(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.Seat{
		{RoomID: meta.ID, Key: "X", Occupant: "u1"},
		{RoomID: meta.ID, Key: "O", Occupant: "u2"},
	}, seats)

	// the lock never outlives the claim
	assert.False(t, f.mr.Exists("t:room:seatlock:"+meta.ID+":X"))
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.create(t, "owner")

	const clients = 12
	var wg sync.WaitGroup
	results := make([]error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.reg.ClaimSeat(ctx, meta.ID, "X", fmt.Sprintf("u%d", i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, models.ErrSeatConflict)
	}
	assert.Equal(t, 1, wins)
}

func TestOneSeatPerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.create(t, "u1")

	_, err := f.reg.ClaimSeat(ctx, meta.ID, "X", "u1")
	require.NoError(t, err)
	_, err = f.reg.ClaimSeat(ctx, meta.ID, "O", "u1")
	assert.ErrorIs(t, err, models.ErrSeatConflict)
	_, err = f.reg.ClaimSeat(ctx, meta.ID, "X", "u1")
	assert.ErrorIs(t, err, models.ErrSeatConflict)

	// a lost seat race does not leave the user marked as seated
	_, err = f.reg.ClaimSeat(ctx, meta.ID, "X", "u2")
	assert.ErrorIs(t, err, models.ErrSeatConflict)
	_, err = f.reg.ClaimSeat(ctx, meta.ID, "O", "u2")
	require.NoError(t, err)

	// releasing frees the user to sit elsewhere
	require.NoError(t, f.reg.ReleaseSeat(ctx, meta.ID, "X", "u1"))
	require.NoError(t, f.reg.ReleaseSeat(ctx, meta.ID, "O", "u2"))
	_, err = f.reg.ClaimSeat(ctx, meta.ID, "O", "u1")
	require.NoError(t, err)

	// AI occupants of the same level may fill several seats
	_, err = f.reg.ClaimSeat(ctx, meta.ID, "X", "ai:greedy")
	require.NoError(t, err)
	other := f.create(t, "u3")
	_, err = f.reg.ClaimSeat(ctx, other.ID, "X", "ai:greedy")
	require.NoError(t, err)
	_, err = f.reg.ClaimSeat(ctx, other.ID, "O", "ai:greedy")
	require.NoError(t, err)
}

func TestConcurrentClaimsBySameUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const rooms = 20
	for i := 0; i < rooms; i++ {
		meta := f.create(t, "owner")
		var wg sync.WaitGroup
		results := make([]error, 2)
		for j, seat := range []string{"X", "O"} {
			wg.Add(1)
			go func(j int, seat string) {
				defer wg.Done()
				_, results[j] = f.reg.ClaimSeat(ctx, meta.ID, seat, "u1")
			}(j, seat)
		}
		wg.Wait()

		seats, err := f.reg.Seats(ctx, meta.ID)
		require.NoError(t, err)
		held := 0
		for _, s := range seats {
			if s.Occupant == "u1" {
				held++
			}
		}
		assert.Equal(t, 1, held, "room %s", meta.ID)
	}
}

func TestDeleteRoomClearsOccupants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.create(t, "u1")
	_, err := f.reg.ClaimSeat(ctx, meta.ID, "X", "u1")
	require.NoError(t, err)
	require.True(t, f.mr.Exists("t:room:occupant:"+meta.ID+":u1"))

	require.NoError(t, f.reg.DeleteRoom(ctx, meta.ID))
	assert.False(t, f.mr.Exists("t:room:occupant:"+meta.ID+":u1"))
}

type failingIndex struct {
	cache.Store
}

func (failingIndex) ZAdd(context.Context, string, float64, string) error {
	return fmt.Errorf("zadd: %w", models.ErrStoreUnavailable)
}

func TestCreateRoomRollsBackWhenIndexFails(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	reg := NewRegistry(failingIndex{cache.NewRedisStore(rdb)}, Options{Keys: cache.Keys{Prefix: "t:"}})

	_, err := reg.CreateRoom(context.Background(), CreateRoomRequest{OwnerUserID: "u1"})
	require.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.Empty(t, mr.Keys(), "no room metadata may outlive a failed create")
}

func TestClaimRefusedOutsideWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.create(t, "u1")
	_, err := f.reg.TransitionPhase(ctx, meta.ID, models.PhaseWaiting, models.PhasePlaying)
	require.NoError(t, err)

	_, err = f.reg.ClaimSeat(ctx, meta.ID, "X", "u1")
	assert.ErrorIs(t, err, models.ErrSeatConflict)
}

func TestReleaseSeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.create(t, "u1")
	_, err := f.reg.ClaimSeat(ctx, meta.ID, "X", "u1")
	require.NoError(t, err)

	assert.ErrorIs(t, f.reg.ReleaseSeat(ctx, meta.ID, "X", "u2"), models.ErrSeatConflict)
	require.NoError(t, f.reg.ReleaseSeat(ctx, meta.ID, "X", "u1"))

	_, err = f.reg.ClaimSeat(ctx, meta.ID, "X", "u2")
	require.NoError(t, err)

	_, err = f.reg.TransitionPhase(ctx, meta.ID, models.PhaseWaiting, models.PhasePlaying)
	require.NoError(t, err)
	assert.ErrorIs(t, f.reg.ReleaseSeat(ctx, meta.ID, "X", "u2"), models.ErrSeatConflict)
}

func TestTransitionPhaseCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.create(t, "u1")

	_, err := f.reg.TransitionPhase(ctx, meta.ID, models.PhaseWaiting, models.PhaseEnded)
	assert.ErrorIs(t, err, models.ErrIllegalTransition, "phases cannot be skipped")

	_, err = f.reg.TransitionPhase(ctx, meta.ID, models.PhasePlaying, models.PhaseEnded)
	assert.ErrorIs(t, err, models.ErrIllegalTransition, "from must match the stored phase")

	for _, step := range [][2]models.Phase{
		{models.PhaseWaiting, models.PhasePlaying},
		{models.PhasePlaying, models.PhaseEnded},
		{models.PhaseEnded, models.PhaseWaiting},
	} {
		f.tick(time.Second)
		got, err := f.reg.TransitionPhase(ctx, meta.ID, step[0], step[1])
		require.NoError(t, err)
		assert.Equal(t, step[1], got.Phase)
		assert.Greater(t, got.UpdatedAt, meta.CreatedAt)
	}
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	meta := f.create(t, "u1")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.reg.TransitionPhase(ctx, meta.ID, models.PhaseWaiting, models.PhasePlaying)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

func TestListRoomsPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 7; i++ {
		ids = append(ids, f.create(t, "u1").ID)
		// two rooms share every timestamp to exercise tie-breaking
		if i%2 == 1 {
			f.tick(time.Millisecond)
		}
	}

	seen := map[string]int{}
	var order []int64
	cursor := ""
	pages := 0
	for {
		page, err := f.reg.ListRooms(ctx, cursor, 3)
		require.NoError(t, err)
		pages++
		for _, item := range page.Items {
			seen[item.RoomID]++
			order = append(order, item.CreatedAt)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		require.NotEmpty(t, page.NextCursor)
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Len(t, seen, len(ids))
	for _, id := range ids {
		assert.Equal(t, 1, seen[id], "room %s listed once", id)
	}
	for i := 1; i < len(order); i++ {
		assert.LessOrEqual(t, order[i], order[i-1])
	}
}

func TestListRoomsRendersTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "u1")
	f.tick(time.Millisecond)
	b := f.create(t, "u1")

	require.NoError(t, f.reg.DeleteRoom(ctx, a.ID))
	_, err := f.reg.Get(ctx, a.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	page, err := f.reg.ListRooms(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, b.ID, page.Items[0].ID)
	assert.False(t, page.Items[0].Deleted)
	assert.Equal(t, models.Tombstone(a.ID), page.Items[1])
	assert.Contains(t, f.events.types(), models.EventRoomDeleted)

	assert.ErrorIs(t, f.reg.DeleteRoom(ctx, a.ID), models.ErrNotFound)
}

func TestListRoomsRejectsBadCursor(t *testing.T) {
	f := newFixture(t)
	for _, c := range []string{"!!!", "bm90LWEtY3Vyc29y", "YWJjOmlk"} {
		_, err := f.reg.ListRooms(context.Background(), c, 5)
		var ve *models.ValidationError
		assert.ErrorAs(t, err, &ve, "cursor %q", c)
	}
}

func TestPruneTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.create(t, "u1")
	gone := f.create(t, "u1")
	require.NoError(t, f.reg.DeleteRoom(ctx, gone.ID))

	n, err := f.reg.PruneTombstones(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n, "live tombstones keep their index entry")

	f.mr.FastForward(2 * time.Minute)
	n, err = f.reg.PruneTombstones(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	page, err := f.reg.ListRooms(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, keep.ID, page.Items[0].ID)
}
