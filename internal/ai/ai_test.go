package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jason-s-yu/turnroom/internal/game"
	"github.com/jason-s-yu/turnroom/internal/game/gomoku"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func position(t *testing.T, cmds ...game.Command) game.GameState {
	t.Helper()
	var s game.GameState = gomoku.New(models.RuleStandard)
	for _, c := range cmds {
		next, err := s.Apply(c)
		require.NoError(t, err)
		s = next
	}
	return s
}

// xHasFour leaves O to move facing X's open four on row 7.
func xHasFour(t *testing.T) game.GameState {
	return position(t,
		gomoku.Place(gomoku.SeatX, 7, 3), gomoku.Place(gomoku.SeatO, 0, 0),
		gomoku.Place(gomoku.SeatX, 7, 4), gomoku.Place(gomoku.SeatO, 0, 14),
		gomoku.Place(gomoku.SeatX, 7, 5), gomoku.Place(gomoku.SeatO, 14, 0),
		gomoku.Place(gomoku.SeatX, 7, 6),
	)
}

func TestZeroBudgetStillReturnsLegalMove(t *testing.T) {
	state := position(t, gomoku.Place(gomoku.SeatX, 7, 7))
	for _, level := range []Level{LevelRandom, LevelGreedy, LevelMonteCarlo} {
		t.Run(string(level), func(t *testing.T) {
			adv, err := NewAdvisor(level)
			require.NoError(t, err)

			cmd, err := adv.Suggest(context.Background(), state, 0)
			require.NoError(t, err)
			assert.Equal(t, gomoku.SeatO, cmd.PlayerID)
			_, err = state.Apply(cmd)
			assert.NoError(t, err)
		})
	}
}

func TestAdvisorsDoNotMutateState(t *testing.T) {
	state := xHasFour(t)
	before := state.Copy()
	adv := &MonteCarloAdvisor{Width: 3, Depth: 10}
	_, err := adv.Suggest(context.Background(), state, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, before, state)
}

func TestGreedyBlocksOpenFour(t *testing.T) {
	cmd, err := GreedyAdvisor{}.Suggest(context.Background(), xHasFour(t), 0)
	require.NoError(t, err)
	blocks := []game.Command{gomoku.Place(gomoku.SeatO, 7, 2), gomoku.Place(gomoku.SeatO, 7, 7)}
	assert.Contains(t, blocks, cmd)
}

func TestMonteCarloTakesImmediateWin(t *testing.T) {
	// X to move with four in a row
	state := position(t,
		gomoku.Place(gomoku.SeatX, 3, 3), gomoku.Place(gomoku.SeatO, 10, 10),
		gomoku.Place(gomoku.SeatX, 3, 4), gomoku.Place(gomoku.SeatO, 10, 11),
		gomoku.Place(gomoku.SeatX, 3, 5), gomoku.Place(gomoku.SeatO, 12, 0),
		gomoku.Place(gomoku.SeatX, 3, 6), gomoku.Place(gomoku.SeatO, 14, 14),
	)
	cmd, err := (&MonteCarloAdvisor{}).Suggest(context.Background(), state, 50*time.Millisecond)
	require.NoError(t, err)

	next, err := state.Apply(cmd)
	require.NoError(t, err)
	assert.Equal(t, gomoku.SeatX, next.Outcome().Winner)
}

func TestMonteCarloHonorsBudget(t *testing.T) {
	state := position(t, gomoku.Place(gomoku.SeatX, 7, 7))
	start := time.Now()
	_, err := (&MonteCarloAdvisor{}).Suggest(context.Background(), state, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNoLegalMoveOnFinishedGame(t *testing.T) {
	state := position(t, gomoku.Place(gomoku.SeatX, 7, 7), game.Resign(gomoku.SeatO))
	for _, level := range []Level{LevelRandom, LevelGreedy, LevelMonteCarlo} {
		adv, err := NewAdvisor(level)
		require.NoError(t, err)
		_, err = adv.Suggest(context.Background(), state, 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrNoLegalMove, string(level))
	}
	_, err := Fallback(state)
	assert.ErrorIs(t, err, ErrNoLegalMove)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" Greedy ")
	require.NoError(t, err)
	assert.Equal(t, LevelGreedy, l)

	_, err = ParseLevel("godlike")
	assert.Error(t, err)
	_, err = NewAdvisor("godlike")
	assert.Error(t, err)
}

type panicAdvisor struct{}

func (panicAdvisor) Suggest(context.Context, game.GameState, time.Duration) (game.Command, error) {
	panic("search blew up")
}

type failingAdvisor struct{}

func (failingAdvisor) Suggest(context.Context, game.GameState, time.Duration) (game.Command, error) {
	return game.Command{}, errors.New("broken")
}

type blockingAdvisor struct{ release chan struct{} }

func (b blockingAdvisor) Suggest(ctx context.Context, state game.GameState, _ time.Duration) (game.Command, error) {
	<-b.release
	return Fallback(state)
}

func newScheduler(t *testing.T, adv Advisor, size int) *Scheduler {
	t.Helper()
	s, err := NewScheduler(adv, SchedulerOptions{PoolSize: size})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(time.Second) })
	return s
}

func TestSchedulerFallsBackOnAdvisorFailure(t *testing.T) {
	state := position(t, gomoku.Place(gomoku.SeatX, 7, 7))
	want, err := Fallback(state)
	require.NoError(t, err)

	for name, adv := range map[string]Advisor{"panic": panicAdvisor{}, "error": failingAdvisor{}} {
		t.Run(name, func(t *testing.T) {
			s := newScheduler(t, adv, 2)
			cmd, err := s.Suggest(context.Background(), nil, state, 10*time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, want, cmd)
		})
	}
}

func TestSchedulerOverloadUsesFallback(t *testing.T) {
	block := blockingAdvisor{release: make(chan struct{})}
	s := newScheduler(t, block, 1)
	state := position(t, gomoku.Place(gomoku.SeatX, 7, 7))

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = s.Suggest(context.Background(), nil, state, time.Second)
	}()
	<-started
	require.Eventually(t, func() bool { return s.Running() == 1 }, time.Second, 5*time.Millisecond)

	cmd, err := s.Suggest(context.Background(), nil, state, time.Second)
	require.NoError(t, err)
	want, _ := Fallback(state)
	assert.Equal(t, want, cmd)
	close(block.release)
}

func TestSchedulerSubmitDeliversResult(t *testing.T) {
	s, err := NewScheduler(GreedyAdvisor{}, SchedulerOptions{PoolSize: 2, ThinkDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close(time.Second)

	state := xHasFour(t)
	got := make(chan game.Command, 1)
	require.NoError(t, s.Submit(context.Background(), nil, state, 0, func(cmd game.Command, err error) {
		assert.NoError(t, err)
		got <- cmd
	}))

	select {
	case cmd := <-got:
		assert.Equal(t, gomoku.SeatO, cmd.PlayerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no suggestion delivered")
	}
}
