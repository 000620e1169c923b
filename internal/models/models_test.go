// internal/models/models_test.go
package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeriesThreshold(t *testing.T) {
	assert.Equal(t, 1, NewRoomSeries("r", 0).Threshold())
	assert.Equal(t, 2, NewRoomSeries("r", 3).Threshold())
	assert.Equal(t, 3, NewRoomSeries("r", 4).Threshold())
}

func TestSeriesRecord(t *testing.T) {
	s := NewRoomSeries("r", 3)

	s.GameCount = 1
	s.Record(GameResult{Winner: "X"})
	assert.False(t, s.Completed)

	s.GameCount = 2
	s.Record(GameResult{})
	assert.False(t, s.Completed)
	assert.Equal(t, 1, s.Draws)

	s.GameCount = 3
	s.Record(GameResult{Winner: "X"})
	require.True(t, s.Completed)
	assert.Equal(t, "X", s.Winner)
}

func TestSeriesEndsAfterBestOfGames(t *testing.T) {
	s := NewRoomSeries("r", 2)
	s.GameCount = 1
	s.Record(GameResult{Winner: "X"})
	assert.False(t, s.Completed)

	s.GameCount = 2
	s.Record(GameResult{Winner: "O"})
	require.True(t, s.Completed)
	assert.Empty(t, s.Winner, "a tied series has no winner")
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseWaiting, PhasePlaying, true},
		{PhasePlaying, PhaseEnded, true},
		{PhaseEnded, PhaseWaiting, true},
		{PhaseWaiting, PhaseEnded, false},
		{PhasePlaying, PhaseWaiting, false},
		{PhaseEnded, PhasePlaying, false},
		{PhaseWaiting, PhaseWaiting, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseEnums(t *testing.T) {
	m, err := ParseMode(" realtime ")
	require.NoError(t, err)
	assert.Equal(t, ModeRealtime, m)

	r, err := ParseRule("renju")
	require.NoError(t, err)
	assert.Equal(t, RuleRenju, r)

	p, err := ParsePhase("ended")
	require.NoError(t, err)
	assert.Equal(t, PhaseEnded, p)

	_, err = ParseMode("async")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "mode", ve.Field)
}

func TestAIOccupant(t *testing.T) {
	s := Seat{Key: "O", Occupant: "ai:greedy"}
	assert.True(t, s.IsAI())
	assert.Equal(t, "greedy", AILevel(s.Occupant))
	assert.False(t, IsAIOccupant("user-1"))
}

func TestIsBusinessOutcome(t *testing.T) {
	assert.True(t, IsBusinessOutcome(fmt.Errorf("claim: %w", ErrSeatConflict)))
	assert.True(t, IsBusinessOutcome(Rejected("not your turn")))
	assert.True(t, IsBusinessOutcome(&ValidationError{Field: "seat", Reason: "unknown"}))
	assert.False(t, IsBusinessOutcome(fmt.Errorf("get: %w", ErrStoreUnavailable)))
	assert.False(t, IsBusinessOutcome(errors.New("boom")))
	assert.True(t, errors.Is(Rejected("x"), ErrRejected))
}
