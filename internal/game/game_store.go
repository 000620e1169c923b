// internal/game/game_store.go
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/turnroom/internal/cache"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/sirupsen/logrus"
)

// defaultMaxAttempts bounds how often a compare-and-set loser reloads and retries.
const defaultMaxAttempts = 5

// RoomAccess is the slice of the room registry the game store depends on.
type RoomAccess interface {
	Get(ctx context.Context, roomID string) (*models.RoomMeta, error)
	TransitionPhase(ctx context.Context, roomID string, from, to models.Phase) (*models.RoomMeta, error)
}

// snapshot is the persisted envelope around a game-specific state.
type snapshot struct {
	RoomID  string      `json:"roomId"`
	GameID  string      `json:"gameId"`
	Kind    string      `json:"kind"`
	Mode    models.Mode `json:"mode"`
	Rule    models.Rule `json:"rule"`
	Version int64       `json:"version"`
	// Frames holds the last applied frame per player for realtime rooms.
	Frames    map[string]int64 `json:"frames,omitempty"`
	State     json.RawMessage  `json:"state"`
	UpdatedAt int64            `json:"updatedAt"`
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Keys cache.Keys
	// TTL applies to snapshots and series; abandoned games expire with it.
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
	Log         logrus.FieldLogger
}

// Store persists game snapshots and best-of-N series keyed by (room, game). Every state
// mutation goes through ApplyAndPersist and is serialized by compare-and-set on the snapshot.
type Store struct {
	store       cache.Store
	rooms       RoomAccess
	keys        cache.Keys
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	log         logrus.FieldLogger
}

// NewStore builds a game state store.
func NewStore(store cache.Store, rooms RoomAccess, opts StoreOptions) *Store {
	s := &Store{
		store:       store,
		rooms:       rooms,
		keys:        opts.Keys,
		ttl:         opts.TTL,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		log:         opts.Log,
	}
	if s.ttl <= 0 {
		s.ttl = 48 * time.Hour
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s
}

// InitGame allocates a new game in the room's series and persists its fresh state.
// The room must be PLAYING and the previous game of the series must have a recorded result.
func (s *Store) InitGame(ctx context.Context, roomID string) (string, error) {
	meta, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return "", err
	}
	if meta.Phase != models.PhasePlaying {
		return "", fmt.Errorf("%w: room %s is %s", models.ErrIllegalTransition, roomID, meta.Phase)
	}
	factory, err := Lookup(meta.GameType)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		raw, series, err := s.loadSeriesRaw(ctx, roomID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			series = models.NewRoomSeries(roomID, meta.BestOf)
			raw = nil
		case err != nil:
			return "", err
		}
		if series.Completed {
			return "", fmt.Errorf("%w: series of room %s is complete", models.ErrIllegalTransition, roomID)
		}
		if !series.ResultRecorded {
			return "", fmt.Errorf("%w: game %s of room %s has no recorded result", models.ErrIllegalTransition, series.CurrentGameID, roomID)
		}

		gameID := uuid.NewString()
		state := factory.New(meta.Rule)
		stateRaw, err := json.Marshal(state)
		if err != nil {
			return "", fmt.Errorf("marshal initial state: %w", err)
		}
		snap := snapshot{
			RoomID:    roomID,
			GameID:    gameID,
			Kind:      meta.GameType,
			Mode:      meta.Mode,
			Rule:      meta.Rule,
			Version:   1,
			State:     stateRaw,
			UpdatedAt: s.now().UnixMilli(),
		}
		snapRaw, err := json.Marshal(snap)
		if err != nil {
			return "", fmt.Errorf("marshal snapshot: %w", err)
		}
		if err := s.store.Set(ctx, s.keys.GameState(roomID, gameID), snapRaw, s.ttl); err != nil {
			return "", err
		}

		series.GameCount++
		series.CurrentGameID = gameID
		series.ResultRecorded = false
		next, err := json.Marshal(series)
		if err != nil {
			return "", fmt.Errorf("marshal series: %w", err)
		}
		ok, err := s.store.CompareAndSwap(ctx, s.keys.Series(roomID), raw, next, s.ttl)
		if err != nil {
			return "", err
		}
		if ok {
			s.log.WithFields(logrus.Fields{"room_id": roomID, "game_id": gameID, "game": series.GameCount}).Info("game initialized")
			return gameID, nil
		}
		// another writer moved the series; drop the orphan snapshot and re-evaluate
		_ = s.store.Delete(ctx, s.keys.GameState(roomID, gameID))
	}
	return "", fmt.Errorf("%w: init game in room %s", models.ErrConflict, roomID)
}

// LoadState returns the stored state of a game.
func (s *Store) LoadState(ctx context.Context, roomID, gameID string) (GameState, error) {
	_, snap, err := s.loadSnapshot(ctx, roomID, gameID)
	if err != nil {
		return nil, err
	}
	return decodeState(snap)
}

// ApplyAndPersist loads the game, runs apply on a copy, and stores the result only if the
// transition succeeds. Game-specific refusals come back as *models.RejectedError and leave
// the stored snapshot untouched. A lost compare-and-set reloads and re-validates the command
// against the newer state, so two commands are never merged from the same base.
func (s *Store) ApplyAndPersist(ctx context.Context, roomID, gameID string, cmd Command, apply ApplyFunc) (GameState, error) {
	if apply == nil {
		apply = DefaultApply
	}
	fields := logrus.Fields{"room_id": roomID, "game_id": gameID, "player": cmd.PlayerID}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		meta, err := s.rooms.Get(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if meta.Phase != models.PhasePlaying {
			return nil, models.Rejected("room is %s", meta.Phase)
		}

		raw, snap, err := s.loadSnapshot(ctx, roomID, gameID)
		if err != nil {
			return nil, err
		}
		state, err := decodeState(snap)
		if err != nil {
			return nil, err
		}
		if state.Outcome().Finished {
			return nil, models.Rejected("game is over")
		}

		realtime := snap.Mode == models.ModeRealtime && cmd.Frame != SystemFrame
		if realtime {
			if last, seen := snap.Frames[cmd.PlayerID]; seen && cmd.Frame < last {
				return nil, models.Rejected("stale frame %d, last applied %d", cmd.Frame, last)
			}
		} else if snap.Mode != models.ModeRealtime {
			cmd.Frame = 0
		}

		next, err := apply(state.Copy(), cmd)
		if err != nil {
			var rej *models.RejectedError
			if errors.As(err, &rej) {
				return nil, err
			}
			return nil, models.Rejected("%v", err)
		}

		stateRaw, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}
		updated := *snap
		updated.Version++
		updated.State = stateRaw
		updated.UpdatedAt = s.now().UnixMilli()
		if realtime {
			updated.Frames = make(map[string]int64, len(snap.Frames)+1)
			for p, f := range snap.Frames {
				updated.Frames[p] = f
			}
			updated.Frames[cmd.PlayerID] = cmd.Frame
		}
		updatedRaw, err := json.Marshal(updated)
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot: %w", err)
		}

		ok, err := s.store.CompareAndSwap(ctx, s.keys.GameState(roomID, gameID), raw, updatedRaw, s.ttl)
		if err != nil {
			// the write may or may not have landed; never report success we cannot confirm
			return nil, err
		}
		if ok {
			return next, nil
		}
		s.log.WithFields(fields).WithField("attempt", attempt+1).Debug("snapshot changed underneath command, retrying")
	}
	return nil, fmt.Errorf("%w: game %s", models.ErrConflict, gameID)
}

// RecordGameResult tallies a finished game into the room's series. When the series is
// decided the room is moved to ENDED. Recording the same game twice is a no-op.
func (s *Store) RecordGameResult(ctx context.Context, roomID, gameID string, result models.GameResult) (*models.RoomSeries, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		raw, series, err := s.loadSeriesRaw(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if series.CurrentGameID != gameID {
			return nil, models.Rejected("game %s is not the current game of room %s", gameID, roomID)
		}
		if series.ResultRecorded {
			return series, s.endRoomIfComplete(ctx, roomID, series)
		}

		series.Record(result)
		next, err := json.Marshal(series)
		if err != nil {
			return nil, fmt.Errorf("marshal series: %w", err)
		}
		ok, err := s.store.CompareAndSwap(ctx, s.keys.Series(roomID), raw, next, s.ttl)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"room_id":   roomID,
			"game_id":   gameID,
			"winner":    result.Winner,
			"completed": series.Completed,
		}).Info("game result recorded")
		return series, s.endRoomIfComplete(ctx, roomID, series)
	}
	return nil, fmt.Errorf("%w: record result of game %s", models.ErrConflict, gameID)
}

func (s *Store) endRoomIfComplete(ctx context.Context, roomID string, series *models.RoomSeries) error {
	if !series.Completed {
		return nil
	}
	_, err := s.rooms.TransitionPhase(ctx, roomID, models.PhasePlaying, models.PhaseEnded)
	if errors.Is(err, models.ErrIllegalTransition) {
		// already ended by an earlier attempt
		return nil
	}
	return err
}

// LoadSeries returns the series bookkeeping of a room.
func (s *Store) LoadSeries(ctx context.Context, roomID string) (*models.RoomSeries, error) {
	_, series, err := s.loadSeriesRaw(ctx, roomID)
	return series, err
}

// ResetSeries starts fresh bookkeeping, used by rematches.
func (s *Store) ResetSeries(ctx context.Context, roomID string, bestOf int) (*models.RoomSeries, error) {
	series := models.NewRoomSeries(roomID, bestOf)
	raw, err := json.Marshal(series)
	if err != nil {
		return nil, fmt.Errorf("marshal series: %w", err)
	}
	if err := s.store.Set(ctx, s.keys.Series(roomID), raw, s.ttl); err != nil {
		return nil, err
	}
	return series, nil
}

// Purge removes the series and the current game of a room.
func (s *Store) Purge(ctx context.Context, roomID string) error {
	keys := []string{s.keys.Series(roomID)}
	if series, err := s.LoadSeries(ctx, roomID); err == nil && series.CurrentGameID != "" {
		keys = append(keys, s.keys.GameState(roomID, series.CurrentGameID))
	}
	return s.store.Delete(ctx, keys...)
}

func (s *Store) loadSeriesRaw(ctx context.Context, roomID string) ([]byte, *models.RoomSeries, error) {
	raw, err := s.store.Get(ctx, s.keys.Series(roomID))
	if err != nil {
		return nil, nil, fmt.Errorf("series of room %s: %w", roomID, err)
	}
	var series models.RoomSeries
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, nil, fmt.Errorf("decode series of room %s: %w", roomID, err)
	}
	if series.Wins == nil {
		series.Wins = make(map[string]int)
	}
	return raw, &series, nil
}

func (s *Store) loadSnapshot(ctx context.Context, roomID, gameID string) ([]byte, *snapshot, error) {
	raw, err := s.store.Get(ctx, s.keys.GameState(roomID, gameID))
	if err != nil {
		return nil, nil, fmt.Errorf("game %s of room %s: %w", gameID, roomID, err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, nil, fmt.Errorf("decode snapshot of game %s: %w", gameID, err)
	}
	return raw, &snap, nil
}

func decodeState(snap *snapshot) (GameState, error) {
	factory, err := Lookup(snap.Kind)
	if err != nil {
		return nil, err
	}
	state, err := factory.Decode(snap.State)
	if err != nil {
		return nil, fmt.Errorf("decode %s state of game %s: %w", snap.Kind, snap.GameID, err)
	}
	return state, nil
}
