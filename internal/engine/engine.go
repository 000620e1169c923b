// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jason-s-yu/turnroom/internal/ai"
	"github.com/jason-s-yu/turnroom/internal/cache"
	"github.com/jason-s-yu/turnroom/internal/game"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/jason-s-yu/turnroom/internal/ongoing"
	"github.com/jason-s-yu/turnroom/internal/room"
	"github.com/jason-s-yu/turnroom/internal/turn"
	"github.com/sirupsen/logrus"
)

// Timeout policies.
const (
	PolicyForfeit  = "forfeit"
	PolicyAutoMove = "auto_move"
)

// maxTurnLimitMs is the largest limit that still fits a time.Duration.
const maxTurnLimitMs = math.MaxInt64 / int64(time.Millisecond)

// Options tunes an Engine.
type Options struct {
	NodeID string
	// TurnLimit applies to rooms created without their own limit.
	TurnLimit time.Duration
	// AIBudget is the search budget of AI seats and the cap on requested suggestions.
	AIBudget      time.Duration
	TimeoutPolicy string
	Events        cache.EventPublisher
	Log           logrus.FieldLogger
}

// Engine composes the room registry, game store, turn coordinator, AI scheduler and
// ongoing-game tracker into the operations exposed to transports. Identity arrives
// resolved: every userID passed in is trusted.
type Engine struct {
	rooms    *room.Registry
	games    *game.Store
	turns    *turn.Coordinator
	ai       *ai.Scheduler
	ongoing  *ongoing.Tracker
	advisors map[ai.Level]ai.Advisor
	opts     Options
	log      logrus.FieldLogger
}

// New builds an engine.
func New(rooms *room.Registry, games *game.Store, turns *turn.Coordinator, scheduler *ai.Scheduler, tracker *ongoing.Tracker, opts Options) *Engine {
	if opts.TurnLimit <= 0 {
		opts.TurnLimit = 30 * time.Second
	}
	if opts.AIBudget < 0 {
		opts.AIBudget = 0
	}
	if opts.TimeoutPolicy == "" {
		opts.TimeoutPolicy = PolicyForfeit
	}
	if opts.Events == nil {
		opts.Events = cache.NopPublisher{}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	advisors := make(map[ai.Level]ai.Advisor)
	for _, l := range []ai.Level{ai.LevelRandom, ai.LevelGreedy, ai.LevelMonteCarlo} {
		adv, _ := ai.NewAdvisor(l)
		advisors[l] = adv
	}
	return &Engine{
		rooms:    rooms,
		games:    games,
		turns:    turns,
		ai:       scheduler,
		ongoing:  tracker,
		advisors: advisors,
		opts:     opts,
		log:      opts.Log.WithField("node_id", opts.NodeID),
	}
}

// RoomView is a room with its seats, series and turn.
type RoomView struct {
	Room   *models.RoomMeta   `json:"room"`
	Seats  []models.Seat      `json:"seats"`
	Series *models.RoomSeries `json:"series,omitempty"`
	Turn   *TurnView          `json:"turn,omitempty"`
}

// TurnView describes the move being awaited.
type TurnView struct {
	Status     turn.Status `json:"status"`
	Seat       string      `json:"seat,omitempty"`
	StartedAt  int64       `json:"startedAt,omitempty"`
	DeadlineAt int64       `json:"deadlineAt,omitempty"`
}

func requireOwner(meta *models.RoomMeta, userID string) error {
	if meta.OwnerUserID != userID {
		return fmt.Errorf("%w: only the owner of room %s may do that", models.ErrForbidden, meta.ID)
	}
	return nil
}

// CreateRoom opens a WAITING room owned by userID.
func (e *Engine) CreateRoom(ctx context.Context, userID string, req room.CreateRoomRequest) (*models.RoomMeta, error) {
	req.OwnerUserID = userID
	return e.rooms.CreateRoom(ctx, req)
}

// ListRooms pages through the room index.
func (e *Engine) ListRooms(ctx context.Context, cursor string, pageSize int) (*models.RoomPage, error) {
	return e.rooms.ListRooms(ctx, cursor, pageSize)
}

// GetRoom returns the room view.
func (e *Engine) GetRoom(ctx context.Context, roomID string) (*RoomView, error) {
	meta, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	seats, err := e.rooms.Seats(ctx, roomID)
	if err != nil {
		return nil, err
	}
	view := &RoomView{Room: meta, Seats: seats}

	series, err := e.games.LoadSeries(ctx, roomID)
	switch {
	case err == nil:
		view.Series = series
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	if meta.Phase == models.PhasePlaying {
		limit := e.limitOf(meta)
		status, anchor, err := e.turns.Status(ctx, roomID, limit)
		if err != nil {
			return nil, err
		}
		view.Turn = &TurnView{Status: status}
		if anchor != nil {
			view.Turn.Seat = anchor.Seat
			view.Turn.StartedAt = anchor.StartedAt
			view.Turn.DeadlineAt = anchor.StartedAt + limit.Milliseconds()
		}
	}
	return view, nil
}

// ClaimSeat seats userID. A user holds at most one seat per room. With auto start the
// claim that fills the last seat starts the game.
func (e *Engine) ClaimSeat(ctx context.Context, userID, roomID, seat string) (*models.Seat, error) {
	if models.IsAIOccupant(userID) {
		return nil, &models.ValidationError{Field: "userId", Reason: "reserved prefix"}
	}
	claimed, err := e.rooms.ClaimSeat(ctx, roomID, seat, userID)
	if err != nil {
		return nil, err
	}
	e.maybeAutoStart(ctx, roomID)
	return claimed, nil
}

// AddAI seats an AI of level at seat. Owner only.
func (e *Engine) AddAI(ctx context.Context, userID, roomID, seat, level string) (*models.Seat, error) {
	meta, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(meta, userID); err != nil {
		return nil, err
	}
	lvl, err := ai.ParseLevel(level)
	if err != nil {
		return nil, &models.ValidationError{Field: "level", Reason: err.Error()}
	}
	claimed, err := e.rooms.ClaimSeat(ctx, roomID, seat, models.AIOccupantPrefix+string(lvl))
	if err != nil {
		return nil, err
	}
	e.maybeAutoStart(ctx, roomID)
	return claimed, nil
}

// ReleaseSeat frees userID's seat. The owner may also remove an AI.
func (e *Engine) ReleaseSeat(ctx context.Context, userID, roomID, seat string) error {
	meta, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	occupant := userID
	seats, err := e.rooms.Seats(ctx, roomID)
	if err != nil {
		return err
	}
	for _, s := range seats {
		if s.Key == seat && s.IsAI() && meta.OwnerUserID == userID {
			occupant = s.Occupant
		}
	}
	return e.rooms.ReleaseSeat(ctx, roomID, seat, occupant)
}

// DeleteRoom tears the room down. Owner only.
func (e *Engine) DeleteRoom(ctx context.Context, userID, roomID string) error {
	meta, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if err := requireOwner(meta, userID); err != nil {
		return err
	}
	seats, err := e.rooms.Seats(ctx, roomID)
	if err != nil {
		return err
	}
	if err := e.turns.EndTurn(ctx, roomID); err != nil {
		return err
	}
	e.clearOngoing(ctx, seats)
	if err := e.games.Purge(ctx, roomID); err != nil {
		return err
	}
	return e.rooms.DeleteRoom(ctx, roomID)
}

// GetOngoingGame returns the game userID is playing, after checking the room still runs it.
// A stale pointer is cleared and reported as none.
func (e *Engine) GetOngoingGame(ctx context.Context, userID string) (*models.OngoingGameInfo, error) {
	info, err := e.ongoing.Find(ctx, userID)
	if err != nil || info == nil {
		return nil, err
	}
	stale := func(reason string) (*models.OngoingGameInfo, error) {
		e.log.WithFields(logrus.Fields{"user_id": userID, "room_id": info.RoomID, "reason": reason}).Debug("clearing stale ongoing game")
		return nil, e.ongoing.Clear(ctx, userID)
	}

	meta, err := e.rooms.Get(ctx, info.RoomID)
	if errors.Is(err, models.ErrNotFound) {
		return stale("room gone")
	}
	if err != nil {
		return nil, err
	}
	if meta.Phase != models.PhasePlaying {
		return stale("room is " + string(meta.Phase))
	}
	if _, err := e.games.LoadState(ctx, info.RoomID, info.GameID); errors.Is(err, models.ErrNotFound) {
		return stale("game gone")
	} else if err != nil {
		return nil, err
	}
	return info, nil
}

// TurnLimit resolves the move time limit of a room, used by the turn watcher.
func (e *Engine) TurnLimit(ctx context.Context, roomID string) time.Duration {
	meta, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		return e.opts.TurnLimit
	}
	return e.limitOf(meta)
}

func (e *Engine) limitOf(meta *models.RoomMeta) time.Duration {
	if meta.TurnLimitMs > 0 && meta.TurnLimitMs <= maxTurnLimitMs {
		return time.Duration(meta.TurnLimitMs) * time.Millisecond
	}
	return e.opts.TurnLimit
}

func (e *Engine) saveOngoing(ctx context.Context, meta *models.RoomMeta, gameID string, seats []models.Seat) {
	for _, s := range seats {
		if s.Occupant == "" || s.IsAI() {
			continue
		}
		info := &models.OngoingGameInfo{GameType: meta.GameType, RoomID: meta.ID, GameID: gameID, Title: meta.Title}
		if err := e.ongoing.Save(ctx, s.Occupant, info); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{"user_id": s.Occupant, "room_id": meta.ID}).Warn("failed to save ongoing game")
		}
	}
}

func (e *Engine) clearOngoing(ctx context.Context, seats []models.Seat) {
	for _, s := range seats {
		if s.Occupant == "" || s.IsAI() {
			continue
		}
		if err := e.ongoing.Clear(ctx, s.Occupant); err != nil {
			e.log.WithError(err).WithField("user_id", s.Occupant).Warn("failed to clear ongoing game")
		}
	}
}

// logOutcome logs expected races at Debug and everything else at Warn.
func (e *Engine) logOutcome(log logrus.FieldLogger, err error, msg string) {
	if models.IsBusinessOutcome(err) {
		log.WithError(err).Debug(msg)
		return
	}
	log.WithError(err).Warn(msg)
}
