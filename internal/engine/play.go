// internal/engine/play.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/turnroom/internal/ai"
	"github.com/jason-s-yu/turnroom/internal/game"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/jason-s-yu/turnroom/internal/turn"
	"github.com/sirupsen/logrus"
)

// aiSlack is added to the AI budget to bound an asynchronous AI move end to end.
const aiSlack = 10 * time.Second

// GameView is the client view of a game.
type GameView struct {
	RoomID        string         `json:"roomId"`
	GameID        string         `json:"gameId"`
	CurrentPlayer string         `json:"currentPlayer,omitempty"`
	Outcome       game.Outcome   `json:"outcome"`
	State         game.GameState `json:"state"`
	Turn          *TurnView      `json:"turn,omitempty"`
}

func newGameView(roomID, gameID string, state game.GameState) *GameView {
	return &GameView{
		RoomID:        roomID,
		GameID:        gameID,
		CurrentPlayer: state.CurrentPlayer(),
		Outcome:       state.Outcome(),
		State:         state,
	}
}

// TransitionPhase moves the room one step along its cycle on behalf of the owner. Each step
// carries its side effects: WAITING->PLAYING starts a game, PLAYING->ENDED abandons the series
// and ENDED->WAITING is a rematch.
func (e *Engine) TransitionPhase(ctx context.Context, userID, roomID string, from, to models.Phase) (*models.RoomMeta, error) {
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, from, to)
	}
	switch to {
	case models.PhasePlaying:
		if _, err := e.StartGame(ctx, userID, roomID); err != nil {
			return nil, err
		}
		return e.rooms.Get(ctx, roomID)
	case models.PhaseEnded:
		return e.Abandon(ctx, userID, roomID)
	default:
		return e.Rematch(ctx, userID, roomID)
	}
}

// StartGame moves a full WAITING room to PLAYING and starts the first game. Owner only.
func (e *Engine) StartGame(ctx context.Context, userID, roomID string) (string, error) {
	meta, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		return "", err
	}
	if err := requireOwner(meta, userID); err != nil {
		return "", err
	}
	seats, err := e.rooms.Seats(ctx, roomID)
	if err != nil {
		return "", err
	}
	return e.start(ctx, meta, seats)
}

func (e *Engine) start(ctx context.Context, meta *models.RoomMeta, seats []models.Seat) (string, error) {
	for _, s := range seats {
		if s.Occupant == "" {
			return "", fmt.Errorf("%w: seat %s is empty", models.ErrIllegalTransition, s.Key)
		}
	}
	meta, err := e.rooms.TransitionPhase(ctx, meta.ID, models.PhaseWaiting, models.PhasePlaying)
	if err != nil {
		return "", err
	}
	gameID, err := e.beginGame(ctx, meta, seats)
	if err != nil {
		// leave the room somewhere the owner can rematch from
		if _, endErr := e.rooms.TransitionPhase(ctx, meta.ID, models.PhasePlaying, models.PhaseEnded); endErr != nil {
			e.log.WithError(endErr).WithField("room_id", meta.ID).Warn("failed to end room after start failure")
		}
		return "", err
	}
	return gameID, nil
}

func (e *Engine) maybeAutoStart(ctx context.Context, roomID string) {
	log := e.log.WithField("room_id", roomID)
	meta, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		e.logOutcome(log, err, "auto start skipped")
		return
	}
	if !meta.AutoStart || meta.Phase != models.PhaseWaiting {
		return
	}
	seats, err := e.rooms.Seats(ctx, roomID)
	if err != nil {
		e.logOutcome(log, err, "auto start skipped")
		return
	}
	for _, s := range seats {
		if s.Occupant == "" {
			return
		}
	}
	if _, err := e.start(ctx, meta, seats); err != nil {
		// a concurrent claim may have started it already
		e.logOutcome(log, err, "auto start failed")
	}
}

// beginGame allocates the next game of the series and hands the first turn out.
func (e *Engine) beginGame(ctx context.Context, meta *models.RoomMeta, seats []models.Seat) (string, error) {
	gameID, err := e.games.InitGame(ctx, meta.ID)
	if err != nil {
		return "", err
	}
	state, err := e.games.LoadState(ctx, meta.ID, gameID)
	if err != nil {
		return "", err
	}
	e.saveOngoing(ctx, meta, gameID, seats)
	e.publish(ctx, models.EventGameStarted, meta.ID, gameID, map[string]interface{}{"seats": occupants(seats)})
	e.log.WithFields(logrus.Fields{"room_id": meta.ID, "game_id": gameID}).Info("game started")

	if err := e.nextTurn(ctx, meta.ID, gameID, state, seats); err != nil {
		return "", err
	}
	return gameID, nil
}

// nextTurn starts the clock for the player to move and schedules the move when that seat
// is AI controlled.
func (e *Engine) nextTurn(ctx context.Context, roomID, gameID string, state game.GameState, seats []models.Seat) error {
	seat := state.CurrentPlayer()
	if err := e.turns.BeginTurn(ctx, roomID, seat); err != nil {
		return err
	}
	for _, s := range seats {
		if s.Key == seat && s.IsAI() {
			e.scheduleAI(ctx, roomID, gameID, s, state)
		}
	}
	return nil
}

func (e *Engine) scheduleAI(ctx context.Context, roomID, gameID string, seat models.Seat, state game.GameState) {
	log := e.log.WithFields(logrus.Fields{"room_id": roomID, "game_id": gameID, "seat": seat.Key})
	var adv ai.Advisor
	if lvl, err := ai.ParseLevel(models.AILevel(seat.Occupant)); err == nil {
		adv = e.advisors[lvl]
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.AIBudget+aiSlack)
	err := e.ai.Submit(actx, adv, state, e.opts.AIBudget, func(cmd game.Command, err error) {
		if err != nil {
			cancel()
			log.WithError(err).Debug("ai produced no move")
			return
		}
		// off the worker, so the follow-up AI turn can use it
		go func() {
			defer cancel()
			e.playEngineMove(actx, roomID, gameID, seat.Key, cmd)
		}()
	})
	if err == nil {
		return
	}

	log.WithError(err).Warn("ai pool refused work, playing fallback move")
	cmd, ferr := ai.Fallback(state)
	if ferr != nil {
		cancel()
		return
	}
	go func() {
		defer cancel()
		e.playEngineMove(actx, roomID, gameID, seat.Key, cmd)
	}()
}

// playEngineMove applies a move produced on behalf of seat. A result that no longer fits
// the game is dropped.
func (e *Engine) playEngineMove(ctx context.Context, roomID, gameID, seat string, cmd game.Command) {
	cmd.PlayerID = seat
	cmd.Frame = game.SystemFrame
	if err := e.applyForSeat(ctx, roomID, gameID, seat, cmd); err != nil {
		e.logOutcome(e.log.WithFields(logrus.Fields{"room_id": roomID, "game_id": gameID, "seat": seat}), err, "discarding engine move")
	}
}

// applyForSeat persists cmd only while it is still seat's turn, then runs the follow-ups.
func (e *Engine) applyForSeat(ctx context.Context, roomID, gameID, seat string, cmd game.Command) error {
	state, err := e.games.ApplyAndPersist(ctx, roomID, gameID, cmd, expectTurn(seat))
	if err != nil {
		return err
	}
	e.afterMove(ctx, roomID, gameID, state)
	return nil
}

func expectTurn(seat string) game.ApplyFunc {
	return func(state game.GameState, cmd game.Command) (game.GameState, error) {
		if state.CurrentPlayer() != seat {
			return nil, models.Rejected("turn of %s is over", seat)
		}
		return state.Apply(cmd)
	}
}

// SubmitCommand applies a command of the seat userID occupies.
func (e *Engine) SubmitCommand(ctx context.Context, userID, roomID, gameID string, cmd game.Command) (*GameView, error) {
	if cmd.Frame < 0 {
		return nil, &models.ValidationError{Field: "frame", Reason: "must not be negative"}
	}
	if cmd.Action == "" {
		return nil, &models.ValidationError{Field: "action", Reason: "required"}
	}
	seats, err := e.rooms.Seats(ctx, roomID)
	if err != nil {
		return nil, err
	}
	seat := ""
	for _, s := range seats {
		if s.Occupant == userID {
			seat = s.Key
		}
	}
	if seat == "" {
		return nil, fmt.Errorf("%w: %s is not seated in room %s", models.ErrForbidden, userID, roomID)
	}
	cmd.PlayerID = seat

	state, err := e.games.ApplyAndPersist(ctx, roomID, gameID, cmd, nil)
	if err != nil {
		return nil, err
	}
	e.afterMove(ctx, roomID, gameID, state)
	return newGameView(roomID, gameID, state), nil
}

// afterMove hands the turn on, or settles a finished game and its series. Failures are
// logged: the move itself is already stored.
func (e *Engine) afterMove(ctx context.Context, roomID, gameID string, state game.GameState) {
	ctx = context.WithoutCancel(ctx)
	log := e.log.WithFields(logrus.Fields{"room_id": roomID, "game_id": gameID})

	meta, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		e.logOutcome(log, err, "room vanished after move")
		return
	}
	seats, err := e.rooms.Seats(ctx, roomID)
	if err != nil {
		log.WithError(err).Warn("failed to load seats after move")
		return
	}

	out := state.Outcome()
	if !out.Finished {
		if err := e.nextTurn(ctx, roomID, gameID, state, seats); err != nil {
			log.WithError(err).Warn("failed to begin next turn")
		}
		return
	}

	result := out.Result()
	series, err := e.games.RecordGameResult(ctx, roomID, gameID, result)
	if err != nil {
		e.logOutcome(log, err, "failed to record game result")
		return
	}
	e.publish(ctx, models.EventGameEnded, roomID, gameID, map[string]interface{}{
		"winner": result.Winner,
		"reason": result.Reason,
	})

	if !series.Completed {
		if _, err := e.beginGame(ctx, meta, seats); err != nil {
			e.logOutcome(log, err, "failed to start next game of series")
		}
		return
	}

	if err := e.turns.EndTurn(ctx, roomID); err != nil {
		log.WithError(err).Warn("failed to end turn")
	}
	e.clearOngoing(ctx, seats)
	e.publish(ctx, models.EventSeriesEnded, roomID, gameID, seriesPayload(series, seats))
	log.WithFields(logrus.Fields{"winner": series.Winner, "games": series.GameCount}).Info("series ended")
}

// Abandon ends a PLAYING room early. Owner only.
func (e *Engine) Abandon(ctx context.Context, userID, roomID string) (*models.RoomMeta, error) {
	meta, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(meta, userID); err != nil {
		return nil, err
	}
	meta, err = e.rooms.TransitionPhase(ctx, roomID, models.PhasePlaying, models.PhaseEnded)
	if err != nil {
		return nil, err
	}
	if err := e.turns.EndTurn(ctx, roomID); err != nil {
		e.log.WithError(err).WithField("room_id", roomID).Warn("failed to end turn")
	}
	if seats, err := e.rooms.Seats(ctx, roomID); err == nil {
		e.clearOngoing(ctx, seats)
	}
	return meta, nil
}

// Rematch reopens an ENDED room for a fresh series. Owner only.
func (e *Engine) Rematch(ctx context.Context, userID, roomID string) (*models.RoomMeta, error) {
	meta, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(meta, userID); err != nil {
		return nil, err
	}
	meta, err = e.rooms.TransitionPhase(ctx, roomID, models.PhaseEnded, models.PhaseWaiting)
	if err != nil {
		return nil, err
	}
	if _, err := e.games.ResetSeries(ctx, roomID, meta.BestOf); err != nil {
		return nil, err
	}
	e.maybeAutoStart(ctx, roomID)
	return e.rooms.Get(ctx, roomID)
}

// GetState returns the current view of a game.
func (e *Engine) GetState(ctx context.Context, roomID, gameID string) (*GameView, error) {
	state, err := e.games.LoadState(ctx, roomID, gameID)
	if err != nil {
		return nil, err
	}
	view := newGameView(roomID, gameID, state)
	if !view.Outcome.Finished {
		limit := e.TurnLimit(ctx, roomID)
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

// RequestAISuggestion asks an advisor for a move of the player to move. The budget is capped
// by the configured AI budget; an empty level uses the default advisor.
func (e *Engine) RequestAISuggestion(ctx context.Context, roomID, gameID, level string, budget time.Duration) (game.Command, error) {
	var adv ai.Advisor
	if level != "" {
		lvl, err := ai.ParseLevel(level)
		if err != nil {
			return game.Command{}, &models.ValidationError{Field: "level", Reason: err.Error()}
		}
		adv = e.advisors[lvl]
	}
	state, err := e.games.LoadState(ctx, roomID, gameID)
	if err != nil {
		return game.Command{}, err
	}
	if state.Outcome().Finished {
		return game.Command{}, models.Rejected("game is over")
	}
	if budget < 0 {
		budget = 0
	}
	if budget > e.opts.AIBudget {
		budget = e.opts.AIBudget
	}
	return e.ai.Suggest(ctx, adv, state, budget)
}

// HandleTurnExpired applies the timeout policy to an expired turn. It is the turn watcher's
// expiry handler; a move that no longer fits the game is dropped without error.
func (e *Engine) HandleTurnExpired(ctx context.Context, roomID string, anchor turn.Anchor) error {
	log := e.log.WithFields(logrus.Fields{"room_id": roomID, "seat": anchor.Seat, "policy": e.opts.TimeoutPolicy})

	series, err := e.games.LoadSeries(ctx, roomID)
	if errors.Is(err, models.ErrNotFound) {
		log.Debug("expired turn has no series")
		return nil
	}
	if err != nil {
		return err
	}
	gameID := series.CurrentGameID
	state, err := e.games.LoadState(ctx, roomID, gameID)
	if errors.Is(err, models.ErrNotFound) {
		log.Debug("expired turn has no game")
		return nil
	}
	if err != nil {
		return err
	}

	cmd := game.Resign(anchor.Seat)
	if e.opts.TimeoutPolicy == PolicyAutoMove {
		if move, err := (ai.GreedyAdvisor{}).Suggest(ctx, state, 0); err == nil {
			cmd = move
		}
	}
	cmd.PlayerID = anchor.Seat
	cmd.Frame = game.SystemFrame

	err = e.applyForSeat(ctx, roomID, gameID, anchor.Seat, cmd)
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrRejected) {
		log.WithError(err).Debug("expired turn already settled")
		return nil
	}
	if err != nil {
		return err
	}
	e.publish(ctx, models.EventTurnExpired, roomID, gameID, map[string]interface{}{
		"seat":   anchor.Seat,
		"policy": e.opts.TimeoutPolicy,
		"action": cmd.Action,
	})
	log.Info("turn expired")
	return nil
}

func (e *Engine) publish(ctx context.Context, typ models.RoomEventType, roomID, gameID string, payload map[string]interface{}) {
	e.opts.Events.Publish(ctx, models.RoomEvent{
		Type:    typ,
		RoomID:  roomID,
		GameID:  gameID,
		NodeID:  e.opts.NodeID,
		Payload: payload,
	})
}

func occupants(seats []models.Seat) map[string]interface{} {
	out := make(map[string]interface{}, len(seats))
	for _, s := range seats {
		out[s.Key] = s.Occupant
	}
	return out
}

func seriesPayload(series *models.RoomSeries, seats []models.Seat) map[string]interface{} {
	wins := make(map[string]interface{}, len(series.Wins))
	for seat, w := range series.Wins {
		wins[seat] = w
	}
	return map[string]interface{}{
		"winner":    series.Winner,
		"wins":      wins,
		"draws":     series.Draws,
		"gameCount": series.GameCount,
		"bestOf":    series.BestOf,
		"seats":     occupants(seats),
	}
}
