// internal/game/state.go
package game

import (
	"encoding/json"

	"github.com/jason-s-yu/turnroom/internal/models"
)

// ActionResign is understood by every game: the issuing player forfeits the current game.
const ActionResign = "resign"

// SystemFrame marks commands issued by the engine itself, such as timeout handling. They
// bypass the realtime frame check and do not advance the player's frame.
const SystemFrame int64 = -1

// Command is one player input. PlayerID is the seat key of the issuing player.
// Frame binds realtime input to a simulation tick; turn-based games leave it at 0.
type Command struct {
	PlayerID string          `json:"playerId"`
	Frame    int64           `json:"frame"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Outcome describes whether a game is over and who won. An empty Winner on a finished
// game is a draw.
type Outcome struct {
	Finished bool   `json:"finished"`
	Winner   string `json:"winner,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Result converts a finished outcome into the series result.
func (o Outcome) Result() models.GameResult {
	return models.GameResult{Winner: o.Winner, Reason: o.Reason}
}

// GameState is the capability set the engine needs from a concrete game. Implementations
// must have value semantics through Copy: AI search mutates copies freely.
type GameState interface {
	// Copy returns an independent deep copy.
	Copy() GameState
	// Apply validates cmd against the state and returns the successor state. Illegal input
	// returns a *models.RejectedError and leaves the receiver untouched.
	Apply(cmd Command) (GameState, error)
	// LegalMoves lists every command the player to move may issue, resign excluded.
	LegalMoves() []Command
	// CurrentPlayer is the seat key expected to move next, "" once finished.
	CurrentPlayer() string
	Outcome() Outcome
}

// CandidateMover is implemented by games that can narrow LegalMoves to the moves worth
// searching.
type CandidateMover interface {
	CandidateMoves() []Command
}

// MoveScorer is implemented by games that offer a cheap static score for a move of the
// player to move. Higher is better.
type MoveScorer interface {
	ScoreMove(cmd Command) float64
}

// ApplyFunc is the pure transition used by Store.ApplyAndPersist.
type ApplyFunc func(state GameState, cmd Command) (GameState, error)

// DefaultApply delegates to the state's own transition.
func DefaultApply(state GameState, cmd Command) (GameState, error) {
	return state.Apply(cmd)
}

// Resign builds the forfeit command for a seat.
func Resign(playerID string) Command {
	return Command{PlayerID: playerID, Action: ActionResign}
}
