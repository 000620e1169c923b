// internal/ai/advisor.go
package ai

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/jason-s-yu/turnroom/internal/game"
)

// Level names an advisor strength. It is also the suffix of an AI seat occupant.
type Level string

const (
	LevelRandom     Level = "random"
	LevelGreedy     Level = "greedy"
	LevelMonteCarlo Level = "montecarlo"
)

// ErrNoLegalMove is returned for finished or stuck states.
var ErrNoLegalMove = errors.New("no legal move")

// Advisor suggests a move for the player to move. Implementations never mutate state and
// treat budget as a soft deadline; a non-positive budget still yields a legal move.
type Advisor interface {
	Suggest(ctx context.Context, state game.GameState, budget time.Duration) (game.Command, error)
}

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelRandom, LevelGreedy, LevelMonteCarlo:
		return l, nil
	}
	return "", fmt.Errorf("unknown ai level: %q", s)
}

// NewAdvisor creates the advisor of a level.
func NewAdvisor(level Level) (Advisor, error) {
	switch level {
	case LevelRandom:
		return RandomAdvisor{}, nil
	case LevelGreedy:
		return GreedyAdvisor{}, nil
	case LevelMonteCarlo:
		return &MonteCarloAdvisor{}, nil
	default:
		return nil, fmt.Errorf("unknown ai level: %q", level)
	}
}

// candidates narrows the search to the moves worth looking at.
func candidates(state game.GameState) []game.Command {
	if cm, ok := state.(game.CandidateMover); ok {
		if moves := cm.CandidateMoves(); len(moves) > 0 {
			return moves
		}
	}
	return state.LegalMoves()
}

// RandomAdvisor picks uniformly among the candidate moves.
type RandomAdvisor struct{}

func (RandomAdvisor) Suggest(_ context.Context, state game.GameState, _ time.Duration) (game.Command, error) {
	moves := candidates(state)
	if len(moves) == 0 {
		return game.Command{}, ErrNoLegalMove
	}
	return moves[rand.IntN(len(moves))], nil
}

// GreedyAdvisor plays the best immediately scored move. Games without a scorer get a
// random candidate.
type GreedyAdvisor struct{}

func (GreedyAdvisor) Suggest(ctx context.Context, state game.GameState, budget time.Duration) (game.Command, error) {
	moves := candidates(state)
	if len(moves) == 0 {
		return game.Command{}, ErrNoLegalMove
	}
	scorer, ok := state.(game.MoveScorer)
	if !ok {
		return RandomAdvisor{}.Suggest(ctx, state, budget)
	}
	best, bestScore := moves[0], scorer.ScoreMove(moves[0])
	for _, m := range moves[1:] {
		if s := scorer.ScoreMove(m); s > bestScore {
			best, bestScore = m, s
		}
	}
	return best, nil
}

// MonteCarloAdvisor runs flat random playouts from the most promising moves until the
// budget runs out and keeps the move with the best win rate. It is anytime: whatever has
// been sampled when the deadline passes decides.
type MonteCarloAdvisor struct {
	// Width caps how many top scored moves are sampled. Zero means 8.
	Width int
	// Depth caps the plies of one playout. Zero means 40.
	Depth int
}

type arm struct {
	move   game.Command
	next   game.GameState
	visits int
	reward float64
}

func (a *arm) mean() float64 {
	if a.visits == 0 {
		return -1
	}
	return a.reward / float64(a.visits)
}

func (m *MonteCarloAdvisor) Suggest(ctx context.Context, state game.GameState, budget time.Duration) (game.Command, error) {
	if budget <= 0 {
		return GreedyAdvisor{}.Suggest(ctx, state, budget)
	}
	deadline := time.Now().Add(budget)
	me := state.CurrentPlayer()

	moves := rankMoves(state, candidates(state))
	if len(moves) == 0 {
		return game.Command{}, ErrNoLegalMove
	}
	width := m.Width
	if width <= 0 {
		width = 8
	}
	if len(moves) > width {
		moves = moves[:width]
	}

	arms := make([]*arm, 0, len(moves))
	for _, mv := range moves {
		next, err := state.Copy().Apply(mv)
		if err != nil {
			continue
		}
		if out := next.Outcome(); out.Finished && out.Winner == me {
			return mv, nil
		}
		arms = append(arms, &arm{move: mv, next: next})
	}
	if len(arms) == 0 {
		return moves[0], nil
	}

	depth := m.Depth
	if depth <= 0 {
		depth = 40
	}
	for i := 0; time.Now().Before(deadline) && ctx.Err() == nil; i++ {
		a := arms[i%len(arms)]
		a.reward += playout(a.next.Copy(), me, depth)
		a.visits++
	}

	best := arms[0]
	for _, a := range arms[1:] {
		if a.mean() > best.mean() {
			best = a
		}
	}
	return best.move, nil
}

// rankMoves orders moves by the game's static score, best first.
func rankMoves(state game.GameState, moves []game.Command) []game.Command {
	scorer, ok := state.(game.MoveScorer)
	if !ok {
		return moves
	}
	type scored struct {
		cmd   game.Command
		score float64
	}
	ss := make([]scored, len(moves))
	for i, mv := range moves {
		ss[i] = scored{mv, scorer.ScoreMove(mv)}
	}
	sort.SliceStable(ss, func(i, j int) bool { return ss[i].score > ss[j].score })
	out := make([]game.Command, len(ss))
	for i, s := range ss {
		out[i] = s.cmd
	}
	return out
}

// playout plays random candidate moves and returns 1 for a win by me, 0 for a loss and
// 0.5 for a draw or a playout cut at depth.
func playout(state game.GameState, me string, depth int) float64 {
	for ply := 0; ply < depth; ply++ {
		if out := state.Outcome(); out.Finished {
			switch out.Winner {
			case me:
				return 1
			case "":
				return 0.5
			default:
				return 0
			}
		}
		moves := candidates(state)
		if len(moves) == 0 {
			return 0.5
		}
		next, err := state.Apply(moves[rand.IntN(len(moves))])
		if err != nil {
			return 0.5
		}
		state = next
	}
	return 0.5
}
