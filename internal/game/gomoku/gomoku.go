// Package gomoku implements five-in-a-row on a 15x15 board under the standard and renju rules.
package gomoku

import (
	"encoding/json"
	"fmt"

	"github.com/jason-s-yu/turnroom/internal/game"
	"github.com/jason-s-yu/turnroom/internal/models"
)

const (
	// Kind is the registered game type.
	Kind = "gomoku"
	// Size is the board edge length.
	Size = 15
	// WinLength is the run length that wins.
	WinLength = 5

	// ActionPlace puts a stone on an empty intersection.
	ActionPlace = "place"

	SeatX = "X"
	SeatO = "O"
)

// Cell is the content of one intersection.
type Cell byte

const (
	Empty Cell = '.'
	Black Cell = 'X'
	White Cell = 'O'
)

var directions = [4][2]int{{1, 0}, {0, 1}, {1, 1}, {1, -1}}

// Point addresses an intersection.
type Point struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Board is stored by value so copies never alias.
type Board [Size * Size]Cell

func (b *Board) at(row, col int) Cell { return b[row*Size+col] }

func (b *Board) set(row, col int, c Cell) { b[row*Size+col] = c }

func inBounds(row, col int) bool {
	return row >= 0 && row < Size && col >= 0 && col < Size
}

// State is a gomoku position. X always moves first.
type State struct {
	Rule     models.Rule
	Board    Board
	Next     string
	Moves    int
	LastMove *Point
	Result   game.Outcome
}

// New returns the empty starting position.
func New(rule models.Rule) *State {
	s := &State{Rule: rule, Next: SeatX}
	for i := range s.Board {
		s.Board[i] = Empty
	}
	return s
}

// Place builds a place command for seat at (row, col).
func Place(seat string, row, col int) game.Command {
	data, _ := json.Marshal(Point{Row: row, Col: col})
	return game.Command{PlayerID: seat, Action: ActionPlace, Data: data}
}

func cellOf(seat string) Cell {
	if seat == SeatX {
		return Black
	}
	return White
}

func other(seat string) string {
	if seat == SeatX {
		return SeatO
	}
	return SeatX
}

// Copy implements game.GameState.
func (s *State) Copy() game.GameState {
	return s.clone()
}

func (s *State) clone() *State {
	c := *s
	if s.LastMove != nil {
		p := *s.LastMove
		c.LastMove = &p
	}
	return &c
}

// CurrentPlayer implements game.GameState.
func (s *State) CurrentPlayer() string {
	if s.Result.Finished {
		return ""
	}
	return s.Next
}

// Outcome implements game.GameState.
func (s *State) Outcome() game.Outcome { return s.Result }

// Apply implements game.GameState. The receiver is never modified.
func (s *State) Apply(cmd game.Command) (game.GameState, error) {
	if s.Result.Finished {
		return nil, models.Rejected("game is over")
	}
	if cmd.PlayerID != SeatX && cmd.PlayerID != SeatO {
		return nil, models.Rejected("unknown player %q", cmd.PlayerID)
	}

	switch cmd.Action {
	case game.ActionResign:
		next := s.clone()
		next.Result = game.Outcome{Finished: true, Winner: other(cmd.PlayerID), Reason: "resign"}
		return next, nil

	case ActionPlace:
		if cmd.PlayerID != s.Next {
			return nil, models.Rejected("not %s's turn", cmd.PlayerID)
		}
		var p Point
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, models.Rejected("malformed place payload")
		}
		if !inBounds(p.Row, p.Col) {
			return nil, models.Rejected("(%d,%d) is off the board", p.Row, p.Col)
		}
		if s.Board.at(p.Row, p.Col) != Empty {
			return nil, models.Rejected("(%d,%d) is occupied", p.Row, p.Col)
		}
		if s.forbidden(p.Row, p.Col, cmd.PlayerID) {
			return nil, models.Rejected("overline is forbidden for X under renju")
		}
		return s.place(p, cmd.PlayerID), nil

	default:
		return nil, models.Rejected("unknown action %q", cmd.Action)
	}
}

func (s *State) place(p Point, seat string) *State {
	next := s.clone()
	next.Board.set(p.Row, p.Col, cellOf(seat))
	next.Moves++
	next.LastMove = &p

	switch {
	case next.wins(p.Row, p.Col, seat):
		next.Result = game.Outcome{Finished: true, Winner: seat, Reason: "five in a row"}
	case next.Moves == Size*Size:
		next.Result = game.Outcome{Finished: true, Reason: "board full"}
	default:
		next.Next = other(seat)
	}
	return next
}

// forbidden reports whether placing for seat at an empty (row, col) would make an overline
// under renju. Only X is restricted, and an exact five elsewhere still wins.
func (s *State) forbidden(row, col int, seat string) bool {
	if s.Rule != models.RuleRenju || seat != SeatX {
		return false
	}
	overline := false
	for _, d := range directions {
		switch n := s.runThrough(row, col, d, Black); {
		case n == WinLength:
			return false
		case n > WinLength:
			overline = true
		}
	}
	return overline
}

// runThrough counts the run of mark through (row, col) along d, treating (row, col) as mark.
func (s *State) runThrough(row, col int, d [2]int, mark Cell) int {
	count := 1
	for r, c := row+d[0], col+d[1]; inBounds(r, c) && s.Board.at(r, c) == mark; r, c = r+d[0], c+d[1] {
		count++
	}
	for r, c := row-d[0], col-d[1]; inBounds(r, c) && s.Board.at(r, c) == mark; r, c = r-d[0], c-d[1] {
		count++
	}
	return count
}

// wins reports whether the stone just placed at (row, col) completes a winning line.
// Under renju X needs exactly five.
func (s *State) wins(row, col int, seat string) bool {
	mark := s.Board.at(row, col)
	exact := s.Rule == models.RuleRenju && seat == SeatX
	for _, d := range directions {
		n := s.runThrough(row, col, d, mark)
		if n == WinLength || (n > WinLength && !exact) {
			return true
		}
	}
	return false
}

// LegalMoves implements game.GameState.
func (s *State) LegalMoves() []game.Command {
	if s.Result.Finished {
		return nil
	}
	moves := make([]game.Command, 0, Size*Size-s.Moves)
	for row := 0; row < Size; row++ {
		for col := 0; col < Size; col++ {
			if s.Board.at(row, col) == Empty && !s.forbidden(row, col, s.Next) {
				moves = append(moves, Place(s.Next, row, col))
			}
		}
	}
	return moves
}

// CandidateMoves returns the legal moves within two intersections of an existing stone,
// or the center on an empty board.
func (s *State) CandidateMoves() []game.Command {
	if s.Result.Finished {
		return nil
	}
	if s.Moves == 0 {
		return []game.Command{Place(s.Next, Size/2, Size/2)}
	}
	var moves []game.Command
	for row := 0; row < Size; row++ {
		for col := 0; col < Size; col++ {
			if s.Board.at(row, col) != Empty || s.forbidden(row, col, s.Next) {
				continue
			}
			if s.nearStone(row, col, 2) {
				moves = append(moves, Place(s.Next, row, col))
			}
		}
	}
	if len(moves) == 0 {
		return s.LegalMoves()
	}
	return moves
}

func (s *State) nearStone(row, col, dist int) bool {
	for r := row - dist; r <= row+dist; r++ {
		for c := col - dist; c <= col+dist; c++ {
			if inBounds(r, c) && s.Board.at(r, c) != Empty {
				return true
			}
		}
	}
	return false
}

// ScoreMove rates a place command for the player to move by the runs it extends and the
// opponent runs it blocks.
func (s *State) ScoreMove(cmd game.Command) float64 {
	if cmd.Action != ActionPlace || s.Result.Finished {
		return 0
	}
	var p Point
	if err := json.Unmarshal(cmd.Data, &p); err != nil || !inBounds(p.Row, p.Col) || s.Board.at(p.Row, p.Col) != Empty {
		return 0
	}
	own, opp := cellOf(s.Next), cellOf(other(s.Next))
	var score float64
	for _, d := range directions {
		score += runValue(s.runThrough(p.Row, p.Col, d, own), s.openEnds(p.Row, p.Col, d, own))
		score += 0.9 * runValue(s.runThrough(p.Row, p.Col, d, opp), s.openEnds(p.Row, p.Col, d, opp))
	}
	// slight pull towards the center breaks ties on sparse boards
	center := Size / 2
	score -= 0.01 * float64(abs(p.Row-center)+abs(p.Col-center))
	return score
}

func (s *State) openEnds(row, col int, d [2]int, mark Cell) int {
	ends := 0
	r, c := row+d[0], col+d[1]
	for inBounds(r, c) && s.Board.at(r, c) == mark {
		r, c = r+d[0], c+d[1]
	}
	if inBounds(r, c) && s.Board.at(r, c) == Empty {
		ends++
	}
	r, c = row-d[0], col-d[1]
	for inBounds(r, c) && s.Board.at(r, c) == mark {
		r, c = r-d[0], c-d[1]
	}
	if inBounds(r, c) && s.Board.at(r, c) == Empty {
		ends++
	}
	return ends
}

func runValue(length, openEnds int) float64 {
	if length >= WinLength {
		return 1e6
	}
	if openEnds == 0 {
		return 0
	}
	var base float64
	switch length {
	case 4:
		base = 1e4
	case 3:
		base = 500
	case 2:
		base = 20
	default:
		base = 1
	}
	return base * float64(openEnds)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// String renders the board one row per line.
func (s *State) String() string {
	out := make([]byte, 0, Size*(Size+1))
	for row := 0; row < Size; row++ {
		for col := 0; col < Size; col++ {
			out = append(out, byte(s.Board.at(row, col)))
		}
		out = append(out, '\n')
	}
	return string(out)
}

type wireState struct {
	Rule     models.Rule  `json:"rule"`
	Board    string       `json:"board"`
	Next     string       `json:"next"`
	Moves    int          `json:"moves"`
	LastMove *Point       `json:"lastMove,omitempty"`
	Outcome  game.Outcome `json:"outcome"`
}

// MarshalJSON encodes the board as a row-major string of '.', 'X' and 'O'.
func (s *State) MarshalJSON() ([]byte, error) {
	board := make([]byte, len(s.Board))
	for i, c := range s.Board {
		board[i] = byte(c)
	}
	return json.Marshal(wireState{
		Rule:     s.Rule,
		Board:    string(board),
		Next:     s.Next,
		Moves:    s.Moves,
		LastMove: s.LastMove,
		Outcome:  s.Result,
	})
}

// UnmarshalJSON decodes the MarshalJSON form.
func (s *State) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Board) != Size*Size {
		return fmt.Errorf("gomoku: board has %d cells, want %d", len(w.Board), Size*Size)
	}
	for i := 0; i < len(w.Board); i++ {
		switch c := Cell(w.Board[i]); c {
		case Empty, Black, White:
			s.Board[i] = c
		default:
			return fmt.Errorf("gomoku: invalid cell %q at %d", w.Board[i], i)
		}
	}
	s.Rule = w.Rule
	s.Next = w.Next
	s.Moves = w.Moves
	s.LastMove = w.LastMove
	s.Result = w.Outcome
	return nil
}

// Factory registers gomoku with the game registry.
type Factory struct{}

func (Factory) Seats() []string { return []string{SeatX, SeatO} }

func (Factory) New(rule models.Rule) game.GameState { return New(rule) }

func (Factory) Decode(data []byte) (game.GameState, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func init() {
	game.Register(Kind, Factory{})
}
