// internal/models/series.go
package models

// GameResult is the outcome of a single finished game. An empty Winner is a draw.
type GameResult struct {
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RoomSeries is the best-of-N bookkeeping for a room.
type RoomSeries struct {
	RoomID        string         `json:"roomId"`
	BestOf        int            `json:"bestOf"`
	GameCount     int            `json:"gameCount"`
	Wins          map[string]int `json:"wins"`
	Draws         int            `json:"draws"`
	CurrentGameID string         `json:"currentGameId,omitempty"`
	// ResultRecorded is true once CurrentGameID has a recorded result.
	ResultRecorded bool   `json:"resultRecorded"`
	Completed      bool   `json:"completed"`
	Winner         string `json:"winner,omitempty"`
}

// NewRoomSeries starts empty bookkeeping. bestOf below 1 is treated as 1.
func NewRoomSeries(roomID string, bestOf int) *RoomSeries {
	if bestOf < 1 {
		bestOf = 1
	}
	return &RoomSeries{
		RoomID:         roomID,
		BestOf:         bestOf,
		Wins:           make(map[string]int),
		ResultRecorded: true,
	}
}

// Threshold is the number of wins that decides the series.
func (s *RoomSeries) Threshold() int {
	return s.BestOf/2 + 1
}

// Record applies a result for the current game and updates completion.
func (s *RoomSeries) Record(result GameResult) {
	if s.Wins == nil {
		s.Wins = make(map[string]int)
	}
	if result.Winner == "" {
		s.Draws++
	} else {
		s.Wins[result.Winner]++
	}
	s.ResultRecorded = true

	for player, w := range s.Wins {
		if w >= s.Threshold() {
			s.Completed = true
			s.Winner = player
			return
		}
	}
	if s.GameCount >= s.BestOf {
		s.Completed = true
		s.Winner = s.leader()
	}
}

// leader returns the player with the most wins, or "" on a tie.
func (s *RoomSeries) leader() string {
	best, leader, tied := -1, "", false
	for player, w := range s.Wins {
		switch {
		case w > best:
			best, leader, tied = w, player, false
		case w == best:
			tied = true
		}
	}
	if tied {
		return ""
	}
	return leader
}
