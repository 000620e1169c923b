package models

// OngoingGameInfo points a user at the game they are currently engaged in.
type OngoingGameInfo struct {
	GameType  string `json:"gameType"`
	RoomID    string `json:"roomId"`
	GameID    string `json:"gameId,omitempty"`
	Title     string `json:"title,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}
