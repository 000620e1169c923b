// internal/models/event.go
package models

// RoomEventType names a room lifecycle event.
type RoomEventType string

const (
	EventRoomCreated      RoomEventType = "room_created"
	EventRoomPhaseChanged RoomEventType = "room_phase_changed"
	EventRoomDeleted      RoomEventType = "room_deleted"
	EventSeatClaimed      RoomEventType = "seat_claimed"
	EventSeatReleased     RoomEventType = "seat_released"
	EventGameStarted      RoomEventType = "game_started"
	EventGameEnded        RoomEventType = "game_ended"
	EventSeriesEnded      RoomEventType = "series_ended"
	EventTurnExpired      RoomEventType = "turn_expired"
)

// RoomEvent is a fire-and-forget notification for downstream listeners such as room-list UIs
// and the historian archive.
type RoomEvent struct {
	Type      RoomEventType          `json:"type"`
	RoomID    string                 `json:"roomId"`
	GameID    string                 `json:"gameId,omitempty"`
	NodeID    string                 `json:"nodeId,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}
