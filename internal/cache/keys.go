package cache

// Keys builds the namespaced keys of every component. Each component owns its own
// namespace so nothing collides in the shared store.
type Keys struct {
	Prefix string
}

func (k Keys) RoomMeta(roomID string) string { return k.Prefix + "room:meta:" + roomID }

func (k Keys) Seat(roomID, seat string) string {
	return k.Prefix + "room:seat:" + roomID + ":" + seat
}

// Occupant marks the seat a human occupant holds in a room.
func (k Keys) Occupant(roomID, occupant string) string {
	return k.Prefix + "room:occupant:" + roomID + ":" + occupant
}

func (k Keys) SeatLock(roomID, seat string) string {
	return k.Prefix + "room:seatlock:" + roomID + ":" + seat
}

func (k Keys) Tombstone(roomID string) string { return k.Prefix + "room:tomb:" + roomID }

func (k Keys) RoomIndex() string { return k.Prefix + "rooms:index" }

func (k Keys) Series(roomID string) string { return k.Prefix + "room:series:" + roomID }

func (k Keys) GameState(roomID, gameID string) string {
	return k.Prefix + "game:state:" + roomID + ":" + gameID
}

func (k Keys) TurnAnchor(roomID string) string { return k.Prefix + "turn:anchor:" + roomID }

func (k Keys) TurnHolder(roomID string) string { return k.Prefix + "turn:holder:" + roomID }

func (k Keys) ActiveTurns() string { return k.Prefix + "turns:active" }

func (k Keys) Ongoing(userID string) string { return k.Prefix + "user:ongoing:" + userID }
