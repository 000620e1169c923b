// internal/models/room.go
package models

import (
	"fmt"
	"strings"
)

// Mode is the engine mode a room runs in.
type Mode string

const (
	ModeTurnBased Mode = "TURN_BASED"
	ModeRealtime  Mode = "REALTIME"
)

// Rule selects the ruleset variant of the room's game.
type Rule string

const (
	RuleStandard Rule = "STANDARD"
	RuleRenju    Rule = "RENJU"
)

// Phase is the room lifecycle phase. It cycles WAITING -> PLAYING -> ENDED -> WAITING.
type Phase string

const (
	PhaseWaiting Phase = "WAITING"
	PhasePlaying Phase = "PLAYING"
	PhaseEnded   Phase = "ENDED"
)

// ParseMode normalizes and validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeTurnBased, ModeRealtime:
		return m, nil
	}
	return "", &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s)}
}

// ParseRule normalizes and validates a rule string.
func ParseRule(s string) (Rule, error) {
	switch r := Rule(strings.ToUpper(strings.TrimSpace(s))); r {
	case RuleStandard, RuleRenju:
		return r, nil
	}
	return "", &ValidationError{Field: "rule", Reason: fmt.Sprintf("unknown rule %q", s)}
}

// ParsePhase validates a phase string.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(strings.ToUpper(strings.TrimSpace(s))); p {
	case PhaseWaiting, PhasePlaying, PhaseEnded:
		return p, nil
	}
	return "", &ValidationError{Field: "phase", Reason: fmt.Sprintf("unknown phase %q", s)}
}

// CanTransition reports whether from -> to is one step of the room cycle.
func CanTransition(from, to Phase) bool {
	switch from {
	case PhaseWaiting:
		return to == PhasePlaying
	case PhasePlaying:
		return to == PhaseEnded
	case PhaseEnded:
		return to == PhaseWaiting
	}
	return false
}

// RoomMeta is the persisted metadata of a room.
type RoomMeta struct {
	ID          string `json:"roomId"`
	OwnerUserID string `json:"ownerUserId"`
	Title       string `json:"title,omitempty"`
	GameType    string `json:"gameType"`
	Mode        Mode   `json:"mode"`
	Rule        Rule   `json:"rule"`
	Phase       Phase  `json:"phase"`
	BestOf      int    `json:"bestOf"`
	TurnLimitMs int64  `json:"turnLimitMs"`
	AutoStart   bool   `json:"autoStart"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// RoomSummary is one entry of a room listing page. Deleted entries carry only the room ID.
type RoomSummary struct {
	RoomID      string `json:"roomId"`
	Deleted     bool   `json:"deleted,omitempty"`
	OwnerUserID string `json:"ownerUserId,omitempty"`
	Title       string `json:"title,omitempty"`
	GameType    string `json:"gameType,omitempty"`
	Mode        Mode   `json:"mode,omitempty"`
	Rule        Rule   `json:"rule,omitempty"`
	Phase       Phase  `json:"phase,omitempty"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
}

// Summary renders the listing entry for a live room.
func (m *RoomMeta) Summary() RoomSummary {
	return RoomSummary{
		RoomID:      m.ID,
		OwnerUserID: m.OwnerUserID,
		Title:       m.Title,
		GameType:    m.GameType,
		Mode:        m.Mode,
		Rule:        m.Rule,
		Phase:       m.Phase,
		CreatedAt:   m.CreatedAt,
	}
}

// Tombstone renders the listing entry for a room that no longer exists.
func Tombstone(roomID string) RoomSummary {
	return RoomSummary{RoomID: roomID, Deleted: true}
}

// AIOccupantPrefix marks a seat occupant that is driven by an AI advisor, e.g. "ai:montecarlo".
const AIOccupantPrefix = "ai:"

// Seat is a bound seat of a room.
type Seat struct {
	RoomID   string `json:"roomId"`
	Key      string `json:"seat"`
	Occupant string `json:"occupant"`
}

// IsAI reports whether the seat is AI controlled.
func (s Seat) IsAI() bool {
	return IsAIOccupant(s.Occupant)
}

// IsAIOccupant reports whether an occupant key designates an AI.
func IsAIOccupant(occupant string) bool {
	return strings.HasPrefix(occupant, AIOccupantPrefix)
}

// AILevel returns the advisor level of an AI occupant key.
func AILevel(occupant string) string {
	return strings.TrimPrefix(occupant, AIOccupantPrefix)
}

// RoomPage is one page of a room listing.
type RoomPage struct {
	Items      []RoomSummary `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasMore    bool          `json:"hasMore"`
}
