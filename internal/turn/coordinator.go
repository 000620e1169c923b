// internal/turn/coordinator.go
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/turnroom/internal/cache"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/sirupsen/logrus"
)

// Status is the per-room turn state, orthogonal to the room phase.
type Status string

const (
	StatusNoActiveTurn Status = "NO_ACTIVE_TURN"
	StatusAwaitingMove Status = "AWAITING_MOVE"
	StatusExpired      Status = "EXPIRED"
)

// Result is the outcome of CheckTimeout.
type Result int

const (
	// StillActive means the turn is within its limit, or another path already moved it on.
	StillActive Result = iota
	// Expired means this call claimed the expiry; the caller must handle it exactly once.
	Expired
	// NotHolder means the calling node does not hold the room's lease.
	NotHolder
	// NoTurn means the room has no anchor.
	NoTurn
)

func (r Result) String() string {
	switch r {
	case StillActive:
		return "still_active"
	case Expired:
		return "expired"
	case NotHolder:
		return "not_holder"
	case NoTurn:
		return "no_turn"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Anchor marks when the awaited move began and which seat owes it.
type Anchor struct {
	StartedAt int64  `json:"startedAt"`
	Seat      string `json:"seat,omitempty"`
}

// Check is what CheckTimeout observed.
type Check struct {
	Result    Result
	Anchor    Anchor
	Remaining time.Duration
}

// Options configures a Coordinator.
type Options struct {
	Keys cache.Keys
	// AnchorTTL bounds how long an abandoned turn lingers in the store.
	AnchorTTL time.Duration
	Now       func() time.Time
	Log       logrus.FieldLogger
}

// Coordinator owns the turn anchor and holder lease keys of every room.
type Coordinator struct {
	store     cache.Store
	keys      cache.Keys
	anchorTTL time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
}

// NewCoordinator builds a coordinator.
func NewCoordinator(store cache.Store, opts Options) *Coordinator {
	c := &Coordinator{
		store:     store,
		keys:      opts.Keys,
		anchorTTL: opts.AnchorTTL,
		now:       opts.Now,
		log:       opts.Log,
	}
	if c.anchorTTL <= 0 {
		c.anchorTTL = 48 * time.Hour
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	return c
}

// BeginTurn anchors a new turn for seat at the current time and clears any stale holder.
func (c *Coordinator) BeginTurn(ctx context.Context, roomID, seat string) error {
	now := c.now()
	raw, err := json.Marshal(Anchor{StartedAt: now.UnixMilli(), Seat: seat})
	if err != nil {
		return fmt.Errorf("marshal anchor: %w", err)
	}
	if err := c.store.Set(ctx, c.keys.TurnAnchor(roomID), raw, c.anchorTTL); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, c.keys.TurnHolder(roomID)); err != nil {
		return err
	}
	if err := c.store.ZAdd(ctx, c.keys.ActiveTurns(), float64(now.UnixMilli()), roomID); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"room_id": roomID, "seat": seat}).Debug("turn began")
	return nil
}

// EndTurn removes every trace of the room's turn.
func (c *Coordinator) EndTurn(ctx context.Context, roomID string) error {
	if err := c.store.Delete(ctx, c.keys.TurnAnchor(roomID), c.keys.TurnHolder(roomID)); err != nil {
		return err
	}
	return c.store.ZRem(ctx, c.keys.ActiveTurns(), roomID)
}

// AcquireHolder makes nodeID the room's timeout enforcer if nobody is. Losing the race is
// not an error.
func (c *Coordinator) AcquireHolder(ctx context.Context, roomID, nodeID string, lease time.Duration) (bool, error) {
	ok, err := c.store.SetNX(ctx, c.keys.TurnHolder(roomID), []byte(nodeID), lease)
	if err != nil {
		return false, err
	}
	if ok {
		c.log.WithFields(logrus.Fields{"room_id": roomID, "node_id": nodeID}).Debug("turn holder acquired")
	}
	return ok, nil
}

// RefreshHolder extends the lease if nodeID still holds it.
func (c *Coordinator) RefreshHolder(ctx context.Context, roomID, nodeID string, lease time.Duration) (bool, error) {
	return c.store.CompareAndSwap(ctx, c.keys.TurnHolder(roomID), []byte(nodeID), []byte(nodeID), lease)
}

// ReleaseHolder gives up the lease if nodeID holds it.
func (c *Coordinator) ReleaseHolder(ctx context.Context, roomID, nodeID string) (bool, error) {
	return c.store.CompareAndDelete(ctx, c.keys.TurnHolder(roomID), []byte(nodeID))
}

// Holder returns the node holding the room's lease, or "" when there is none.
func (c *Coordinator) Holder(ctx context.Context, roomID string) (string, error) {
	raw, err := c.store.Get(ctx, c.keys.TurnHolder(roomID))
	if errors.Is(err, models.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// CurrentAnchor returns the room's anchor, or models.ErrNotFound when no turn is active.
func (c *Coordinator) CurrentAnchor(ctx context.Context, roomID string) (*Anchor, error) {
	_, a, err := c.loadAnchor(ctx, roomID)
	return a, err
}

func (c *Coordinator) loadAnchor(ctx context.Context, roomID string) ([]byte, *Anchor, error) {
	raw, err := c.store.Get(ctx, c.keys.TurnAnchor(roomID))
	if err != nil {
		return nil, nil, err
	}
	var a Anchor
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, nil, fmt.Errorf("decode anchor of room %s: %w", roomID, err)
	}
	return raw, &a, nil
}

// CheckTimeout is run by the holder only. When the turn has outlived limit the anchor is
// removed atomically, so exactly one caller ever sees Expired for a given turn.
func (c *Coordinator) CheckTimeout(ctx context.Context, roomID, nodeID string, limit time.Duration) (Check, error) {
	holder, err := c.Holder(ctx, roomID)
	if err != nil {
		return Check{}, err
	}
	if holder != nodeID {
		return Check{Result: NotHolder}, nil
	}

	raw, anchor, err := c.loadAnchor(ctx, roomID)
	if errors.Is(err, models.ErrNotFound) {
		return Check{Result: NoTurn}, nil
	}
	if err != nil {
		return Check{}, err
	}

	elapsed := c.now().Sub(time.UnixMilli(anchor.StartedAt))
	if elapsed < limit {
		return Check{Result: StillActive, Anchor: *anchor, Remaining: limit - elapsed}, nil
	}
	claimed, err := c.store.CompareAndDelete(ctx, c.keys.TurnAnchor(roomID), raw)
	if err != nil {
		return Check{}, err
	}
	if !claimed {
		// a move re-anchored the turn between the read and the claim
		return Check{Result: StillActive, Anchor: *anchor}, nil
	}
	c.log.WithFields(logrus.Fields{"room_id": roomID, "node_id": nodeID, "seat": anchor.Seat, "elapsed": elapsed}).Info("turn expired")
	return Check{Result: Expired, Anchor: *anchor}, nil
}

// Status reports the room's turn state without claiming anything.
func (c *Coordinator) Status(ctx context.Context, roomID string, limit time.Duration) (Status, *Anchor, error) {
	_, anchor, err := c.loadAnchor(ctx, roomID)
	if errors.Is(err, models.ErrNotFound) {
		return StatusNoActiveTurn, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if c.now().Sub(time.UnixMilli(anchor.StartedAt)) >= limit {
		return StatusExpired, anchor, nil
	}
	return StatusAwaitingMove, anchor, nil
}

// ActiveRooms lists the rooms with a begun turn, scored by when the turn began.
func (c *Coordinator) ActiveRooms(ctx context.Context) ([]cache.ScoredMember, error) {
	return c.store.ZRangeByScore(ctx, c.keys.ActiveTurns(), cache.ZRange{Min: "-inf", Max: "+inf"})
}

// forgetStale drops a room from the active set once its anchor would have expired anyway.
func (c *Coordinator) forgetStale(ctx context.Context, m cache.ScoredMember) error {
	if c.now().Sub(time.UnixMilli(int64(m.Score))) < c.anchorTTL {
		return nil
	}
	return c.store.ZRem(ctx, c.keys.ActiveTurns(), m.Member)
}

// RestoreAnchor puts back an anchor claimed by CheckTimeout whose expiry could not be
// handled, so the next sweep retries it. A turn begun in the meantime wins.
func (c *Coordinator) RestoreAnchor(ctx context.Context, roomID string, a Anchor) (bool, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("marshal anchor: %w", err)
	}
	return c.store.CompareAndSwap(ctx, c.keys.TurnAnchor(roomID), nil, raw, c.anchorTTL)
}
