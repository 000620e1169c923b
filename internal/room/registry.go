// internal/room/registry.go
package room

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/turnroom/internal/cache"
	"github.com/jason-s-yu/turnroom/internal/game"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultGameType is used when a create request names no game.
	DefaultGameType = "gomoku"
	// DefaultPageSize applies when ListRooms is called with a non-positive size.
	DefaultPageSize = 20
	// MaxPageSize caps ListRooms.
	MaxPageSize = 100
	maxTitleLen = 64

	transitionAttempts = 5
)

// Options configures a Registry.
type Options struct {
	Keys          cache.Keys
	RoomTTL       time.Duration
	TombstoneTTL  time.Duration
	SeatLockTTL   time.Duration
	DefaultBestOf int
	// ManualStart makes rooms created without an explicit autoStart wait for StartGame.
	ManualStart bool
	Events      cache.EventPublisher
	Now         func() time.Time
	Log         logrus.FieldLogger
}

// Registry owns room metadata, seat bindings, and the global room index. It keeps no
// in-process room state; every call goes to the shared store.
type Registry struct {
	store cache.Store
	keys  cache.Keys
	opts  Options
	now   func() time.Time
	log   logrus.FieldLogger
}

// NewRegistry builds a registry on top of store.
func NewRegistry(store cache.Store, opts Options) *Registry {
	if opts.RoomTTL <= 0 {
		opts.RoomTTL = 48 * time.Hour
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = 24 * time.Hour
	}
	if opts.SeatLockTTL <= 0 {
		opts.SeatLockTTL = 5 * time.Second
	}
	if opts.DefaultBestOf < 1 {
		opts.DefaultBestOf = 1
	}
	if opts.Events == nil {
		opts.Events = cache.NopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Registry{store: store, keys: opts.Keys, opts: opts, now: opts.Now, log: opts.Log}
}

// CreateRoomRequest carries the attributes of a new room. Zero values take defaults.
type CreateRoomRequest struct {
	OwnerUserID string
	Title       string
	GameType    string
	Mode        models.Mode
	Rule        models.Rule
	BestOf      int
	TurnLimitMs int64
	AutoStart   *bool
}

func (r *Registry) validate(req *CreateRoomRequest) error {
	if strings.TrimSpace(req.OwnerUserID) == "" {
		return &models.ValidationError{Field: "ownerUserId", Reason: "required"}
	}
	if req.Mode == "" {
		req.Mode = models.ModeTurnBased
	}
	mode, err := models.ParseMode(string(req.Mode))
	if err != nil {
		return err
	}
	req.Mode = mode
	if req.Rule == "" {
		req.Rule = models.RuleStandard
	}
	rule, err := models.ParseRule(string(req.Rule))
	if err != nil {
		return err
	}
	req.Rule = rule
	if req.GameType == "" {
		req.GameType = DefaultGameType
	}
	if _, err := game.Lookup(req.GameType); err != nil {
		return err
	}
	req.Title = strings.TrimSpace(req.Title)
	if len(req.Title) > maxTitleLen {
		return &models.ValidationError{Field: "title", Reason: fmt.Sprintf("longer than %d characters", maxTitleLen)}
	}
	switch {
	case req.BestOf < 0:
		return &models.ValidationError{Field: "bestOf", Reason: "must be positive"}
	case req.BestOf == 0:
		req.BestOf = r.opts.DefaultBestOf
	}
	if req.TurnLimitMs < 0 {
		return &models.ValidationError{Field: "turnLimitMs", Reason: "must not be negative"}
	}
	if ceiling := r.opts.RoomTTL.Milliseconds(); req.TurnLimitMs > ceiling {
		return &models.ValidationError{Field: "turnLimitMs", Reason: fmt.Sprintf("must not exceed the room lifetime of %d ms", ceiling)}
	}
	return nil
}

// CreateRoom validates req, stores a WAITING room, and indexes it by creation time.
func (r *Registry) CreateRoom(ctx context.Context, req CreateRoomRequest) (*models.RoomMeta, error) {
	if err := r.validate(&req); err != nil {
		return nil, err
	}
	autoStart := !r.opts.ManualStart
	if req.AutoStart != nil {
		autoStart = *req.AutoStart
	}
	now := r.now().UnixMilli()
	meta := &models.RoomMeta{
		ID:          uuid.NewString(),
		OwnerUserID: req.OwnerUserID,
		Title:       req.Title,
		GameType:    req.GameType,
		Mode:        req.Mode,
		Rule:        req.Rule,
		Phase:       models.PhaseWaiting,
		BestOf:      req.BestOf,
		TurnLimitMs: req.TurnLimitMs,
		AutoStart:   autoStart,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal room: %w", err)
	}
	ok, err := r.store.SetNX(ctx, r.keys.RoomMeta(meta.ID), raw, r.opts.RoomTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: room id %s already taken", models.ErrConflict, meta.ID)
	}
	if err := r.store.ZAdd(ctx, r.keys.RoomIndex(), float64(meta.CreatedAt), meta.ID); err != nil {
		// an unindexed room is unreachable from listings
		if _, derr := r.store.CompareAndDelete(context.WithoutCancel(ctx), r.keys.RoomMeta(meta.ID), raw); derr != nil {
			r.log.WithError(derr).WithField("room_id", meta.ID).Error("failed to remove unindexed room")
		}
		return nil, err
	}

	r.log.WithFields(logrus.Fields{"room_id": meta.ID, "owner": meta.OwnerUserID, "mode": meta.Mode, "rule": meta.Rule}).Info("room created")
	r.opts.Events.Publish(ctx, models.RoomEvent{
		Type:   models.EventRoomCreated,
		RoomID: meta.ID,
		Payload: map[string]interface{}{
			"ownerUserId": meta.OwnerUserID,
			"mode":        meta.Mode,
			"rule":        meta.Rule,
			"gameType":    meta.GameType,
			"bestOf":      meta.BestOf,
		},
	})
	return meta, nil
}

// Get returns the metadata of a live room.
func (r *Registry) Get(ctx context.Context, roomID string) (*models.RoomMeta, error) {
	_, meta, err := r.load(ctx, roomID)
	return meta, err
}

func (r *Registry) load(ctx context.Context, roomID string) ([]byte, *models.RoomMeta, error) {
	raw, err := r.store.Get(ctx, r.keys.RoomMeta(roomID))
	if err != nil {
		return nil, nil, fmt.Errorf("room %s: %w", roomID, err)
	}
	var meta models.RoomMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return raw, &meta, nil
}

// SeatKeys lists the canonical seats of a room's game.
func (r *Registry) SeatKeys(meta *models.RoomMeta) ([]string, error) {
	f, err := game.Lookup(meta.GameType)
	if err != nil {
		return nil, err
	}
	return f.Seats(), nil
}

// ClaimSeat binds occupant to an empty seat of a WAITING room. It never waits: a claim
// already in flight or a bound seat returns models.ErrSeatConflict.
func (r *Registry) ClaimSeat(ctx context.Context, roomID, seat, occupant string) (*models.Seat, error) {
	if strings.TrimSpace(occupant) == "" {
		return nil, &models.ValidationError{Field: "occupant", Reason: "required"}
	}
	meta, err := r.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	f, err := game.Lookup(meta.GameType)
	if err != nil {
		return nil, err
	}
	if !game.HasSeat(f, seat) {
		return nil, &models.ValidationError{Field: "seat", Reason: fmt.Sprintf("unknown seat %q", seat)}
	}
	if meta.Phase != models.PhaseWaiting {
		return nil, fmt.Errorf("%w: room %s is %s", models.ErrSeatConflict, roomID, meta.Phase)
	}

	lockKey := r.keys.SeatLock(roomID, seat)
	token := []byte(uuid.NewString())
	locked, err := r.store.SetNX(ctx, lockKey, token, r.opts.SeatLockTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("%w: claim on seat %s already in flight", models.ErrSeatConflict, seat)
	}
	defer func() {
		// the lock only covers the race window; release even if ctx is done
		if _, err := r.store.CompareAndDelete(context.WithoutCancel(ctx), lockKey, token); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "seat": seat}).Warn("failed to release seat lock")
		}
	}()

	// a human holds at most one seat per room; AI occupants are exempt
	var occupantKey string
	if !models.IsAIOccupant(occupant) {
		occupantKey = r.keys.Occupant(roomID, occupant)
		held, err := r.store.SetNX(ctx, occupantKey, []byte(seat), r.opts.RoomTTL)
		if err != nil {
			return nil, err
		}
		if !held {
			return nil, fmt.Errorf("%w: %s already holds a seat in room %s", models.ErrSeatConflict, occupant, roomID)
		}
	}
	releaseOccupant := func() {
		if occupantKey == "" {
			return
		}
		if _, err := r.store.CompareAndDelete(context.WithoutCancel(ctx), occupantKey, []byte(seat)); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "occupant": occupant}).Warn("failed to release occupant marker")
		}
	}

	ok, err := r.store.CompareAndSwap(ctx, r.keys.Seat(roomID, seat), nil, []byte(occupant), r.opts.RoomTTL)
	if err != nil {
		releaseOccupant()
		return nil, err
	}
	if !ok {
		releaseOccupant()
		return nil, fmt.Errorf("%w: seat %s is taken", models.ErrSeatConflict, seat)
	}

	r.log.WithFields(logrus.Fields{"room_id": roomID, "seat": seat, "occupant": occupant}).Info("seat claimed")
	r.opts.Events.Publish(ctx, models.RoomEvent{
		Type:    models.EventSeatClaimed,
		RoomID:  roomID,
		Payload: map[string]interface{}{"seat": seat, "occupant": occupant},
	})
	return &models.Seat{RoomID: roomID, Key: seat, Occupant: occupant}, nil
}

// ReleaseSeat unbinds occupant from seat. Seats cannot be left while a game is running.
func (r *Registry) ReleaseSeat(ctx context.Context, roomID, seat, occupant string) error {
	meta, err := r.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if meta.Phase == models.PhasePlaying {
		return fmt.Errorf("%w: room %s is %s", models.ErrSeatConflict, roomID, meta.Phase)
	}
	ok, err := r.store.CompareAndDelete(ctx, r.keys.Seat(roomID, seat), []byte(occupant))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: seat %s is not held by %s", models.ErrSeatConflict, seat, occupant)
	}
	if !models.IsAIOccupant(occupant) {
		if _, err := r.store.CompareAndDelete(ctx, r.keys.Occupant(roomID, occupant), []byte(seat)); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "occupant": occupant}).Warn("failed to release occupant marker")
		}
	}
	r.log.WithFields(logrus.Fields{"room_id": roomID, "seat": seat, "occupant": occupant}).Info("seat released")
	r.opts.Events.Publish(ctx, models.RoomEvent{
		Type:    models.EventSeatReleased,
		RoomID:  roomID,
		Payload: map[string]interface{}{"seat": seat, "occupant": occupant},
	})
	return nil
}

// Seats returns every seat of the room in turn order; empty seats have no occupant.
func (r *Registry) Seats(ctx context.Context, roomID string) ([]models.Seat, error) {
	meta, err := r.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	keys, err := r.SeatKeys(meta)
	if err != nil {
		return nil, err
	}
	seats := make([]models.Seat, 0, len(keys))
	for _, k := range keys {
		s := models.Seat{RoomID: roomID, Key: k}
		raw, err := r.store.Get(ctx, r.keys.Seat(roomID, k))
		switch {
		case err == nil:
			s.Occupant = string(raw)
		case !errors.Is(err, models.ErrNotFound):
			return nil, err
		}
		seats = append(seats, s)
	}
	return seats, nil
}

// TransitionPhase moves the room from one phase to the next step of the cycle. The stored
// phase must still equal from; anything else is models.ErrIllegalTransition.
func (r *Registry) TransitionPhase(ctx context.Context, roomID string, from, to models.Phase) (*models.RoomMeta, error) {
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, from, to)
	}
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		raw, meta, err := r.load(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if meta.Phase != from {
			return nil, fmt.Errorf("%w: room %s is %s, not %s", models.ErrIllegalTransition, roomID, meta.Phase, from)
		}
		meta.Phase = to
		meta.UpdatedAt = r.now().UnixMilli()
		next, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("marshal room: %w", err)
		}
		ok, err := r.store.CompareAndSwap(ctx, r.keys.RoomMeta(roomID), raw, next, r.opts.RoomTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			r.log.WithFields(logrus.Fields{"room_id": roomID, "from": from, "to": to}).Info("room phase changed")
			r.opts.Events.Publish(ctx, models.RoomEvent{
				Type:    models.EventRoomPhaseChanged,
				RoomID:  roomID,
				Payload: map[string]interface{}{"from": from, "to": to},
			})
			return meta, nil
		}
	}
	return nil, fmt.Errorf("%w: phase of room %s", models.ErrConflict, roomID)
}

// DeleteRoom soft-deletes a room: its metadata and seats are removed and a tombstone is
// written. The index entry stays so paginating readers see the room as deleted; the
// janitor prunes it once the tombstone expires.
func (r *Registry) DeleteRoom(ctx context.Context, roomID string) error {
	seats, err := r.Seats(ctx, roomID)
	if err != nil {
		return err
	}
	tomb, err := json.Marshal(models.Tombstone(roomID))
	if err != nil {
		return fmt.Errorf("marshal tombstone: %w", err)
	}
	if err := r.store.Set(ctx, r.keys.Tombstone(roomID), tomb, r.opts.TombstoneTTL); err != nil {
		return err
	}

	keys := []string{r.keys.RoomMeta(roomID)}
	for _, s := range seats {
		keys = append(keys, r.keys.Seat(roomID, s.Key))
		if s.Occupant != "" && !s.IsAI() {
			keys = append(keys, r.keys.Occupant(roomID, s.Occupant))
		}
	}
	if err := r.store.Delete(ctx, keys...); err != nil {
		return err
	}

	r.log.WithField("room_id", roomID).Info("room deleted")
	r.opts.Events.Publish(ctx, models.RoomEvent{Type: models.EventRoomDeleted, RoomID: roomID})
	return nil
}

// ListRooms returns one page of the room index, newest first. Rooms whose metadata is gone
// are rendered as tombstones so cursors stay stable. cursor is the NextCursor of the
// previous page, or "" for the first page.
func (r *Registry) ListRooms(ctx context.Context, cursor string, pageSize int) (*models.RoomPage, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	var entries []cache.ScoredMember
	upper := "+inf"
	if cursor != "" {
		score, lastID, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		s := formatScore(score)
		// members sharing the cursor score come back in descending member order
		same, err := r.store.ZRangeByScore(ctx, r.keys.RoomIndex(), cache.ZRange{Min: s, Max: s, Rev: true})
		if err != nil {
			return nil, err
		}
		for _, m := range same {
			if m.Member < lastID {
				entries = append(entries, m)
			}
		}
		upper = "(" + s
	}
	if need := pageSize + 1 - len(entries); need > 0 {
		more, err := r.store.ZRangeByScore(ctx, r.keys.RoomIndex(), cache.ZRange{Min: "-inf", Max: upper, Count: int64(need), Rev: true})
		if err != nil {
			return nil, err
		}
		entries = append(entries, more...)
	}

	page := &models.RoomPage{Items: make([]models.RoomSummary, 0, pageSize)}
	if len(entries) > pageSize {
		page.HasMore = true
		entries = entries[:pageSize]
	}
	for _, e := range entries {
		meta, err := r.Get(ctx, e.Member)
		switch {
		case err == nil:
			page.Items = append(page.Items, meta.Summary())
		case errors.Is(err, models.ErrNotFound):
			page.Items = append(page.Items, models.Tombstone(e.Member))
		default:
			return nil, err
		}
	}
	if page.HasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		page.NextCursor = encodeCursor(last.Score, last.Member)
	}
	return page, nil
}

// PruneTombstones removes index entries whose room has neither metadata nor a live
// tombstone. It returns how many entries were removed.
func (r *Registry) PruneTombstones(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = MaxPageSize
	}
	removed := 0
	var offset int64
	for {
		entries, err := r.store.ZRangeByScore(ctx, r.keys.RoomIndex(), cache.ZRange{Min: "-inf", Max: "+inf", Offset: offset, Count: int64(batch)})
		if err != nil {
			return removed, err
		}
		var stale []string
		for _, e := range entries {
			gone, err := r.isGone(ctx, e.Member)
			if err != nil {
				return removed, err
			}
			if gone {
				stale = append(stale, e.Member)
			}
		}
		if len(stale) > 0 {
			if err := r.store.ZRem(ctx, r.keys.RoomIndex(), stale...); err != nil {
				return removed, err
			}
			removed += len(stale)
		}
		if len(entries) < batch {
			break
		}
		offset += int64(len(entries) - len(stale))
	}
	if removed > 0 {
		r.log.WithField("removed", removed).Info("pruned room index")
	}
	return removed, nil
}

func (r *Registry) isGone(ctx context.Context, roomID string) (bool, error) {
	for _, key := range []string{r.keys.RoomMeta(roomID), r.keys.Tombstone(roomID)} {
		_, err := r.store.Get(ctx, key)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return false, err
		}
	}
	return true, nil
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func encodeCursor(score float64, roomID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(formatScore(score) + ":" + roomID))
}

func decodeCursor(cursor string) (float64, string, error) {
	invalid := &models.ValidationError{Field: "cursor", Reason: "malformed"}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", invalid
	}
	s, roomID, ok := strings.Cut(string(raw), ":")
	if !ok || roomID == "" {
		return 0, "", invalid
	}
	score, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, "", invalid
	}
	return score, roomID, nil
}
