// internal/ongoing/tracker.go
package ongoing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jason-s-yu/turnroom/internal/cache"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultTTL is the safety net for pointers whose clear was missed.
const DefaultTTL = 48 * time.Hour

// Tracker keeps a per-user pointer to the game the user is in. The pointer is a hint only;
// callers re-validate it against the room before trusting it.
type Tracker struct {
	store cache.Store
	keys  cache.Keys
	ttl   time.Duration
	now   func() time.Time
	log   logrus.FieldLogger
}

// NewTracker builds a tracker. A non-positive ttl means DefaultTTL.
func NewTracker(store cache.Store, keys cache.Keys, ttl time.Duration, log logrus.FieldLogger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{store: store, keys: keys, ttl: ttl, now: time.Now, log: log}
}

// Save overwrites the user's pointer. Blank users and nil info are ignored.
func (t *Tracker) Save(ctx context.Context, userID string, info *models.OngoingGameInfo) error {
	if strings.TrimSpace(userID) == "" || info == nil {
		return nil
	}
	entry := *info
	if entry.UpdatedAt == 0 {
		entry.UpdatedAt = t.now().UnixMilli()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ongoing game: %w", err)
	}
	return t.store.Set(ctx, t.keys.Ongoing(userID), raw, t.ttl)
}

// Find returns the user's pointer, or nil when there is none.
func (t *Tracker) Find(ctx context.Context, userID string) (*models.OngoingGameInfo, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	raw, err := t.store.Get(ctx, t.keys.Ongoing(userID))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info models.OngoingGameInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		// a corrupt hint is as good as none
		t.log.WithError(err).WithField("user_id", userID).Debug("dropping undecodable ongoing game pointer")
		return nil, t.Clear(ctx, userID)
	}
	return &info, nil
}

// Clear removes the user's pointer.
func (t *Tracker) Clear(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	return t.store.Delete(ctx, t.keys.Ongoing(userID))
}
