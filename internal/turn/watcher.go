// internal/turn/watcher.go
package turn

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ExpiryHandler applies the timeout policy of an expired turn. A returned error puts the
// anchor back so a later sweep retries.
type ExpiryHandler func(ctx context.Context, roomID string, anchor Anchor) error

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	NodeID      string
	LeaseTTL    time.Duration
	Interval    time.Duration
	Concurrency int
	// TurnLimit resolves the move time limit of a room.
	TurnLimit func(ctx context.Context, roomID string) time.Duration
	OnExpired ExpiryHandler
	Log       logrus.FieldLogger
}

// Watcher is the per-node timeout enforcement loop. Every node runs one; the holder lease
// makes sure each room is enforced by at most one of them.
type Watcher struct {
	c    *Coordinator
	opts WatcherOptions
	log  logrus.FieldLogger
}

// NewWatcher builds a watcher over c.
func NewWatcher(c *Coordinator, opts WatcherOptions) *Watcher {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.TurnLimit == nil {
		opts.TurnLimit = func(context.Context, string) time.Duration { return 30 * time.Second }
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{c: c, opts: opts, log: log.WithField("node_id", opts.NodeID)}
}

// Run sweeps every Interval until ctx is done, then releases the leases it holds.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	w.log.WithField("interval", w.opts.Interval).Info("turn watcher started")

	for {
		select {
		case <-ctx.Done():
			w.releaseAll(context.WithoutCancel(ctx))
			w.log.Info("turn watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.log.WithError(err).Warn("turn sweep failed")
			}
		}
	}
}

// Sweep runs one enforcement pass over every active room.
func (w *Watcher) Sweep(ctx context.Context) error {
	rooms, err := w.c.ActiveRooms(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for _, m := range rooms {
		g.Go(func() error {
			w.sweepRoom(gctx, m.Member)
			if err := w.c.forgetStale(gctx, m); err != nil {
				w.log.WithError(err).WithField("room_id", m.Member).Debug("failed to drop stale turn")
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *Watcher) sweepRoom(ctx context.Context, roomID string) {
	log := w.log.WithField("room_id", roomID)

	holder, err := w.c.Holder(ctx, roomID)
	if err != nil {
		log.WithError(err).Warn("failed to read turn holder")
		return
	}
	switch holder {
	case w.opts.NodeID:
		if ok, err := w.c.RefreshHolder(ctx, roomID, w.opts.NodeID, w.opts.LeaseTTL); err != nil || !ok {
			return
		}
	case "":
		if ok, err := w.c.AcquireHolder(ctx, roomID, w.opts.NodeID, w.opts.LeaseTTL); err != nil || !ok {
			return
		}
	default:
		return
	}

	check, err := w.c.CheckTimeout(ctx, roomID, w.opts.NodeID, w.opts.TurnLimit(ctx, roomID))
	if err != nil {
		log.WithError(err).Warn("turn timeout check failed")
		return
	}
	if check.Result != Expired || w.opts.OnExpired == nil {
		return
	}
	if err := w.opts.OnExpired(ctx, roomID, check.Anchor); err != nil {
		log.WithError(err).Warn("failed to handle expired turn, will retry")
		if _, rerr := w.c.RestoreAnchor(ctx, roomID, check.Anchor); rerr != nil {
			log.WithError(rerr).Error("failed to restore turn anchor")
		}
	}
}

func (w *Watcher) releaseAll(ctx context.Context) {
	rooms, err := w.c.ActiveRooms(ctx)
	if err != nil {
		return
	}
	for _, m := range rooms {
		_, _ = w.c.ReleaseHolder(ctx, m.Member, w.opts.NodeID)
	}
}
