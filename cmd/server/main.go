// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/turnroom/internal/ai"
	"github.com/jason-s-yu/turnroom/internal/auth"
	"github.com/jason-s-yu/turnroom/internal/cache"
	"github.com/jason-s-yu/turnroom/internal/config"
	"github.com/jason-s-yu/turnroom/internal/engine"
	"github.com/jason-s-yu/turnroom/internal/game"
	_ "github.com/jason-s-yu/turnroom/internal/game/gomoku"
	"github.com/jason-s-yu/turnroom/internal/handlers"
	"github.com/jason-s-yu/turnroom/internal/middleware"
	"github.com/jason-s-yu/turnroom/internal/ongoing"
	"github.com/jason-s-yu/turnroom/internal/room"
	"github.com/jason-s-yu/turnroom/internal/turn"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	janitorInterval = 10 * time.Minute
	pruneInterval   = 5 * time.Minute
	shutdownGrace   = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := cfg.NewLogger()
	log := logger.WithField("node_id", cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.WithError(err).Fatal("server exited")
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	rdb, err := cache.ConnectRedis(ctx, cache.RedisOptions{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPassword})
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := cache.NewRedisStore(rdb)
	keys := cache.Keys{Prefix: cfg.KeyPrefix}
	events := cache.NewRedisPublisher(rdb, cfg.EventQueue, cfg.EventChannel, cfg.NodeID, logger)

	rooms := room.NewRegistry(store, room.Options{
		Keys:          keys,
		RoomTTL:       cfg.RoomTTL,
		TombstoneTTL:  cfg.TombstoneTTL,
		SeatLockTTL:   cfg.SeatLockTTL,
		DefaultBestOf: cfg.SeriesBestOf,
		ManualStart:   !cfg.AutoStart,
		Events:        events,
		Log:           logger,
	})
	games := game.NewStore(store, rooms, game.StoreOptions{Keys: keys, TTL: cfg.RoomTTL, Log: logger})
	turns := turn.NewCoordinator(store, turn.Options{Keys: keys, AnchorTTL: cfg.RoomTTL, Log: logger})
	tracker := ongoing.NewTracker(store, keys, cfg.RoomTTL, logger)

	level, err := ai.ParseLevel(cfg.AILevel)
	if err != nil {
		return err
	}
	advisor, err := ai.NewAdvisor(level)
	if err != nil {
		return err
	}
	scheduler, err := ai.NewScheduler(advisor, ai.SchedulerOptions{PoolSize: cfg.AIPoolSize, ThinkDelay: cfg.AIThinkDelay, Log: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := scheduler.Close(shutdownGrace); err != nil {
			logger.WithError(err).Warn("ai pool did not drain")
		}
	}()

	eng := engine.New(rooms, games, turns, scheduler, tracker, engine.Options{
		NodeID:        cfg.NodeID,
		TurnLimit:     cfg.TurnLimit,
		AIBudget:      cfg.AIBudget,
		TimeoutPolicy: cfg.TimeoutPolicy,
		Events:        events,
		Log:           logger,
	})

	sessions, err := newSessions(cfg)
	if err != nil {
		return err
	}
	limiter := middleware.NewRateLimiter(cfg.CommandRate, cfg.CommandBurst)
	api := handlers.NewAPIServer(eng, sessions, handlers.Options{
		Events:         events,
		Limiter:        limiter,
		DefaultAILevel: string(level),
		Log:            logger,
	})

	watcher := turn.NewWatcher(turns, turn.WatcherOptions{
		NodeID:      cfg.NodeID,
		LeaseTTL:    cfg.HolderLeaseTTL,
		Interval:    cfg.SweepInterval,
		Concurrency: cfg.SweepConcurrency,
		TurnLimit:   eng.TurnLimit,
		OnExpired:   eng.HandleTurnExpired,
		Log:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCanceled(watcher.Run(gctx))
	})
	g.Go(func() error {
		every(gctx, janitorInterval, func() {
			if _, err := rooms.PruneTombstones(gctx, room.MaxPageSize); err != nil && gctx.Err() == nil {
				logger.WithError(err).Warn("tombstone pruning failed")
			}
		})
		return nil
	})
	g.Go(func() error {
		every(gctx, pruneInterval, func() {
			if n := limiter.Prune(); n > 0 {
				logger.WithField("buckets", n).Debug("pruned idle rate limiters")
			}
		})
		return nil
	})
	return g.Wait()
}

func newSessions(cfg *config.Config) (*auth.Sessions, error) {
	if cfg.PrivateKeyPath != "" && cfg.PublicKeyPath != "" {
		return auth.NewSessionsFromPath(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.TokenExpire)
	}
	logrus.Warn("JWT key paths not set, tokens are signed with an ephemeral key")
	return auth.NewSessions(cfg.TokenExpire)
}

// every calls fn on each tick until ctx is done.
func every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
