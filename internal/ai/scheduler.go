// internal/ai/scheduler.go
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/turnroom/internal/game"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// ResultFunc receives the outcome of an asynchronous suggestion.
type ResultFunc func(cmd game.Command, err error)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// PoolSize bounds concurrent AI work. It should leave room for the request and turn paths.
	PoolSize int
	// ThinkDelay paces asynchronous moves so AI replies do not land instantly.
	ThinkDelay time.Duration
	Log        logrus.FieldLogger
}

// Scheduler runs advisor work on its own bounded worker pool, apart from request handling
// and turn enforcement. Advisor failures never reach the caller: they degrade to a trivial
// legal move.
type Scheduler struct {
	pool    *ants.Pool
	advisor Advisor
	delay   time.Duration
	log     logrus.FieldLogger
}

// NewScheduler creates the worker pool. Submissions beyond the pool size are refused
// instead of queued.
func NewScheduler(advisor Advisor, opts SchedulerOptions) (*Scheduler, error) {
	if advisor == nil {
		return nil, errors.New("ai: nil advisor")
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	pool, err := ants.NewPool(opts.PoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			log.WithField("panic", p).Error("ai worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create ai pool: %w", err)
	}
	return &Scheduler{pool: pool, advisor: advisor, delay: opts.ThinkDelay, log: log}, nil
}

// Submit schedules a suggestion by adv (the default advisor when nil) and returns
// immediately. done runs on the worker once the suggestion or its fallback is ready.
// A full pool returns ants.ErrPoolOverload.
func (s *Scheduler) Submit(ctx context.Context, adv Advisor, state game.GameState, budget time.Duration, done ResultFunc) error {
	if adv == nil {
		adv = s.advisor
	}
	snapshot := state.Copy()
	return s.pool.Submit(func() {
		if s.delay > 0 {
			t := time.NewTimer(s.delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		done(s.run(ctx, adv, snapshot, budget))
	})
}

// Suggest computes a suggestion by adv (the default advisor when nil) on the pool and waits
// for it. When the pool is saturated or ctx ends first, the fallback move is returned instead.
func (s *Scheduler) Suggest(ctx context.Context, adv Advisor, state game.GameState, budget time.Duration) (game.Command, error) {
	if adv == nil {
		adv = s.advisor
	}
	type result struct {
		cmd game.Command
		err error
	}
	ch := make(chan result, 1)
	snapshot := state.Copy()
	err := s.pool.Submit(func() {
		cmd, err := s.run(ctx, adv, snapshot, budget)
		ch <- result{cmd, err}
	})
	if err != nil {
		s.log.WithError(err).Debug("ai pool unavailable, using fallback move")
		return Fallback(state)
	}
	select {
	case r := <-ch:
		return r.cmd, r.err
	case <-ctx.Done():
		return Fallback(state)
	}
}

func (s *Scheduler) run(ctx context.Context, adv Advisor, state game.GameState, budget time.Duration) (cmd game.Command, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.WithField("panic", p).Warn("ai advisor crashed, using fallback move")
			cmd, err = Fallback(state)
		}
	}()
	cmd, err = adv.Suggest(ctx, state.Copy(), budget)
	if err != nil && !errors.Is(err, ErrNoLegalMove) {
		s.log.WithError(err).Warn("ai advisor failed, using fallback move")
		return Fallback(state)
	}
	return cmd, err
}

// Running reports how many workers are busy.
func (s *Scheduler) Running() int { return s.pool.Running() }

// Close waits up to timeout for in-flight work and releases the pool.
func (s *Scheduler) Close(timeout time.Duration) error {
	return s.pool.ReleaseTimeout(timeout)
}

// Fallback returns the first legal move of state.
func Fallback(state game.GameState) (game.Command, error) {
	moves := state.LegalMoves()
	if len(moves) == 0 {
		return game.Command{}, ErrNoLegalMove
	}
	return moves[0], nil
}
