// internal/historian/historian.go pops room events from the Redis queue and persists them
// in batches.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Sink stores a batch of events atomically.
type Sink interface {
	WriteEvents(ctx context.Context, events []models.RoomEvent) error
}

// Options configures a Service.
type Options struct {
	Queue      string
	BatchSize  int
	FlushDelay time.Duration
	// MaxPending bounds events held back by failed flushes; the oldest are dropped beyond it.
	MaxPending int
	Log        logrus.FieldLogger
}

// Service drains the event queue into a Sink.
type Service struct {
	rdb   redis.UniversalClient
	sink  Sink
	opts  Options
	log   logrus.FieldLogger
	batch []models.RoomEvent
	last  time.Time
}

// New builds a historian service.
func New(rdb redis.UniversalClient, sink Sink, opts Options) *Service {
	if opts.Queue == "" {
		opts.Queue = "turnroom_events"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = 500 * time.Millisecond
	}
	if opts.MaxPending < opts.BatchSize {
		opts.MaxPending = opts.BatchSize * 10
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Service{rdb: rdb, sink: sink, opts: opts, log: opts.Log, batch: make([]models.RoomEvent, 0, opts.BatchSize)}
}

// Run pops events until ctx is done, flushing whenever the batch is full or FlushDelay has
// passed since the last flush. Pending events are flushed once more on the way out.
func (s *Service) Run(ctx context.Context) error {
	s.last = time.Now()
	s.log.WithField("queue", s.opts.Queue).Info("historian started")
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.flush(flushCtx)
		s.log.Info("historian stopped")
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// BLPop blocks at most a second so cancellation and timed flushes stay responsive.
		res, err := s.rdb.BLPop(ctx, time.Second, s.opts.Queue).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Warn("BLPop failed")
			time.Sleep(100 * time.Millisecond)
		case len(res) == 2:
			s.accept(res[1])
		}

		if len(s.batch) >= s.opts.BatchSize || (len(s.batch) > 0 && time.Since(s.last) >= s.opts.FlushDelay) {
			s.flush(ctx)
		}
	}
}

func (s *Service) accept(payload string) {
	var ev models.RoomEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.log.WithError(err).Warn("skipping invalid room event")
		return
	}
	s.batch = append(s.batch, ev)
	if over := len(s.batch) - s.opts.MaxPending; over > 0 {
		s.log.WithField("dropped", over).Error("historian backlog full, dropping oldest events")
		s.batch = append(s.batch[:0], s.batch[over:]...)
	}
}

// flush writes the pending batch. A failed batch is kept for the next attempt.
func (s *Service) flush(ctx context.Context) {
	s.last = time.Now()
	if len(s.batch) == 0 {
		return
	}
	if err := s.sink.WriteEvents(ctx, s.batch); err != nil {
		s.log.WithError(err).WithField("events", len(s.batch)).Error("failed to flush room events")
		return
	}
	s.log.WithField("events", len(s.batch)).Debug("flushed room events")
	s.batch = s.batch[:0]
}
