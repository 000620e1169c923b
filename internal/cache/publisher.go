// internal/cache/publisher.go
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// EventPublisher fans room lifecycle events out to downstream listeners. Delivery is
// best-effort: Publish never fails the caller.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.RoomEvent)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.RoomEvent) {}

// RedisPublisher pushes each event onto the historian queue and publishes it on the
// event channel for live subscribers on any node.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	queue   string
	channel string
	nodeID  string
	log     logrus.FieldLogger
}

// NewRedisPublisher builds a publisher. An empty queue or channel disables that leg.
func NewRedisPublisher(rdb redis.UniversalClient, queue, channel, nodeID string, log logrus.FieldLogger) *RedisPublisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisPublisher{rdb: rdb, queue: queue, channel: channel, nodeID: nodeID, log: log}
}

// Publish serializes the event to JSON, then RPushes and PUBLISHes it.
func (p *RedisPublisher) Publish(ctx context.Context, ev models.RoomEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.NodeID == "" {
		ev.NodeID = p.nodeID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.WithError(err).WithField("room_id", ev.RoomID).Warn("failed to marshal room event")
		return
	}

	if p.queue != "" {
		if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{"room_id": ev.RoomID, "type": ev.Type}).Warn("failed to queue room event")
		}
	}
	if p.channel != "" {
		if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{"room_id": ev.RoomID, "type": ev.Type}).Warn("failed to publish room event")
		}
	}
}

// Subscribe streams events published on the event channel until ctx is done.
// Undecodable messages are skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context) <-chan models.RoomEvent {
	out := make(chan models.RoomEvent, 16)
	ps := p.rdb.Subscribe(ctx, p.channel)

	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.RoomEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					p.log.WithError(err).Debug("skipping undecodable room event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
