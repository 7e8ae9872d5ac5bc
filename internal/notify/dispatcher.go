// Package notify forwards booking events from the transactional outbox to
// subscribers. Delivery is at-least-once and fully decoupled from the
// booking decisions that produced the events.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher delivers one serialized notification.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// RedisPublisher fans notifications out over one pub/sub channel.
// Downstream consumers (mail, push, in-app) subscribe and filter by
// recipient.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, payload []byte) error {
	return p.client.Publish(ctx, p.channel, payload).Err()
}

type envelope struct {
	ID          int64           `json:"id"`
	RecipientID uuid.UUID       `json:"recipient_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Dispatcher drains the outbox in batches and publishes each event.
type Dispatcher struct {
	store  OutboxStore
	pub    Publisher
	batch  int
	logger *zap.Logger
}

func NewDispatcher(store OutboxStore, pub Publisher, batch int, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		pub:    pub,
		batch:  batch,
		logger: logger,
	}
}

// DispatchOnce forwards one batch and reports how many events went out.
// A publish failure ends the batch early; unmarked events are retried on
// the next pass.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	delivered := 0
	err := d.store.WithPending(ctx, d.batch, func(events []Event) []int64 {
		var done []int64
		for _, ev := range events {
			msg, err := json.Marshal(envelope{
				ID:          ev.ID,
				RecipientID: ev.RecipientID,
				Kind:        ev.Kind,
				Payload:     ev.Payload,
				CreatedAt:   ev.CreatedAt,
			})
			if err != nil {
				d.logger.Warn("encode notification", zap.Int64("event_id", ev.ID), zap.Error(err))
				continue
			}
			if err := d.pub.Publish(ctx, msg); err != nil {
				d.logger.Warn("publish notification", zap.Int64("event_id", ev.ID), zap.Error(err))
				break
			}
			done = append(done, ev.ID)
			delivered++
		}
		return done
	})
	return delivered, err
}
