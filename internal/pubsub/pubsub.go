// Package pubsub is the cross-instance fan-out fabric (C2): broadcasts
// published on one process's Redis connection are delivered to every
// subscriber, including those attached to gateways on other instances.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Bus fans messages out over Redis PUBLISH/SUBSCRIBE.
type Bus struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(redisURL string, log *zap.Logger) (*Bus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("pubsub: invalid redis url: %w", err)
	}
	return &Bus{rdb: redis.NewClient(opt), log: log}, nil
}

func (b *Bus) Close() error { return b.rdb.Close() }

// Channel derives the stable pub/sub channel name for an auction room.
func Channel(auctionID string) string { return "auction:events:" + auctionID }

// Publish marshals payload as JSON and publishes it on the auction's
// channel. Callers pass already-serializable wire types (internal/wsproto).
func (b *Bus) Publish(ctx context.Context, auctionID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshal: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel(auctionID), data).Err(); err != nil {
		return fmt.Errorf("pubsub: publish to %s: %w", auctionID, err)
	}
	return nil
}

// Subscription is a typed handle on one auction room's message stream.
type Subscription struct {
	ps *redis.PubSub
}

// Subscribe opens a subscription to an auction's channel. Callers read
// raw JSON bytes off Messages() and decode into the wsproto envelope.
func (b *Bus) Subscribe(ctx context.Context, auctionID string) *Subscription {
	return &Subscription{ps: b.rdb.Subscribe(ctx, Channel(auctionID))}
}

// Messages returns a channel of raw JSON payloads published to the room.
func (s *Subscription) Messages() <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		ch := s.ps.Channel()
		for msg := range ch {
			out <- []byte(msg.Payload)
		}
	}()
	return out
}

func (s *Subscription) Close() error { return s.ps.Close() }
