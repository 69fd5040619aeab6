package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the pub/sub channel carrying committed keys.
const InvalidationChannel = "pdv:store:invalidate"

type invalidation struct {
	Origin uuid.UUID `json:"origin"`
	Keys   []Key     `json:"keys"`
}

// RedisBroadcaster publishes committed keys through Redis pub/sub and applies
// keys published by other processes to the local stores.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	origin  uuid.UUID
	logger  *slog.Logger
}

// NewRedisBroadcaster constructs a broadcaster on InvalidationChannel.
func NewRedisBroadcaster(client *redis.Client, logger *slog.Logger) *RedisBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{client: client, channel: InvalidationChannel, origin: uuid.New(), logger: logger}
}

// Publish sends keys to every subscribed process.
func (b *RedisBroadcaster) Publish(ctx context.Context, keys []Key) error {
	if b == nil || b.client == nil || len(keys) == 0 {
		return nil
	}
	payload, err := json.Marshal(invalidation{Origin: b.origin, Keys: keys})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen subscribes to the channel until ctx ends. Messages from this process
// are skipped since local stores were notified at commit.
func (b *RedisBroadcaster) Listen(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					b.logger.Warn("store invalidation decode failed", slog.Any("error", err))
					continue
				}
				if inv.Origin == b.origin {
					continue
				}
				Invalidate(inv.Keys...)
			}
		}
	}()
	return nil
}
