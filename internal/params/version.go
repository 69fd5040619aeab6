package params

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	versionKey  = "pdv:params:version"
	bumpChannel = "pdv:params:bump"
)

// Versioner tracks the shared parameter version.
type Versioner interface {
	Version(ctx context.Context) (int64, error)
	Bump(ctx context.Context) (int64, error)
}

// RedisVersion keeps the parameter version in Redis and announces bumps over pub/sub.
type RedisVersion struct {
	client *redis.Client
}

// NewRedisVersion constructs a RedisVersion.
func NewRedisVersion(client *redis.Client) *RedisVersion {
	return &RedisVersion{client: client}
}

// Version returns the current version, initialising it when missing.
func (v *RedisVersion) Version(ctx context.Context) (int64, error) {
	if v == nil || v.client == nil {
		return 0, nil
	}
	ver, err := v.client.Get(ctx, versionKey).Int64()
	if err == redis.Nil {
		if err := v.client.SetNX(ctx, versionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return v.client.Get(ctx, versionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump increments the version and publishes it.
func (v *RedisVersion) Bump(ctx context.Context) (int64, error) {
	if v == nil || v.client == nil {
		return 0, nil
	}
	ver, err := v.client.Incr(ctx, versionKey).Result()
	if err != nil {
		return 0, err
	}
	return ver, v.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// Listen calls onBump for every version published by any process until ctx ends.
func (v *RedisVersion) Listen(ctx context.Context, onBump func(ver int64)) error {
	if v == nil || v.client == nil {
		return nil
	}
	pubsub := v.client.Subscribe(ctx, bumpChannel)
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
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				onBump(ver)
			}
		}
	}()
	return nil
}
