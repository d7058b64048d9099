package db

import (
	"context"
	"fmt"
	"time"

	"github.com/paraswap/dexsync/exception"
	"github.com/paraswap/dexsync/logx"
	"github.com/redis/go-redis/v9"
)

// RedisProvider implements CacheProvider on top of a Redis backend
type RedisProvider struct {
	client *redis.Client
}

// NewRedisProvider creates a new Redis provider
func NewRedisProvider(address string) (CacheProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr: address,
	})

	// Test connection
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisProvider{client: client}, nil
}

func (p *RedisProvider) Get(ctx context.Context, ns, key string) (string, bool, error) {
	value, err := p.client.Get(ctx, namespacedKey(ns, key)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (p *RedisProvider) Setex(ctx context.Context, ns, key string, ttl time.Duration, value string) error {
	return p.client.Set(ctx, namespacedKey(ns, key), value, ttl).Err()
}

func (p *RedisProvider) TTL(ctx context.Context, ns, key string) (time.Duration, bool, error) {
	d, err := p.client.TTL(ctx, namespacedKey(ns, key)).Result()
	if err != nil {
		return 0, false, err
	}
	// Redis reports -2 for a missing key and -1 for a key without expiry
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (p *RedisProvider) HSet(ctx context.Context, ns, hashKey, field, value string) error {
	return p.client.HSet(ctx, namespacedKey(ns, hashKey), field, value).Err()
}

func (p *RedisProvider) HGet(ctx context.Context, ns, hashKey, field string) (string, bool, error) {
	value, err := p.client.HGet(ctx, namespacedKey(ns, hashKey), field).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (p *RedisProvider) HGetAll(ctx context.Context, ns, hashKey string) (map[string]string, error) {
	return p.client.HGetAll(ctx, namespacedKey(ns, hashKey)).Result()
}

func (p *RedisProvider) SAdd(ctx context.Context, ns, setKey string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return p.client.SAdd(ctx, namespacedKey(ns, setKey), args...).Err()
}

func (p *RedisProvider) SMembers(ctx context.Context, ns, setKey string) ([]string, error) {
	return p.client.SMembers(ctx, namespacedKey(ns, setKey)).Result()
}

func (p *RedisProvider) Publish(ctx context.Context, channel, message string) error {
	return p.client.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for a channel. Delivery runs on a dedicated
// goroutine until the returned teardown func is called or ctx is cancelled.
func (p *RedisProvider) Subscribe(ctx context.Context, channel string, handler MessageHandler) (UnsubscribeFunc, error) {
	pubsub := p.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning so callers
	// do not miss messages published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	exception.SafeGo("redis-subscribe:"+channel, func() {
		for msg := range pubsub.Channel() {
			handler(msg.Channel, msg.Payload)
		}
		logx.Debug("REDIS", "Subscription channel closed: ", channel)
	})

	return func() {
		if err := pubsub.Close(); err != nil {
			logx.Warn("REDIS", "Failed to close subscription: ", err)
		}
	}, nil
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}
