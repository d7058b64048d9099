package db

import (
	"context"
	"time"
)

// MessageHandler receives one raw pub/sub payload for a channel.
type MessageHandler func(channel string, payload string)

// UnsubscribeFunc tears down one subscription registered via Subscribe.
type UnsubscribeFunc func()

// CacheProvider abstracts the key/value + pub/sub backend used for state
// replication. All values are opaque strings; callers own serialization.
// Keys are namespaced so many tracked entities can share one backend.
type CacheProvider interface {
	// Get retrieves a value by key. The second return reports existence.
	Get(ctx context.Context, ns, key string) (string, bool, error)

	// Setex stores a key-value pair with a time-to-live
	Setex(ctx context.Context, ns, key string, ttl time.Duration, value string) error

	// TTL returns the remaining time-to-live of a key. The second return is
	// false when the key does not exist or has no expiry.
	TTL(ctx context.Context, ns, key string) (time.Duration, bool, error)

	// HSet stores a field inside a shared hash
	HSet(ctx context.Context, ns, hashKey, field, value string) error

	// HGet retrieves a field from a shared hash
	HGet(ctx context.Context, ns, hashKey, field string) (string, bool, error)

	// HGetAll retrieves every field of a shared hash
	HGetAll(ctx context.Context, ns, hashKey string) (map[string]string, error)

	// SAdd inserts members into a set; duplicates are harmless
	SAdd(ctx context.Context, ns, setKey string, members ...string) error

	// SMembers returns every member of a set
	SMembers(ctx context.Context, ns, setKey string) ([]string, error)

	// Publish sends a message on a channel (best effort, at-least-once)
	Publish(ctx context.Context, channel, message string) error

	// Subscribe registers a handler for a channel and returns a teardown func
	Subscribe(ctx context.Context, channel string, handler MessageHandler) (UnsubscribeFunc, error)

	// Close closes the backend connection
	Close() error
}

func namespacedKey(ns, key string) string {
	if ns == "" {
		return key
	}
	return ns + ":" + key
}
