package db

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryProvider is an in-process CacheProvider used by tests and
// single-process deployments. Pub/sub delivery is synchronous: Publish
// invokes every local handler before returning, which keeps test scenarios
// deterministic.
type MemoryProvider struct {
	mu          sync.RWMutex
	values      map[string]memoryEntry
	hashes      map[string]map[string]string
	sets        map[string]map[string]struct{}
	subscribers map[string]map[string]MessageHandler
	closed      bool
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		values:      make(map[string]memoryEntry),
		hashes:      make(map[string]map[string]string),
		sets:        make(map[string]map[string]struct{}),
		subscribers: make(map[string]map[string]MessageHandler),
	}
}

func (p *MemoryProvider) Get(_ context.Context, ns, key string) (string, bool, error) {
	p.mu.RLock()
	entry, ok := p.values[namespacedKey(ns, key)]
	p.mu.RUnlock()
	if !ok || entry.expired(time.Now()) {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (p *MemoryProvider) Setex(_ context.Context, ns, key string, ttl time.Duration, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	p.values[namespacedKey(ns, key)] = entry
	return nil
}

func (p *MemoryProvider) TTL(_ context.Context, ns, key string) (time.Duration, bool, error) {
	p.mu.RLock()
	entry, ok := p.values[namespacedKey(ns, key)]
	p.mu.RUnlock()
	now := time.Now()
	if !ok || entry.expired(now) || entry.expiresAt.IsZero() {
		return 0, false, nil
	}
	return entry.expiresAt.Sub(now), true, nil
}

func (p *MemoryProvider) HSet(_ context.Context, ns, hashKey, field, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := namespacedKey(ns, hashKey)
	if p.hashes[k] == nil {
		p.hashes[k] = make(map[string]string)
	}
	p.hashes[k][field] = value
	return nil
}

func (p *MemoryProvider) HGet(_ context.Context, ns, hashKey, field string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, ok := p.hashes[namespacedKey(ns, hashKey)][field]
	return value, ok, nil
}

func (p *MemoryProvider) HGetAll(_ context.Context, ns, hashKey string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.hashes[namespacedKey(ns, hashKey)]))
	for f, v := range p.hashes[namespacedKey(ns, hashKey)] {
		out[f] = v
	}
	return out, nil
}

func (p *MemoryProvider) SAdd(_ context.Context, ns, setKey string, members ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := namespacedKey(ns, setKey)
	if p.sets[k] == nil {
		p.sets[k] = make(map[string]struct{})
	}
	for _, m := range members {
		p.sets[k][m] = struct{}{}
	}
	return nil
}

func (p *MemoryProvider) SMembers(_ context.Context, ns, setKey string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	members := make([]string, 0, len(p.sets[namespacedKey(ns, setKey)]))
	for m := range p.sets[namespacedKey(ns, setKey)] {
		members = append(members, m)
	}
	return members, nil
}

func (p *MemoryProvider) Publish(_ context.Context, channel, message string) error {
	p.mu.RLock()
	handlers := make([]MessageHandler, 0, len(p.subscribers[channel]))
	for _, h := range p.subscribers[channel] {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		h(channel, message)
	}
	return nil
}

func (p *MemoryProvider) Subscribe(_ context.Context, channel string, handler MessageHandler) (UnsubscribeFunc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribers[channel] == nil {
		p.subscribers[channel] = make(map[string]MessageHandler)
	}
	id := uuid.Must(uuid.NewV7()).String()
	p.subscribers[channel][id] = handler

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers[channel], id)
	}, nil
}

func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.subscribers = make(map[string]map[string]MessageHandler)
	return nil
}
