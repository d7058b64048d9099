package replication

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/paraswap/dexsync/db"
	"github.com/paraswap/dexsync/jsonx"
	"github.com/paraswap/dexsync/logx"
	"github.com/paraswap/dexsync/monitoring"
)

// HashPubSub has the same contract as KeyValuePubSub but is backed by a
// single shared hash keyed by field name, for callers publishing into one
// shared namespace.
type HashPubSub struct {
	provider db.CacheProvider
	ns       string
	hashKey  string
	channel  string

	local *gocache.Cache

	defaultValue    string
	hasDefaultValue bool
	defaultTTL      time.Duration

	unsubscribe db.UnsubscribeFunc

	now func() time.Time
}

func NewHashPubSub(provider db.CacheProvider, ns, hashKey string) *HashPubSub {
	return &HashPubSub{
		provider: provider,
		ns:       ns,
		hashKey:  hashKey,
		channel:  fmt.Sprintf("%s:%s", ns, hashKey),
		local:    gocache.New(gocache.NoExpiration, time.Minute),
		now:      time.Now,
	}
}

func (ps *HashPubSub) WithDefaultValue(value string, defaultTTL time.Duration) *HashPubSub {
	ps.defaultValue = value
	ps.hasDefaultValue = true
	ps.defaultTTL = defaultTTL
	return ps
}

// Publish stores every field in the shared hash and fans the mapping out
// wrapped with an absolute expiry.
func (ps *HashPubSub) Publish(ctx context.Context, data map[string]string, ttl time.Duration) error {
	if len(data) == 0 {
		return nil
	}
	for field, value := range data {
		if err := ps.provider.HSet(ctx, ps.ns, ps.hashKey, field, value); err != nil {
			return fmt.Errorf("failed to hset %s.%s: %w", ps.hashKey, field, err)
		}
	}

	envelope := expiringEnvelope{
		ExpiresAt: ps.now().Add(ttl).Unix(),
		Data:      data,
	}
	message, err := jsonx.MarshalToString(envelope)
	if err != nil {
		return err
	}
	if err := ps.provider.Publish(ctx, ps.channel, message); err != nil {
		return err
	}
	monitoring.IncreaseReplicationPublished(ps.channel)
	return nil
}

func (ps *HashPubSub) Subscribe(ctx context.Context) error {
	unsubscribe, err := ps.provider.Subscribe(ctx, ps.channel, func(_ string, payload string) {
		ps.handleSubscription(payload)
	})
	if err != nil {
		return err
	}
	ps.unsubscribe = unsubscribe
	return nil
}

func (ps *HashPubSub) handleSubscription(payload string) {
	var envelope expiringEnvelope
	if err := jsonx.UnmarshalFromString(payload, &envelope); err != nil {
		logx.Error("REPLICATION", "Failed to decode message on ", ps.channel, ": ", err)
		return
	}

	remainingTTL := time.Duration(envelope.ExpiresAt-ps.now().Unix()) * time.Second
	if remainingTTL <= 0 {
		logx.Warn("REPLICATION", fmt.Sprintf("Discarding stale message | channel=%s | expired_ago=%s", ps.channel, -remainingTTL))
		monitoring.IncreaseStaleMessageCount(ps.channel)
		return
	}

	for field, value := range envelope.Data {
		ps.local.Set(field, value, remainingTTL)
	}
	monitoring.IncreaseReplicationReceived(ps.channel)
}

// GetAndCache reads the local cache first, falling back to the shared hash.
// The hash itself carries no per-field expiry, so backend hits are memoized
// for the configured default TTL.
func (ps *HashPubSub) GetAndCache(ctx context.Context, field string) (string, bool, error) {
	if value, ok := ps.local.Get(field); ok {
		return value.(string), true, nil
	}

	value, ok, err := ps.provider.HGet(ctx, ps.ns, ps.hashKey, field)
	if err != nil {
		return "", false, err
	}
	if ok {
		if ps.defaultTTL > 0 {
			ps.local.Set(field, value, ps.defaultTTL)
		}
		return value, true, nil
	}

	if ps.hasDefaultValue {
		ps.local.Set(field, ps.defaultValue, ps.defaultTTL)
		return ps.defaultValue, true, nil
	}
	return "", false, nil
}

func (ps *HashPubSub) Close() {
	if ps.unsubscribe != nil {
		ps.unsubscribe()
		ps.unsubscribe = nil
	}
}
