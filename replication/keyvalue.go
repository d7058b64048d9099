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

// expiringEnvelope is the wire format of the expiring propagation variants.
// ExpiresAt is an absolute epoch-seconds deadline so receivers can compute
// the remaining TTL regardless of transit delay.
type expiringEnvelope struct {
	ExpiresAt int64             `json:"expiresAt"`
	Data      map[string]string `json:"data"`
}

// KeyValuePubSub propagates an expiring flat key/value mapping from one
// publisher to many subscribers, each keeping a process-local memoizing
// cache. Safe under duplicate or re-ordered at-least-once delivery: caching
// the same key twice just restates it.
type KeyValuePubSub struct {
	provider db.CacheProvider
	ns       string
	channel  string

	local *gocache.Cache

	defaultValue    string
	hasDefaultValue bool
	defaultTTL      time.Duration

	unsubscribe db.UnsubscribeFunc

	// now is swapped in tests to simulate receipt delay
	now func() time.Time
}

func NewKeyValuePubSub(provider db.CacheProvider, ns, name string) *KeyValuePubSub {
	return &KeyValuePubSub{
		provider: provider,
		ns:       ns,
		channel:  fmt.Sprintf("%s:%s", ns, name),
		local:    gocache.New(gocache.NoExpiration, time.Minute),
		now:      time.Now,
	}
}

// WithDefaultValue configures a value returned (and pinned locally for
// defaultTTL) when both the local cache and the backend miss.
func (ps *KeyValuePubSub) WithDefaultValue(value string, defaultTTL time.Duration) *KeyValuePubSub {
	ps.defaultValue = value
	ps.hasDefaultValue = true
	ps.defaultTTL = defaultTTL
	return ps
}

// Publish stores every key in the backend with the given TTL and fans the
// whole mapping out on the channel wrapped with an absolute expiry.
func (ps *KeyValuePubSub) Publish(ctx context.Context, data map[string]string, ttl time.Duration) error {
	if len(data) == 0 {
		return nil
	}
	for key, value := range data {
		if err := ps.provider.Setex(ctx, ps.ns, key, ttl, value); err != nil {
			return fmt.Errorf("failed to setex %s: %w", key, err)
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

// Subscribe registers the receive handler on the channel
func (ps *KeyValuePubSub) Subscribe(ctx context.Context) error {
	unsubscribe, err := ps.provider.Subscribe(ctx, ps.channel, func(_ string, payload string) {
		ps.handleSubscription(payload)
	})
	if err != nil {
		return err
	}
	ps.unsubscribe = unsubscribe
	return nil
}

func (ps *KeyValuePubSub) handleSubscription(payload string) {
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

	for key, value := range envelope.Data {
		ps.local.Set(key, value, remainingTTL)
	}
	monitoring.IncreaseReplicationReceived(ps.channel)
}

// GetAndCache reads the local cache first, then falls back to a direct
// backend read whose remaining TTL repopulates the local cache. A configured
// default value is pinned locally on a backend miss.
func (ps *KeyValuePubSub) GetAndCache(ctx context.Context, key string) (string, bool, error) {
	if value, ok := ps.local.Get(key); ok {
		return value.(string), true, nil
	}

	value, ok, err := ps.provider.Get(ctx, ps.ns, key)
	if err != nil {
		return "", false, err
	}
	if ok {
		ttl, hasTTL, err := ps.provider.TTL(ctx, ps.ns, key)
		if err != nil {
			return "", false, err
		}
		if hasTTL && ttl > 0 {
			ps.local.Set(key, value, ttl)
		}
		return value, true, nil
	}

	if ps.hasDefaultValue {
		ps.local.Set(key, ps.defaultValue, ps.defaultTTL)
		return ps.defaultValue, true, nil
	}
	return "", false, nil
}

// Close tears down the subscription if one is active
func (ps *KeyValuePubSub) Close() {
	if ps.unsubscribe != nil {
		ps.unsubscribe()
		ps.unsubscribe = nil
	}
}
