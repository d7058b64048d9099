package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/paraswap/dexsync/db"
	"github.com/paraswap/dexsync/jsonx"
	"github.com/paraswap/dexsync/logx"
	"github.com/paraswap/dexsync/monitoring"
)

// SetPubSub propagates an append-only membership set. Members are never
// removed and carry no TTL; duplicate delivery just restates membership.
type SetPubSub struct {
	provider db.CacheProvider
	ns       string
	setKey   string
	channel  string

	mu      sync.RWMutex
	members map[string]struct{}

	unsubscribe db.UnsubscribeFunc
}

func NewSetPubSub(provider db.CacheProvider, ns, setKey string) *SetPubSub {
	return &SetPubSub{
		provider: provider,
		ns:       ns,
		setKey:   setKey,
		channel:  fmt.Sprintf("%s:%s", ns, setKey),
		members:  make(map[string]struct{}),
	}
}

// InitializeAndSubscribe seeds the local set from the supplied members plus
// whatever the backend set already holds, then subscribes for increments.
func (ps *SetPubSub) InitializeAndSubscribe(ctx context.Context, initialMembers []string) error {
	existing, err := ps.provider.SMembers(ctx, ps.ns, ps.setKey)
	if err != nil {
		return fmt.Errorf("failed to load set %s: %w", ps.setKey, err)
	}

	ps.mu.Lock()
	for _, m := range initialMembers {
		ps.members[m] = struct{}{}
	}
	for _, m := range existing {
		ps.members[m] = struct{}{}
	}
	ps.mu.Unlock()

	unsubscribe, err := ps.provider.Subscribe(ctx, ps.channel, func(_ string, payload string) {
		ps.handleSubscription(payload)
	})
	if err != nil {
		return err
	}
	ps.unsubscribe = unsubscribe
	return nil
}

// Publish sends an incremental list of new members, only when non-empty
func (ps *SetPubSub) Publish(ctx context.Context, members []string) error {
	if len(members) == 0 {
		return nil
	}

	ps.mu.Lock()
	for _, m := range members {
		ps.members[m] = struct{}{}
	}
	ps.mu.Unlock()

	if err := ps.provider.SAdd(ctx, ps.ns, ps.setKey, members...); err != nil {
		return fmt.Errorf("failed to sadd %s: %w", ps.setKey, err)
	}

	message, err := jsonx.MarshalToString(members)
	if err != nil {
		return err
	}
	if err := ps.provider.Publish(ctx, ps.channel, message); err != nil {
		return err
	}
	monitoring.IncreaseReplicationPublished(ps.channel)
	return nil
}

func (ps *SetPubSub) handleSubscription(payload string) {
	var members []string
	if err := jsonx.UnmarshalFromString(payload, &members); err != nil {
		logx.Error("REPLICATION", "Failed to decode set message on ", ps.channel, ": ", err)
		return
	}

	ps.mu.Lock()
	for _, m := range members {
		ps.members[m] = struct{}{}
	}
	ps.mu.Unlock()
	monitoring.IncreaseReplicationReceived(ps.channel)
}

// Has is a local-only membership check
func (ps *SetPubSub) Has(member string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	_, ok := ps.members[member]
	return ok
}

// Size returns the number of locally known members
func (ps *SetPubSub) Size() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.members)
}

func (ps *SetPubSub) Close() {
	if ps.unsubscribe != nil {
		ps.unsubscribe()
		ps.unsubscribe = nil
	}
}
