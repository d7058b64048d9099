package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraswap/dexsync/db"
)

func TestSetPropagation(t *testing.T) {
	ctx := context.Background()
	provider := db.NewMemoryProvider()

	publisher := NewSetPubSub(provider, "tokens", "blacklist")
	require.NoError(t, publisher.InitializeAndSubscribe(ctx, nil))
	defer publisher.Close()

	subscriber := NewSetPubSub(provider, "tokens", "blacklist")
	require.NoError(t, subscriber.InitializeAndSubscribe(ctx, nil))
	defer subscriber.Close()

	require.NoError(t, publisher.Publish(ctx, []string{"a"}))
	require.NoError(t, publisher.Publish(ctx, []string{"a", "b"}))

	assert.True(t, subscriber.Has("a"))
	assert.True(t, subscriber.Has("b"))
	assert.False(t, subscriber.Has("c"))
	assert.Equal(t, 2, subscriber.Size(), "duplicate members must collapse")
}

func TestSetSeedsFromInitialMembersAndBackend(t *testing.T) {
	ctx := context.Background()
	provider := db.NewMemoryProvider()
	require.NoError(t, provider.SAdd(ctx, "tokens", "blacklist", "persisted"))

	ps := NewSetPubSub(provider, "tokens", "blacklist")
	require.NoError(t, ps.InitializeAndSubscribe(ctx, []string{"seeded"}))
	defer ps.Close()

	assert.True(t, ps.Has("seeded"))
	assert.True(t, ps.Has("persisted"))
}

func TestSetPublishEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	provider := db.NewMemoryProvider()

	received := 0
	_, err := provider.Subscribe(ctx, "tokens:blacklist", func(string, string) { received++ })
	require.NoError(t, err)

	ps := NewSetPubSub(provider, "tokens", "blacklist")
	require.NoError(t, ps.InitializeAndSubscribe(ctx, nil))
	defer ps.Close()

	require.NoError(t, ps.Publish(ctx, nil))
	require.NoError(t, ps.Publish(ctx, []string{}))
	assert.Equal(t, 0, received, "empty publishes must not hit the wire")
}

func TestSetMembersNeverRemoved(t *testing.T) {
	ctx := context.Background()
	provider := db.NewMemoryProvider()

	ps := NewSetPubSub(provider, "tokens", "blacklist")
	require.NoError(t, ps.InitializeAndSubscribe(ctx, nil))
	defer ps.Close()

	require.NoError(t, ps.Publish(ctx, []string{"a"}))
	// Re-delivering an old increment is harmless
	ps.handleSubscription(`["a"]`)
	assert.True(t, ps.Has("a"))
	assert.Equal(t, 1, ps.Size())
}
