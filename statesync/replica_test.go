package statesync_test

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraswap/dexsync/db"
	"github.com/paraswap/dexsync/poolstate"
	"github.com/paraswap/dexsync/statesync"
	"github.com/paraswap/dexsync/types"
)

func newReplicaSync(t *testing.T, provider db.CacheProvider, cursor func() uint64) *statesync.StateSynchronizer {
	t.Helper()
	opts := newTestOptions(provider)
	opts.Role = types.RoleReplica
	opts.GenerateState = nil
	opts.SyncCursor = cursor
	sync, err := statesync.NewStateSynchronizer(opts)
	require.NoError(t, err)
	return sync
}

func TestReplicaHydratesFromMasterCache(t *testing.T) {
	ctx := context.Background()
	provider := db.NewMemoryProvider()

	master := newMasterSync(t, provider)
	initial := &poolstate.PoolState{
		Reserve0: uint256.NewInt(777),
		Reserve1: uint256.NewInt(888),
	}
	require.NoError(t, master.Initialize(ctx, 100, initial))

	// The replica adopts the master's point-in-time cache entry
	replica := newReplicaSync(t, provider, nil)
	require.NoError(t, replica.Initialize(ctx, 0, nil))
	defer replica.Close()

	ps, bn, ok := getPoolState(t, replica, 100)
	require.True(t, ok)
	assert.Equal(t, uint64(100), bn)
	assert.Equal(t, uint64(777), ps.Reserve0.Uint64())
}

func TestReplicaFollowsMasterPushes(t *testing.T) {
	ctx := context.Background()
	provider := db.NewMemoryProvider()

	master := newMasterSync(t, provider)
	require.NoError(t, master.Initialize(ctx, 100, nil))

	replica := newReplicaSync(t, provider, nil)
	require.NoError(t, replica.Initialize(ctx, 0, nil))
	defer replica.Close()

	// Master replays a log; the push hydrates the replica without it ever
	// replaying anything itself.
	logs := []types.EventLog{syncLog(105, 0, 123, 456)}
	master.Update(ctx, logs, headersFor(logs...))

	ps, bn, ok := getPoolState(t, replica, 105)
	require.True(t, ok)
	assert.Equal(t, uint64(105), bn)
	assert.Equal(t, uint64(123), ps.Reserve0.Uint64())
}

func TestReplicaServesViaSyncCursor(t *testing.T) {
	ctx := context.Background()
	provider := db.NewMemoryProvider()

	master := newMasterSync(t, provider)
	require.NoError(t, master.Initialize(ctx, 100, nil))

	cursorBlock := uint64(0)
	replica := newReplicaSync(t, provider, func() uint64 { return cursorBlock })
	require.NoError(t, replica.Initialize(ctx, 0, nil))
	defer replica.Close()

	_, _, ok := replica.GetState(150)
	assert.False(t, ok, "pointer at 100 must not satisfy a request for 150")

	// Once the process-wide cursor reached 150, the pointer is trusted
	cursorBlock = 150
	_, bn, ok := replica.GetState(150)
	require.True(t, ok)
	assert.Equal(t, uint64(100), bn)
}

func TestReplicaIgnoresLogs(t *testing.T) {
	ctx := context.Background()
	provider := db.NewMemoryProvider()

	master := newMasterSync(t, provider)
	require.NoError(t, master.Initialize(ctx, 100, nil))

	replica := newReplicaSync(t, provider, nil)
	require.NoError(t, replica.Initialize(ctx, 0, nil))
	defer replica.Close()

	replica.Invalidate()

	logs := []types.EventLog{syncLog(105, 0, 1, 2)}
	changed := replica.Update(ctx, logs, headersFor(logs...))
	assert.False(t, changed, "a replica never replays logs")

	// The call still clears the invalid flag
	_, bn, ok := getPoolState(t, replica, 100)
	require.True(t, ok)
	assert.Equal(t, uint64(100), bn)
}
