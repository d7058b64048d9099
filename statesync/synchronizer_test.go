package statesync_test

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraswap/dexsync/db"
	"github.com/paraswap/dexsync/jsonx"
	"github.com/paraswap/dexsync/poolstate"
	"github.com/paraswap/dexsync/statesync"
	"github.com/paraswap/dexsync/types"
)

const testPool = "0x00000000000000000000000000000000000000aa"

func newTestOptions(provider db.CacheProvider) statesync.Options {
	return statesync.Options{
		Key:              types.NewEntityKey("uniswapv2", testPool),
		Role:             types.RoleMaster,
		Addresses:        []types.Address{types.NormalizeAddress(testPool)},
		MaxBlocksHistory: 10,
		CacheTTL:         time.Minute,
		Codec:            poolstate.Codec{},
		Decoder:          poolstate.Decode,
		Handlers:         poolstate.Handlers(),
		Provider:         provider,
		GenerateState: func(_ context.Context, _ uint64) (interface{}, error) {
			return &poolstate.PoolState{
				Reserve0: uint256.NewInt(1000),
				Reserve1: uint256.NewInt(2000),
			}, nil
		},
	}
}

func newMasterSync(t *testing.T, provider db.CacheProvider) *statesync.StateSynchronizer {
	t.Helper()
	sync, err := statesync.NewStateSynchronizer(newTestOptions(provider))
	require.NoError(t, err)
	return sync
}

func syncLog(bn uint64, idx uint, r0, r1 uint64) types.EventLog {
	data, _ := jsonx.Marshal(map[string]interface{}{
		"reserve0": uint256.NewInt(r0),
		"reserve1": uint256.NewInt(r1),
	})
	return types.EventLog{
		Address:     types.NormalizeAddress(testPool),
		Topics:      []string{string(poolstate.EventSync)},
		Data:        data,
		BlockNumber: bn,
		LogIndex:    idx,
	}
}

func pauseLog(bn uint64, idx uint, paused bool) types.EventLog {
	data, _ := jsonx.Marshal(map[string]interface{}{"paused": paused})
	return types.EventLog{
		Address:     types.NormalizeAddress(testPool),
		Topics:      []string{string(poolstate.EventPaused)},
		Data:        data,
		BlockNumber: bn,
		LogIndex:    idx,
	}
}

func headersFor(logs ...types.EventLog) map[uint64]types.BlockHeader {
	headers := make(map[uint64]types.BlockHeader)
	for _, lg := range logs {
		headers[lg.BlockNumber] = types.BlockHeader{Number: lg.BlockNumber}
	}
	return headers
}

func getPoolState(t *testing.T, sync *statesync.StateSynchronizer, minBlock uint64) (*poolstate.PoolState, uint64, bool) {
	t.Helper()
	value, bn, ok := sync.GetState(minBlock)
	if !ok {
		return nil, 0, false
	}
	ps, castOK := value.(*poolstate.PoolState)
	require.True(t, castOK)
	return ps, bn, true
}

func TestUpdateReplaysLogsByBlock(t *testing.T) {
	ctx := context.Background()
	sync := newMasterSync(t, db.NewMemoryProvider())
	require.NoError(t, sync.Initialize(ctx, 100, nil))

	logs := []types.EventLog{
		syncLog(105, 1, 500, 4000),
		syncLog(110, 0, 600, 3500),
	}
	changed := sync.Update(ctx, logs, headersFor(logs...))
	assert.True(t, changed)

	ps, bn, ok := getPoolState(t, sync, 110)
	require.True(t, ok)
	assert.Equal(t, uint64(110), bn)
	assert.Equal(t, uint64(600), ps.Reserve0.Uint64())

	// One snapshot per block that had an accepted log; the initial entry at
	// 100 fell below the retention floor (110 - 10) and was pruned.
	assert.Equal(t, []uint64{105, 110}, sync.RetainedBlocks())
}

func TestUpdateEmptyClearsInvalid(t *testing.T) {
	ctx := context.Background()
	sync := newMasterSync(t, db.NewMemoryProvider())
	require.NoError(t, sync.Initialize(ctx, 100, nil))

	require.True(t, sync.Invalidate())
	_, _, ok := sync.GetState(0)
	assert.False(t, ok, "invalidated state must not be served")

	sync.Update(ctx, nil, nil)
	_, _, ok = sync.GetState(0)
	assert.True(t, ok, "empty update must clear the invalid flag")
}

func TestInvalidateIsIdempotent(t *testing.T) {
	sync := newMasterSync(t, db.NewMemoryProvider())
	require.NoError(t, sync.Initialize(context.Background(), 100, nil))

	assert.True(t, sync.Invalidate())
	assert.False(t, sync.Invalidate())
}

func TestRestartDiscardsOlderHistory(t *testing.T) {
	ctx := context.Background()
	sync := newMasterSync(t, db.NewMemoryProvider())
	require.NoError(t, sync.Initialize(ctx, 100, nil))

	logs := []types.EventLog{syncLog(105, 0, 500, 4000)}
	sync.Update(ctx, logs, headersFor(logs...))

	changed := sync.Restart(120)
	assert.True(t, changed)

	for _, bn := range sync.RetainedBlocks() {
		assert.GreaterOrEqual(t, bn, uint64(120))
	}
	_, _, ok := sync.GetState(100)
	assert.False(t, ok, "pointer older than restart block must read as no data")
}

func TestSetStatePrunesHistory(t *testing.T) {
	ctx := context.Background()
	opts := newTestOptions(db.NewMemoryProvider())
	opts.MaxBlocksHistory = 5
	sync, err := statesync.NewStateSynchronizer(opts)
	require.NoError(t, err)
	require.NoError(t, sync.Initialize(ctx, 100, nil))

	for bn := uint64(101); bn <= 112; bn++ {
		logs := []types.EventLog{syncLog(bn, 0, bn, bn*2)}
		sync.Update(ctx, logs, headersFor(logs...))
	}

	blocks := sync.RetainedBlocks()
	for _, bn := range blocks {
		assert.Greater(t, bn, uint64(112-5), "block %d should have been pruned", bn)
	}
}

func TestSetStateIgnoresZeroBlock(t *testing.T) {
	sync := newMasterSync(t, db.NewMemoryProvider())
	sync.SetState(statesync.HydratedSnapshot(&poolstate.PoolState{
		Reserve0: uint256.NewInt(1),
		Reserve1: uint256.NewInt(1),
	}), 0)

	assert.Empty(t, sync.RetainedBlocks())
	_, _, ok := sync.GetState(0)
	assert.False(t, ok)
}

func TestRollbackScenario(t *testing.T) {
	// Entity at block 100 (paused=false); one log at 105 sets paused=true;
	// rollback to 102 with the invalid flag set removes the 105 entry and
	// the pre-pause snapshot is served again.
	ctx := context.Background()
	sync := newMasterSync(t, db.NewMemoryProvider())
	initial := &poolstate.PoolState{
		Reserve0: uint256.NewInt(1000),
		Reserve1: uint256.NewInt(2000),
		Paused:   false,
	}
	require.NoError(t, sync.Initialize(ctx, 100, initial))

	logs := []types.EventLog{pauseLog(105, 0, true)}
	sync.Update(ctx, logs, headersFor(logs...))

	ps, bn, ok := getPoolState(t, sync, 105)
	require.True(t, ok)
	assert.Equal(t, uint64(105), bn)
	assert.True(t, ps.Paused)

	sync.Invalidate()
	sync.Rollback(102)

	ps, bn, ok = getPoolState(t, sync, 100)
	require.True(t, ok)
	assert.Equal(t, uint64(100), bn)
	assert.False(t, ps.Paused)
	assert.Equal(t, []uint64{100}, sync.RetainedBlocks())
}

func TestRollbackWithoutInvalidKeepsPointer(t *testing.T) {
	ctx := context.Background()
	sync := newMasterSync(t, db.NewMemoryProvider())
	require.NoError(t, sync.Initialize(ctx, 100, nil))

	logs := []types.EventLog{
		syncLog(103, 0, 500, 4000),
		syncLog(105, 0, 600, 3500),
	}
	sync.Update(ctx, logs, headersFor(logs...))

	// Pointer is at 105 and trusted; rollback to 102 drops 103 but not the
	// pointer's own entry.
	sync.Rollback(102)

	_, bn, ok := getPoolState(t, sync, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(105), bn)
	assert.Equal(t, []uint64{100, 105}, sync.RetainedBlocks())
}

func TestReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	sync := newMasterSync(t, db.NewMemoryProvider())
	require.NoError(t, sync.Initialize(ctx, 100, nil))

	logs := []types.EventLog{
		syncLog(103, 0, 500, 4000),
		syncLog(105, 0, 600, 3500),
		pauseLog(105, 1, true),
	}
	sync.Update(ctx, logs, headersFor(logs...))

	first, bn, ok := getPoolState(t, sync, 105)
	require.True(t, ok)
	require.Equal(t, uint64(105), bn)
	firstRaw, err := jsonx.MarshalToString(first)
	require.NoError(t, err)

	// Roll back to the starting snapshot and replay the same logs
	sync.Invalidate()
	sync.Rollback(100)
	sync.Update(ctx, logs, headersFor(logs...))

	second, bn, ok := getPoolState(t, sync, 105)
	require.True(t, ok)
	require.Equal(t, uint64(105), bn)
	secondRaw, err := jsonx.MarshalToString(second)
	require.NoError(t, err)

	assert.Equal(t, firstRaw, secondRaw, "replaying the same logs must be deterministic")
}

func TestOutOfOrderLogsRejected(t *testing.T) {
	ctx := context.Background()
	sync := newMasterSync(t, db.NewMemoryProvider())
	require.NoError(t, sync.Initialize(ctx, 100, nil))

	logs := []types.EventLog{
		syncLog(106, 3, 500, 4000),
		syncLog(106, 1, 111, 222), // log index regressed, must be rejected
		syncLog(104, 0, 333, 444), // block regressed, must be rejected
	}
	sync.Update(ctx, logs, headersFor(logs...))

	ps, bn, ok := getPoolState(t, sync, 106)
	require.True(t, ok)
	assert.Equal(t, uint64(106), bn)
	assert.Equal(t, uint64(500), ps.Reserve0.Uint64())
	assert.Equal(t, []uint64{100, 106}, sync.RetainedBlocks())
}

func TestUpdateWithoutPriorStateDerivesAndDiscards(t *testing.T) {
	ctx := context.Background()
	sync := newMasterSync(t, db.NewMemoryProvider())
	require.NoError(t, sync.Initialize(ctx, 100, nil))

	// Wipe everything below 150: no snapshot older than the incoming group
	// remains, so the state is derived fresh and the group's logs are
	// discarded.
	sync.Restart(150)
	logs := []types.EventLog{syncLog(160, 0, 42, 43)}
	sync.Update(ctx, logs, headersFor(logs...))

	ps, bn, ok := getPoolState(t, sync, 160)
	require.True(t, ok)
	assert.Equal(t, uint64(160), bn)
	// The discarded log's reserves must not appear
	assert.Equal(t, uint64(1000), ps.Reserve0.Uint64())
}

func TestRecoveryTaskDerivesMissingState(t *testing.T) {
	ctx := context.Background()
	sync := newMasterSync(t, db.NewMemoryProvider())

	// Never initialized: after an update the master schedules a one-shot
	// recovery derivation at the latest known block.
	sync.Update(ctx, nil, map[uint64]types.BlockHeader{120: {Number: 120}})

	require.Eventually(t, func() bool {
		_, bn, ok := sync.GetState(0)
		return ok && bn == 120
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTrackingServesOldPointer(t *testing.T) {
	ctx := context.Background()
	sync := newMasterSync(t, db.NewMemoryProvider())
	require.NoError(t, sync.Initialize(ctx, 100, nil))

	_, _, ok := sync.GetState(105)
	assert.False(t, ok, "pointer below the requested block must not be served while not tracking")

	sync.SetTracking(true)
	_, bn, ok := sync.GetState(105)
	assert.True(t, ok)
	assert.Equal(t, uint64(100), bn)

	// Invalidation overrides the tracking trust signal
	sync.Invalidate()
	assert.False(t, sync.IsTracking())
	_, _, ok = sync.GetState(105)
	assert.False(t, ok)
}

func TestLazyUpdateSideChannel(t *testing.T) {
	sync := newMasterSync(t, db.NewMemoryProvider())

	_, _, ok := sync.LazyUpdate()
	assert.False(t, ok)

	sync.SetLazyUpdate("aux-1", 50)
	sync.SetLazyUpdate("aux-2", 60)

	value, bn, ok := sync.LazyUpdate()
	require.True(t, ok)
	assert.Equal(t, "aux-2", value)
	assert.Equal(t, uint64(60), bn)
}
