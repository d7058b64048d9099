package statesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paraswap/dexsync/db"
	"github.com/paraswap/dexsync/jsonx"
	"github.com/paraswap/dexsync/logx"
	"github.com/paraswap/dexsync/monitoring"
	"github.com/paraswap/dexsync/types"
)

const (
	// DefaultMaxBlocksHistory bounds how many past blocks of state are kept
	DefaultMaxBlocksHistory = 90

	// DefaultCacheTTL bounds how long a replicated snapshot may be trusted
	DefaultCacheTTL = 60 * time.Second
)

// stateEnvelope is the wire and cache format of a replicated snapshot
type stateEnvelope struct {
	ExpiresAt   int64  `json:"expiresAt"`
	BlockNumber uint64 `json:"blockNumber"`
	State       string `json:"state"`
}

// Options configures one StateSynchronizer
type Options struct {
	Key       types.EntityKey
	Role      types.Role
	Addresses []types.Address

	// MaxBlocksHistory bounds the retained past states (default 90)
	MaxBlocksHistory uint64

	// CacheTTL bounds trust in replicated snapshots (default 60s)
	CacheTTL time.Duration

	// Codec serializes the integration's state value
	Codec Codec

	// Decoder and Handlers implement the integration's replay logic.
	// Handlers must be pure: they never mutate the state they receive.
	Decoder  DecodeFn
	Handlers map[EventKind]HandlerFn

	// GenerateState derives a fresh snapshot out-of-band. Required on
	// masters; optional fallback on replicas.
	GenerateState GenerateStateFn

	// Provider is the replication backend. Required on replicas; optional
	// on masters (a master without one simply does not replicate).
	Provider db.CacheProvider

	// Dispatcher receives the master's log subscription registration
	Dispatcher LogDispatcher

	// SyncCursor reports the replica's global sync progress (latest block
	// the replica process as a whole has observed).
	SyncCursor func() uint64

	// OnInitialized receives the hydrated snapshot after adoption
	OnInitialized func(state interface{}, blockNumber uint64)
}

// StateSynchronizer implements EventSubscriber for one tracked entity in one
// of two roles: a master that replays logs itself and offers its state for
// replication, or a replica that only hydrates from the master side.
type StateSynchronizer struct {
	opts Options

	mu           sync.Mutex
	history      *StateHistory
	current      *Snapshot
	currentBlock uint64
	hasCurrent   bool
	invalid      bool
	tracking     bool

	lazyValue interface{}
	lazyBlock uint64
	hasLazy   bool

	// highest block number seen through Update, used by the recovery task
	latestKnownBlock uint64

	pending []stateEnvelope

	unsubscribe db.UnsubscribeFunc

	now func() time.Time
}

func NewStateSynchronizer(opts Options) (*StateSynchronizer, error) {
	if opts.Role != types.RoleMaster && opts.Role != types.RoleReplica {
		return nil, fmt.Errorf("role must be master or replica")
	}
	if opts.Role == types.RoleMaster && opts.GenerateState == nil {
		return nil, fmt.Errorf("master synchronizer requires GenerateState")
	}
	if opts.Role == types.RoleReplica && opts.Provider == nil {
		return nil, fmt.Errorf("replica synchronizer requires a cache provider")
	}
	if opts.MaxBlocksHistory == 0 {
		opts.MaxBlocksHistory = DefaultMaxBlocksHistory
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &StateSynchronizer{
		opts:    opts,
		history: NewStateHistory(),
		now:     time.Now,
	}, nil
}

func (s *StateSynchronizer) Key() types.EntityKey {
	return s.opts.Key
}

func (s *StateSynchronizer) Role() types.Role {
	return s.opts.Role
}

func (s *StateSynchronizer) stateCacheKey() string {
	return "state:" + s.opts.Key.PoolIdentifier
}

func (s *StateSynchronizer) stateChannel() string {
	return "state:" + s.opts.Key.String()
}

// Initialize adopts a first snapshot, in priority order: the explicitly
// supplied one, a point-in-time read from the master-maintained cache entry
// (replica), or out-of-band generation (master). Afterwards a master
// registers with the log dispatcher at the adopted block number and a
// replica subscribes to the replication channel.
func (s *StateSynchronizer) Initialize(ctx context.Context, blockNumber uint64, initialState interface{}) error {
	adoptedBlock := blockNumber

	switch {
	case initialState != nil:
		s.SetState(HydratedSnapshot(initialState), blockNumber)

	case s.opts.Role == types.RoleReplica:
		raw, found, err := s.opts.Provider.Get(ctx, s.opts.Key.Namespace, s.stateCacheKey())
		if err != nil {
			return fmt.Errorf("failed to read cached state: %w", err)
		}
		if found {
			var envelope stateEnvelope
			if err := jsonx.UnmarshalFromString(raw, &envelope); err != nil {
				return fmt.Errorf("failed to decode cached state: %w", err)
			}
			s.SetState(SerializedSnapshot(envelope.State), envelope.BlockNumber)
			adoptedBlock = envelope.BlockNumber
		} else if s.opts.GenerateState != nil {
			state, err := s.opts.GenerateState(ctx, blockNumber)
			if err != nil {
				return fmt.Errorf("failed to generate state: %w", err)
			}
			s.SetState(HydratedSnapshot(state), blockNumber)
		} else {
			return fmt.Errorf("no cached state for %s and no generator configured", s.opts.Key)
		}

	default:
		state, err := s.opts.GenerateState(ctx, blockNumber)
		if err != nil {
			return fmt.Errorf("failed to generate state: %w", err)
		}
		s.SetState(HydratedSnapshot(state), blockNumber)
	}

	if s.opts.OnInitialized != nil {
		s.mu.Lock()
		snapshot, block := s.current, s.currentBlock
		s.mu.Unlock()
		if snapshot != nil {
			value, err := snapshot.Value(s.opts.Codec)
			if err != nil {
				logx.Error("STATE_SYNC", fmt.Sprintf("Failed to hydrate initial state | entity=%s | err=%v", s.opts.Key, err))
			} else {
				s.opts.OnInitialized(value, block)
			}
		}
	}

	if s.opts.Role == types.RoleMaster {
		if s.opts.Dispatcher != nil {
			// Register at the block the state was initialized at so no log
			// between initialization and subscription is missed.
			s.opts.Dispatcher.RegisterSubscriber(s, s.AddressesSubscribed(), adoptedBlock)
		}
		return nil
	}

	unsubscribe, err := s.opts.Provider.Subscribe(ctx, s.stateChannel(), func(_ string, payload string) {
		s.handleReplicatedState(payload)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.stateChannel(), err)
	}
	s.unsubscribe = unsubscribe
	return nil
}

// handleReplicatedState applies one master push on a replica
func (s *StateSynchronizer) handleReplicatedState(payload string) {
	var envelope stateEnvelope
	if err := jsonx.UnmarshalFromString(payload, &envelope); err != nil {
		logx.Error("STATE_SYNC", fmt.Sprintf("Failed to decode replicated state | entity=%s | err=%v", s.opts.Key, err))
		return
	}

	remainingTTL := envelope.ExpiresAt - s.now().Unix()
	if remainingTTL <= 0 {
		logx.Warn("STATE_SYNC", fmt.Sprintf("Discarding stale replicated state | entity=%s | block=%d", s.opts.Key, envelope.BlockNumber))
		monitoring.IncreaseStaleMessageCount(s.stateChannel())
		return
	}

	monitoring.IncreaseReplicationReceived(s.stateChannel())
	s.SetState(SerializedSnapshot(envelope.State), envelope.BlockNumber)
}

// SetState records a snapshot into history at blockNumber and promotes the
// current pointer when blockNumber is at or past it (or none exists yet),
// clearing the invalid flag on promotion. History is pruned afterwards.
func (s *StateSynchronizer) SetState(snapshot *Snapshot, blockNumber uint64) {
	s.mu.Lock()
	s.setStateLocked(snapshot, blockNumber)
	s.mu.Unlock()
	s.flushPublications()
}

func (s *StateSynchronizer) setStateLocked(snapshot *Snapshot, blockNumber uint64) {
	if blockNumber == 0 {
		logx.Error("STATE_SYNC", fmt.Sprintf("Ignoring state with no block number | entity=%s", s.opts.Key))
		return
	}

	s.history.Set(blockNumber, snapshot)

	if !s.hasCurrent || blockNumber >= s.currentBlock {
		s.current = snapshot
		s.currentBlock = blockNumber
		s.hasCurrent = true
		s.invalid = false
		monitoring.SetStateBlockHeight(s.opts.Key.String(), blockNumber)
	}

	s.history.Prune(s.currentBlock, s.opts.MaxBlocksHistory)

	if s.opts.Role == types.RoleMaster && s.opts.Provider != nil {
		raw, err := snapshot.Serialized(s.opts.Codec)
		if err != nil {
			logx.Error("STATE_SYNC", fmt.Sprintf("Failed to serialize state for replication | entity=%s | err=%v", s.opts.Key, err))
			return
		}
		s.pending = append(s.pending, stateEnvelope{
			ExpiresAt:   s.now().Add(s.opts.CacheTTL).Unix(),
			BlockNumber: blockNumber,
			State:       raw,
		})
	}
}

// flushPublications pushes queued snapshots to the replication backend
// outside the entity lock.
func (s *StateSynchronizer) flushPublications() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	ctx := context.Background()
	for _, envelope := range pending {
		message, err := jsonx.MarshalToString(envelope)
		if err != nil {
			logx.Error("STATE_SYNC", fmt.Sprintf("Failed to encode state envelope | entity=%s | err=%v", s.opts.Key, err))
			continue
		}
		if err := s.opts.Provider.Setex(ctx, s.opts.Key.Namespace, s.stateCacheKey(), s.opts.CacheTTL, message); err != nil {
			logx.Error("STATE_SYNC", fmt.Sprintf("Failed to cache state | entity=%s | err=%v", s.opts.Key, err))
		}
		if err := s.opts.Provider.Publish(ctx, s.stateChannel(), message); err != nil {
			logx.Error("STATE_SYNC", fmt.Sprintf("Failed to publish state | entity=%s | err=%v", s.opts.Key, err))
			continue
		}
		monitoring.IncreaseReplicationPublished(s.stateChannel())
	}
}

// GetState returns the current state when it is fresh enough to serve, or
// nothing, signaling the caller to fall back to out-of-band regeneration.
// Never returns an error: a hydration failure is logged and reads as no
// data.
func (s *StateSynchronizer) GetState(minBlockNumber uint64) (interface{}, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasCurrent || s.invalid {
		return nil, 0, false
	}

	serve := s.currentBlock >= minBlockNumber
	if !serve {
		if s.opts.Role == types.RoleReplica {
			serve = s.opts.SyncCursor != nil && s.opts.SyncCursor() >= minBlockNumber
		} else {
			serve = s.tracking
		}
	}
	if !serve {
		return nil, 0, false
	}

	value, err := s.current.Value(s.opts.Codec)
	if err != nil {
		logx.Error("STATE_SYNC", fmt.Sprintf("Failed to hydrate state | entity=%s | block=%d | err=%v", s.opts.Key, s.currentBlock, err))
		return nil, 0, false
	}
	return value, s.currentBlock, true
}

// SetTracking is the owner's trust signal that the entity is caught up
func (s *StateSynchronizer) SetTracking(tracking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracking = tracking
}

func (s *StateSynchronizer) IsTracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracking && !s.invalid
}

// Restart discards every history entry strictly older than blockNumber. An
// older current pointer becomes null at blockNumber, forcing regeneration.
func (s *StateSynchronizer) Restart(blockNumber uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.history.DeleteBefore(blockNumber) > 0

	if s.hasCurrent && s.currentBlock < blockNumber {
		s.current = nil
		s.hasCurrent = false
		s.currentBlock = blockNumber
		changed = true
	}

	if changed {
		logx.Info("STATE_SYNC", fmt.Sprintf("Restarted at block %d | entity=%s | retained=%d", blockNumber, s.opts.Key, s.history.Len()))
	}
	return changed
}

// Rollback handles a chain reorganization. With the invalid flag set all
// history after blockNumber is discarded and the pointer falls back to the
// latest survivor. With the flag clear the pointer is trusted: it and its
// history entry survive even past blockNumber.
func (s *StateSynchronizer) Rollback(blockNumber uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalid {
		removed := s.history.DeleteAfter(blockNumber, false, 0)
		changed := removed > 0

		if latestBlock, snapshot, ok := s.history.Latest(); ok {
			if !s.hasCurrent || s.currentBlock != latestBlock {
				changed = true
			}
			s.current = snapshot
			s.currentBlock = latestBlock
			s.hasCurrent = true
			// The restored pointer is consistent with the surviving
			// history again, so reads may resume.
			s.invalid = false
		} else if s.hasCurrent {
			s.current = nil
			s.hasCurrent = false
			changed = true
		}

		if changed {
			logx.Info("STATE_SYNC", fmt.Sprintf("Rolled back to block %d | entity=%s | removed=%d", blockNumber, s.opts.Key, removed))
		}
		return changed
	}

	removed := s.history.DeleteAfter(blockNumber, s.hasCurrent, s.currentBlock)
	if removed > 0 {
		logx.Info("STATE_SYNC", fmt.Sprintf("Rolled back history after block %d, pointer kept | entity=%s | removed=%d", blockNumber, s.opts.Key, removed))
	}
	return removed > 0
}

// Invalidate makes every query return no data until the next successful
// update or regeneration. Idempotent.
func (s *StateSynchronizer) Invalidate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid {
		return false
	}
	s.invalid = true
	logx.Info("STATE_SYNC", "State invalidated | entity=", s.opts.Key)
	return true
}

func (s *StateSynchronizer) SetLazyUpdate(value interface{}, blockNumber uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazyValue = value
	s.lazyBlock = blockNumber
	s.hasLazy = true
}

func (s *StateSynchronizer) LazyUpdate() (interface{}, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lazyValue, s.lazyBlock, s.hasLazy
}

// RetainedBlocks returns the block numbers currently held in history,
// ascending. Useful for inspection and tests.
func (s *StateSynchronizer) RetainedBlocks() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Blocks()
}

func (s *StateSynchronizer) AddressesSubscribed() []types.Address {
	out := make([]types.Address, len(s.opts.Addresses))
	copy(out, s.opts.Addresses)
	return out
}

// Close tears down the replication subscription if one is active
func (s *StateSynchronizer) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}
