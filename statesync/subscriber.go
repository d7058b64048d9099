package statesync

import (
	"context"

	"github.com/paraswap/dexsync/types"
)

// EventKind identifies one decoded log event type, the key into an
// integration's handler strategy map.
type EventKind string

// DecodeFn maps a raw log to its event kind. The second return is false for
// logs the integration does not care about.
type DecodeFn func(log types.EventLog) (EventKind, bool)

// HandlerFn applies one log to a state and returns the next state. The
// second return is an explicit no-op signal: false means the log did not
// affect state and is discarded without error.
type HandlerFn func(log types.EventLog, state interface{}, header types.BlockHeader) (interface{}, bool, error)

// GenerateStateFn derives a fresh snapshot out-of-band (e.g. contract reads)
// at the given block number.
type GenerateStateFn func(ctx context.Context, blockNumber uint64) (interface{}, error)

// EventSubscriber is the capability set a tracked entity exposes to the
// external block-log dispatcher.
type EventSubscriber interface {
	// IsTracking is true once the entity believes it has processed all logs
	// up to the latest block. While false, pre-existing state must not be
	// served regardless of its block number.
	IsTracking() bool

	// Restart declares that all logs before blockNumber will be skipped
	// henceforth. Returns whether the state changed.
	Restart(blockNumber uint64) bool

	// Update replays chronologically ordered logs, multiple blocks per call.
	// An empty logs slice is legal and still clears the invalid flag.
	Update(ctx context.Context, logs []types.EventLog, headers map[uint64]types.BlockHeader) bool

	// Rollback is called before new logs when the dispatcher detects a chain
	// reorganization.
	Rollback(blockNumber uint64) bool

	// Invalidate makes every query return no data until the next successful
	// update or regeneration. Idempotent.
	Invalidate() bool

	// SetLazyUpdate attaches an auxiliary derived value outside the main
	// replay path; last write wins.
	SetLazyUpdate(value interface{}, blockNumber uint64)

	// LazyUpdate returns the attached value, its block number, and whether
	// one was ever set.
	LazyUpdate() (interface{}, uint64, bool)

	// AddressesSubscribed tells the dispatcher which logs to route here
	AddressesSubscribed() []types.Address
}

// LogDispatcher is the external component that batches logs per block and
// feeds them into subscribers. Implemented elsewhere; consumed here.
type LogDispatcher interface {
	// RegisterSubscriber routes logs for the given addresses to sub,
	// starting from blockNumber.
	RegisterSubscriber(sub EventSubscriber, addresses []types.Address, blockNumber uint64)
}
