// Package poolstate is a minimal two-reserve pool integration used by the
// demo command and the test suites. Real integrations supply their own
// state, codec, decoder and handlers; the synchronizer core never depends on
// this package.
package poolstate

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/paraswap/dexsync/jsonx"
	"github.com/paraswap/dexsync/statesync"
	"github.com/paraswap/dexsync/types"
)

const (
	EventSync   statesync.EventKind = "Sync"
	EventSwap   statesync.EventKind = "Swap"
	EventPaused statesync.EventKind = "PauseStatusChanged"
)

// PoolState is the derived state of one two-token pool at a block
type PoolState struct {
	Reserve0 *uint256.Int `json:"reserve0"`
	Reserve1 *uint256.Int `json:"reserve1"`
	Paused   bool         `json:"paused"`
}

// Clone returns a deep copy; handlers never mutate the state they receive
func (s *PoolState) Clone() *PoolState {
	return &PoolState{
		Reserve0: new(uint256.Int).Set(s.Reserve0),
		Reserve1: new(uint256.Int).Set(s.Reserve1),
		Paused:   s.Paused,
	}
}

// Codec serializes PoolState for replication
type Codec struct{}

func (Codec) Encode(state interface{}) (string, error) {
	ps, ok := state.(*PoolState)
	if !ok {
		return "", fmt.Errorf("expected *PoolState, got %T", state)
	}
	return jsonx.MarshalToString(ps)
}

func (Codec) Decode(raw string) (interface{}, error) {
	var ps PoolState
	if err := jsonx.UnmarshalFromString(raw, &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// Decode maps a raw log to its event kind using the first topic
func Decode(log types.EventLog) (statesync.EventKind, bool) {
	if len(log.Topics) == 0 {
		return "", false
	}
	switch statesync.EventKind(log.Topics[0]) {
	case EventSync, EventSwap, EventPaused:
		return statesync.EventKind(log.Topics[0]), true
	default:
		return "", false
	}
}

// syncPayload carries absolute reserves in a Sync log's data
type syncPayload struct {
	Reserve0 *uint256.Int `json:"reserve0"`
	Reserve1 *uint256.Int `json:"reserve1"`
}

// swapPayload carries signed deltas in a Swap log's data
type swapPayload struct {
	Amount0In  *uint256.Int `json:"amount0In"`
	Amount1In  *uint256.Int `json:"amount1In"`
	Amount0Out *uint256.Int `json:"amount0Out"`
	Amount1Out *uint256.Int `json:"amount1Out"`
}

type pausedPayload struct {
	Paused bool `json:"paused"`
}

// Handlers is the strategy map applied by the synchronizer during replay
func Handlers() map[statesync.EventKind]statesync.HandlerFn {
	return map[statesync.EventKind]statesync.HandlerFn{
		EventSync:   handleSync,
		EventSwap:   handleSwap,
		EventPaused: handlePaused,
	}
}

func handleSync(log types.EventLog, state interface{}, _ types.BlockHeader) (interface{}, bool, error) {
	ps, ok := state.(*PoolState)
	if !ok {
		return nil, false, fmt.Errorf("expected *PoolState, got %T", state)
	}
	var payload syncPayload
	if err := jsonx.Unmarshal(log.Data, &payload); err != nil {
		return nil, false, fmt.Errorf("malformed sync payload: %w", err)
	}
	if payload.Reserve0 == nil || payload.Reserve1 == nil {
		return nil, false, fmt.Errorf("sync payload missing reserves")
	}
	if ps.Reserve0.Eq(payload.Reserve0) && ps.Reserve1.Eq(payload.Reserve1) {
		// Reserves unchanged, explicit no-op
		return nil, false, nil
	}
	next := ps.Clone()
	next.Reserve0.Set(payload.Reserve0)
	next.Reserve1.Set(payload.Reserve1)
	return next, true, nil
}

func handleSwap(log types.EventLog, state interface{}, _ types.BlockHeader) (interface{}, bool, error) {
	ps, ok := state.(*PoolState)
	if !ok {
		return nil, false, fmt.Errorf("expected *PoolState, got %T", state)
	}
	var payload swapPayload
	if err := jsonx.Unmarshal(log.Data, &payload); err != nil {
		return nil, false, fmt.Errorf("malformed swap payload: %w", err)
	}
	next := ps.Clone()
	if payload.Amount0In != nil {
		next.Reserve0.Add(next.Reserve0, payload.Amount0In)
	}
	if payload.Amount1In != nil {
		next.Reserve1.Add(next.Reserve1, payload.Amount1In)
	}
	if payload.Amount0Out != nil {
		if next.Reserve0.Lt(payload.Amount0Out) {
			return nil, false, fmt.Errorf("swap drains reserve0 below zero")
		}
		next.Reserve0.Sub(next.Reserve0, payload.Amount0Out)
	}
	if payload.Amount1Out != nil {
		if next.Reserve1.Lt(payload.Amount1Out) {
			return nil, false, fmt.Errorf("swap drains reserve1 below zero")
		}
		next.Reserve1.Sub(next.Reserve1, payload.Amount1Out)
	}
	return next, true, nil
}

func handlePaused(log types.EventLog, state interface{}, _ types.BlockHeader) (interface{}, bool, error) {
	ps, ok := state.(*PoolState)
	if !ok {
		return nil, false, fmt.Errorf("expected *PoolState, got %T", state)
	}
	var payload pausedPayload
	if err := jsonx.Unmarshal(log.Data, &payload); err != nil {
		return nil, false, fmt.Errorf("malformed pause payload: %w", err)
	}
	if ps.Paused == payload.Paused {
		return nil, false, nil
	}
	next := ps.Clone()
	next.Paused = payload.Paused
	return next, true, nil
}
