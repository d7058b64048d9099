package statesync

import "sort"

// StateHistory is a bounded mapping from block number to snapshot, at most
// one entry per block. It is owned exclusively by one synchronizer; callers
// hold the synchronizer lock.
type StateHistory struct {
	snapshots map[uint64]*Snapshot
	blocks    []uint64 // ascending
}

func NewStateHistory() *StateHistory {
	return &StateHistory{
		snapshots: make(map[uint64]*Snapshot),
	}
}

func (h *StateHistory) Len() int {
	return len(h.blocks)
}

// Set records a snapshot at a block, replacing any earlier entry there
func (h *StateHistory) Set(blockNumber uint64, snapshot *Snapshot) {
	if _, exists := h.snapshots[blockNumber]; !exists {
		i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i] >= blockNumber })
		h.blocks = append(h.blocks, 0)
		copy(h.blocks[i+1:], h.blocks[i:])
		h.blocks[i] = blockNumber
	}
	h.snapshots[blockNumber] = snapshot
}

func (h *StateHistory) Get(blockNumber uint64) (*Snapshot, bool) {
	s, ok := h.snapshots[blockNumber]
	return s, ok
}

// LatestBefore returns the newest entry strictly older than blockNumber
func (h *StateHistory) LatestBefore(blockNumber uint64) (uint64, *Snapshot, bool) {
	i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i] >= blockNumber })
	if i == 0 {
		return 0, nil, false
	}
	bn := h.blocks[i-1]
	return bn, h.snapshots[bn], true
}

// Latest returns the newest entry
func (h *StateHistory) Latest() (uint64, *Snapshot, bool) {
	if len(h.blocks) == 0 {
		return 0, nil, false
	}
	bn := h.blocks[len(h.blocks)-1]
	return bn, h.snapshots[bn], true
}

// DeleteBefore removes every entry strictly older than blockNumber and
// returns how many were removed.
func (h *StateHistory) DeleteBefore(blockNumber uint64) int {
	i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i] >= blockNumber })
	for _, bn := range h.blocks[:i] {
		delete(h.snapshots, bn)
	}
	h.blocks = h.blocks[i:]
	return i
}

// DeleteAfter removes every entry strictly newer than blockNumber, keeping
// the single entry at keepBlock when keep is true. Returns how many entries
// were removed.
func (h *StateHistory) DeleteAfter(blockNumber uint64, keep bool, keepBlock uint64) int {
	i := sort.Search(len(h.blocks), func(i int) bool { return h.blocks[i] > blockNumber })
	removed := 0
	kept := h.blocks[:i]
	for _, bn := range h.blocks[i:] {
		if keep && bn == keepBlock {
			kept = append(kept, bn)
			continue
		}
		delete(h.snapshots, bn)
		removed++
	}
	h.blocks = kept
	return removed
}

// Prune removes entries at or below the retention floor, always keeping the
// single entry exactly at currentBlock even when it is older than the floor.
func (h *StateHistory) Prune(currentBlock, maxBlocksHistory uint64) int {
	if maxBlocksHistory == 0 || currentBlock <= maxBlocksHistory {
		return 0
	}
	floor := currentBlock - maxBlocksHistory
	removed := 0
	kept := h.blocks[:0]
	for _, bn := range h.blocks {
		if bn <= floor && bn != currentBlock {
			delete(h.snapshots, bn)
			removed++
			continue
		}
		kept = append(kept, bn)
	}
	h.blocks = kept
	return removed
}

// Blocks returns the retained block numbers in ascending order
func (h *StateHistory) Blocks() []uint64 {
	out := make([]uint64, len(h.blocks))
	copy(out, h.blocks)
	return out
}
