package statesync

import (
	"context"
	"fmt"

	"github.com/paraswap/dexsync/exception"
	"github.com/paraswap/dexsync/logx"
	"github.com/paraswap/dexsync/monitoring"
	"github.com/paraswap/dexsync/types"
)

type logGroup struct {
	blockNumber uint64
	logs        []types.EventLog
}

// Update replays chronologically ordered logs, grouped by block, producing
// one new snapshot per block that had at least one accepted log. Out-of-
// order logs are rejected and logged, never thrown. An empty call is legal
// and still clears the invalid flag. Returns whether state changed.
func (s *StateSynchronizer) Update(ctx context.Context, logs []types.EventLog, headers map[uint64]types.BlockHeader) bool {
	if s.opts.Role == types.RoleReplica {
		if len(logs) > 0 {
			logx.Warn("STATE_SYNC", fmt.Sprintf("Replica received %d logs, ignoring | entity=%s", len(logs), s.opts.Key))
		}
		s.mu.Lock()
		s.invalid = false
		s.mu.Unlock()
		return false
	}

	groups := s.groupLogs(logs)

	s.mu.Lock()
	for bn := range headers {
		if bn > s.latestKnownBlock {
			s.latestKnownBlock = bn
		}
	}
	for _, group := range groups {
		if group.blockNumber > s.latestKnownBlock {
			s.latestKnownBlock = group.blockNumber
		}
	}

	changed := false
	for _, group := range groups {
		if s.replayGroupLocked(ctx, group, headers[group.blockNumber]) {
			changed = true
		}
	}

	s.invalid = false
	needsRecovery := !s.hasCurrent
	recoveryBlock := s.latestKnownBlock
	s.mu.Unlock()

	s.flushPublications()

	if needsRecovery {
		s.scheduleRecovery(recoveryBlock)
	}
	return changed
}

// groupLogs validates ordering and splits logs into per-block groups in
// arrival order. Logs that regress in block number or log index are
// rejected with an error log; processing continues best-effort.
func (s *StateSynchronizer) groupLogs(logs []types.EventLog) []logGroup {
	var groups []logGroup
	var lastBlock uint64
	var lastIndex uint
	seenAny := false

	for _, lg := range logs {
		if seenAny {
			if lg.BlockNumber < lastBlock || (lg.BlockNumber == lastBlock && lg.LogIndex <= lastIndex) {
				logx.Error("STATE_SYNC", fmt.Sprintf("Out-of-order log rejected | entity=%s | block=%d | index=%d | last_block=%d | last_index=%d",
					s.opts.Key, lg.BlockNumber, lg.LogIndex, lastBlock, lastIndex))
				continue
			}
		}
		seenAny = true
		lastBlock = lg.BlockNumber
		lastIndex = lg.LogIndex

		if len(groups) > 0 && groups[len(groups)-1].blockNumber == lg.BlockNumber {
			last := &groups[len(groups)-1]
			last.logs = append(last.logs, lg)
			continue
		}
		groups = append(groups, logGroup{blockNumber: lg.BlockNumber, logs: []types.EventLog{lg}})
	}
	return groups
}

// replayGroupLocked replays one block's logs on top of the latest retained
// snapshot strictly older than the block. When no such snapshot exists the
// state is derived out-of-band at the block and the group's logs are
// discarded.
func (s *StateSynchronizer) replayGroupLocked(ctx context.Context, group logGroup, header types.BlockHeader) bool {
	_, base, ok := s.history.LatestBefore(group.blockNumber)
	if !ok {
		derived, err := s.opts.GenerateState(ctx, group.blockNumber)
		if err != nil {
			logx.Error("STATE_SYNC", fmt.Sprintf("Failed to derive state at block %d | entity=%s | err=%v", group.blockNumber, s.opts.Key, err))
			return false
		}
		logx.Info("STATE_SYNC", fmt.Sprintf("No prior state, derived fresh at block %d, discarding %d logs | entity=%s", group.blockNumber, len(group.logs), s.opts.Key))
		s.setStateLocked(HydratedSnapshot(derived), group.blockNumber)
		return true
	}

	state, err := base.Value(s.opts.Codec)
	if err != nil {
		logx.Error("STATE_SYNC", fmt.Sprintf("Failed to hydrate base state for block %d | entity=%s | err=%v", group.blockNumber, s.opts.Key, err))
		return false
	}

	changed := false
	for _, lg := range group.logs {
		kind, relevant := s.opts.Decoder(lg)
		if !relevant {
			continue
		}
		handler, ok := s.opts.Handlers[kind]
		if !ok {
			continue
		}
		next, applied, err := handler(lg, state, header)
		if err != nil {
			logx.Error("STATE_SYNC", fmt.Sprintf("Handler failed, log skipped | entity=%s | kind=%s | block=%d | index=%d | err=%v",
				s.opts.Key, kind, lg.BlockNumber, lg.LogIndex, err))
			continue
		}
		if !applied {
			// Explicit no-op signal, not an error
			continue
		}
		state = next
		changed = true
	}

	if changed {
		s.setStateLocked(HydratedSnapshot(state), group.blockNumber)
	}
	return changed
}

// scheduleRecovery fires a one-shot task deriving a fresh snapshot at the
// latest known block. The task no-ops if state became available
// concurrently.
func (s *StateSynchronizer) scheduleRecovery(blockNumber uint64) {
	if blockNumber == 0 {
		return
	}
	monitoring.IncreaseRecoveryTaskCount()
	exception.SafeGo("state-recovery:"+s.opts.Key.String(), func() {
		s.mu.Lock()
		resolved := s.hasCurrent
		s.mu.Unlock()
		if resolved {
			return
		}

		state, err := s.opts.GenerateState(context.Background(), blockNumber)
		if err != nil {
			logx.Error("STATE_SYNC", fmt.Sprintf("Recovery derivation failed | entity=%s | block=%d | err=%v", s.opts.Key, blockNumber, err))
			return
		}

		s.mu.Lock()
		if s.hasCurrent {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(HydratedSnapshot(state), blockNumber)
		s.mu.Unlock()
		s.flushPublications()
		logx.Info("STATE_SYNC", fmt.Sprintf("Recovered state at block %d | entity=%s", blockNumber, s.opts.Key))
	})
}
