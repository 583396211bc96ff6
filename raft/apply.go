package raft

// applier is a background goroutine that feeds committed entries to the
// state machine in log order and installs snapshots received from the leader
func (rf *Agent) applier() {
	defer rf.wg.Done()

	for {
		rf.mu.Lock()
		for !rf.killed() && rf.pendingSnapshot == nil && rf.lastApplied >= rf.commitIndex {
			rf.applyCond.Wait()
		}
		if rf.killed() {
			rf.mu.Unlock()
			return
		}

		if snap := rf.pendingSnapshot; snap != nil {
			rf.pendingSnapshot = nil
			rf.mu.Unlock()

			if err := rf.sm.Restore(snap.Data); err != nil {
				rf.logger.Error().Err(err).Uint64("index", snap.Index).Msg("state restore failed")
			}

			rf.mu.Lock()
			if snap.Index > rf.lastApplied {
				rf.lastApplied = snap.Index
			}
			rf.notifyLocked()
			rf.mu.Unlock()
			continue
		}

		from, to := rf.lastApplied+1, rf.commitIndex
		entries := rf.store.Entries(from, to)
		if len(entries) == 0 {
			// Everything up to the commit index is covered by the snapshot
			rf.lastApplied = to
			rf.notifyLocked()
			rf.mu.Unlock()
			continue
		}
		rf.mu.Unlock()

		rf.applyEntries(entries)
		rf.maybeSnapshot()
	}
}

// applyEntries applies a run of entries read before the lock was released.
// An installed snapshot supersedes whatever of the run is left.
func (rf *Agent) applyEntries(entries []LogEntry) {
	for _, entry := range entries {
		switch entry.Kind {
		case EntryData:
			rf.mu.RLock()
			stale := rf.supersededLocked(entry.Index)
			rf.mu.RUnlock()
			if stale {
				return
			}
			if err := rf.sm.Apply(entry); err != nil {
				rf.logger.Error().Err(err).Uint64("index", entry.Index).Msg("apply failed")
			}
		case EntryConfig:
			members, err := DecodeMembership(entry.Payload)
			if err != nil {
				rf.logger.Error().Err(err).Uint64("index", entry.Index).Msg("bad membership entry")
				break
			}
			rf.mu.Lock()
			if rf.supersededLocked(entry.Index) {
				rf.mu.Unlock()
				return
			}
			rf.applyMembershipLocked(members)
			rf.mu.Unlock()
		}

		rf.mu.Lock()
		if rf.supersededLocked(entry.Index) {
			rf.mu.Unlock()
			return
		}
		rf.lastApplied = entry.Index
		rf.notifyLocked()
		rf.mu.Unlock()
	}
}

// supersededLocked reports whether a snapshot covers or is about to cover index
func (rf *Agent) supersededLocked(index uint64) bool {
	return rf.pendingSnapshot != nil || index <= rf.lastApplied
}

// maybeSnapshot captures the state view once the retained log grows past
// the threshold, then compacts the log keeping SnapshotRetain entries
func (rf *Agent) maybeSnapshot() {
	threshold := rf.cfg.SnapshotThreshold
	if threshold <= 0 {
		return
	}

	rf.mu.RLock()
	applied := rf.lastApplied
	first := rf.store.FirstIndex()
	term, ok := rf.store.Term(applied)
	members := cloneMembers(rf.members)
	pending := rf.pendingSnapshot != nil
	rf.mu.RUnlock()

	if pending || !ok || applied < first || applied-first+1 < uint64(threshold) {
		return
	}

	// Only this goroutine applies entries, so the view is exactly at applied
	data, err := rf.sm.Snapshot()
	if err != nil {
		rf.logger.Error().Err(err).Uint64("index", applied).Msg("snapshot failed")
		return
	}
	snap := Snapshot{Index: applied, Term: term, Members: members, Data: data}
	if err := rf.persister.SaveSnapshot(snap); err != nil {
		rf.logger.Error().Err(err).Uint64("index", applied).Msg("cannot save snapshot")
		return
	}

	compactTo := uint64(0)
	if applied > rf.cfg.SnapshotRetain {
		compactTo = applied - rf.cfg.SnapshotRetain
	}
	if compactTo < first {
		return
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()
	if err := rf.store.CompactTo(compactTo); err != nil {
		rf.logger.Error().Err(err).Uint64("index", compactTo).Msg("log compaction failed")
		return
	}
	rf.logger.Info().
		Uint64("snapshotIndex", applied).
		Uint64("compactedTo", compactTo).
		Msg("compacted log")
}
