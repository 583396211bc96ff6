package raft

import (
	"io"
	"time"
)

// startReplicatorLocked launches the replication loop for one follower
func (rf *Agent) startReplicatorLocked(id string, peer Peer) {
	r := &replicator{
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	rf.replicators[id] = r
	go rf.replicate(id, peer, rf.currentTerm, r)
}

func (rf *Agent) stopReplicatorLocked(id string) {
	if r, ok := rf.replicators[id]; ok {
		close(r.stop)
		delete(rf.replicators, id)
	}
}

func (rf *Agent) stopReplicatorsLocked() {
	for id := range rf.replicators {
		rf.stopReplicatorLocked(id)
	}
}

// kickReplicatorsLocked asks every replicator to send new entries now
// instead of waiting for the next heartbeat
func (rf *Agent) kickReplicatorsLocked() {
	for _, r := range rf.replicators {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// replicate sends entries or heartbeats to one follower until leadership of
// term ends. It loops without waiting while the follower is catching up.
func (rf *Agent) replicate(id string, peer Peer, term uint64, r *replicator) {
	ticker := time.NewTicker(rf.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		again, alive := rf.replicateOnce(id, peer, term)
		if !alive {
			return
		}
		if again {
			select {
			case <-r.stop:
				return
			case <-rf.stopCh:
				return
			default:
			}
			continue
		}

		select {
		case <-r.stop:
			return
		case <-rf.stopCh:
			return
		case <-r.kick:
		case <-ticker.C:
		}
	}
}

// replicateOnce performs one AppendEntries or InstallSnapshot exchange.
// again reports that more work is pending; alive is false once this
// leadership term is over.
func (rf *Agent) replicateOnce(id string, peer Peer, term uint64) (again, alive bool) {
	rf.mu.RLock()
	if rf.role != Leader || rf.currentTerm != term {
		rf.mu.RUnlock()
		return false, false
	}
	next := rf.nextIndex[id]
	if next < rf.store.FirstIndex() {
		rf.mu.RUnlock()
		return rf.sendSnapshot(id, peer, term)
	}

	prevIndex := next - 1
	prevTerm, ok := rf.store.Term(prevIndex)
	if !ok {
		rf.mu.RUnlock()
		return rf.sendSnapshot(id, peer, term)
	}
	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     rf.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      rf.store.Entries(next, next+MaxEntriesPerAppend-1),
		LeaderCommit: rf.commitIndex,
	}
	rf.mu.RUnlock()

	reply := &AppendEntriesReply{}
	if err := peer.AppendEntries(args, reply); err != nil {
		rf.logger.Debug().Err(err).Str("peer", id).Msg("AppendEntries failed")
		return false, true
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	// If RPC response contains term T > currentTerm: set currentTerm = T, convert to follower
	if reply.Term > rf.currentTerm {
		rf.logger.Info().Uint64("term", reply.Term).Str("peer", id).Msg("discovered higher term")
		rf.becomeFollowerLocked(reply.Term, "")
		return false, false
	}
	if rf.role != Leader || rf.currentTerm != term {
		return false, false
	}
	if _, ok := rf.nextIndex[id]; !ok {
		// Removed from membership while the RPC was in flight
		return false, false
	}

	if reply.Success {
		match := prevIndex + uint64(len(args.Entries))
		if match > rf.matchIndex[id] {
			rf.matchIndex[id] = match
		}
		if match+1 > rf.nextIndex[id] {
			rf.nextIndex[id] = match + 1
		}
		rf.advanceCommitLocked()
		return rf.nextIndex[id] <= rf.store.LastIndex(), true
	}

	// Back off nextIndex using the conflict hint
	newNext := reply.ConflictIndex
	if reply.ConflictTerm > 0 {
		for i := rf.store.LastIndex(); i >= rf.store.FirstIndex() && i > 0; i-- {
			if t, _ := rf.store.Term(i); t == reply.ConflictTerm {
				newNext = i + 1
				break
			}
		}
	}
	if newNext >= next {
		newNext = next - 1
	}
	if newNext < 1 {
		newNext = 1
	}
	rf.nextIndex[id] = newNext
	rf.logger.Debug().
		Str("peer", id).
		Uint64("nextIndex", newNext).
		Msg("follower log diverges, backing off")
	return true, true
}

// sendSnapshot ships the latest snapshot to a follower that needs entries
// the log no longer retains
func (rf *Agent) sendSnapshot(id string, peer Peer, term uint64) (again, alive bool) {
	snap, ok, err := rf.persister.ReadSnapshot()
	if err != nil || !ok {
		rf.logger.Error().Err(err).Str("peer", id).Msg("no snapshot available for lagging follower")
		return false, true
	}

	args := &InstallSnapshotArgs{
		Term:              term,
		LeaderID:          rf.id,
		LastIncludedIndex: snap.Index,
		LastIncludedTerm:  snap.Term,
		Members:           snap.Members,
		Data:              snap.Data,
	}
	reply := &InstallSnapshotReply{}
	if err := peer.InstallSnapshot(args, reply); err != nil {
		rf.logger.Debug().Err(err).Str("peer", id).Msg("InstallSnapshot failed")
		return false, true
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	if reply.Term > rf.currentTerm {
		rf.becomeFollowerLocked(reply.Term, "")
		return false, false
	}
	if rf.role != Leader || rf.currentTerm != term {
		return false, false
	}
	if _, ok := rf.nextIndex[id]; !ok {
		return false, false
	}
	if snap.Index > rf.matchIndex[id] {
		rf.matchIndex[id] = snap.Index
	}
	if snap.Index+1 > rf.nextIndex[id] {
		rf.nextIndex[id] = snap.Index + 1
	}
	rf.advanceCommitLocked()
	rf.logger.Info().Str("peer", id).Uint64("index", snap.Index).Msg("sent snapshot")
	return rf.nextIndex[id] <= rf.store.LastIndex(), true
}

// applyMembershipLocked installs a new membership table, opening links to
// added members and closing links to removed ones
func (rf *Agent) applyMembershipLocked(members map[string]string) {
	old := rf.members
	rf.members = cloneMembers(members)

	for id, ep := range rf.members {
		if id == rf.id {
			continue
		}
		if prev, ok := old[id]; ok && prev == ep {
			if _, linked := rf.peers[id]; linked {
				continue
			}
		}
		rf.closePeerLocked(id)
		peer := rf.dial(id, ep)
		rf.peers[id] = peer
		if rf.role == Leader {
			rf.nextIndex[id] = rf.store.LastIndex() + 1
			rf.matchIndex[id] = 0
			rf.startReplicatorLocked(id, peer)
		}
	}
	for id := range old {
		if _, ok := rf.members[id]; !ok && id != rf.id {
			rf.closePeerLocked(id)
		}
	}

	rf.logger.Info().Strs("members", sortedIDs(rf.members)).Msg("membership changed")

	if rf.role == Leader {
		if _, ok := rf.members[rf.id]; !ok {
			rf.becomeFollowerLocked(rf.currentTerm, "")
			return
		}
		rf.advanceCommitLocked()
	}
	rf.notifyLocked()
}

func (rf *Agent) closePeerLocked(id string) {
	rf.stopReplicatorLocked(id)
	if rf.nextIndex != nil {
		delete(rf.nextIndex, id)
		delete(rf.matchIndex, id)
	}
	if p, ok := rf.peers[id]; ok {
		if c, ok := p.(io.Closer); ok {
			c.Close()
		}
		delete(rf.peers, id)
	}
}
