package raft

import (
	"errors"
)

// RequestVote handles the RequestVote RPC
func (rf *Agent) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error {
	if rf.killed() {
		return ErrStopped
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	// Reply false if term < currentTerm
	if args.Term < rf.currentTerm {
		reply.Term = rf.currentTerm
		reply.VoteGranted = false
		return nil
	}

	// A removed member must not disrupt the cluster with its higher terms
	if _, ok := rf.members[args.CandidateID]; !ok {
		reply.Term = rf.currentTerm
		return nil
	}

	// If RPC request contains term T > currentTerm: set currentTerm = T, convert to follower.
	// Only a granted vote delays our own election; a stopped leader timer must restart.
	if args.Term > rf.currentTerm {
		if rf.role == Leader {
			rf.becomeFollowerLocked(args.Term, "")
		} else {
			rf.stepDownLocked(args.Term, "")
		}
	}
	reply.Term = rf.currentTerm

	// If votedFor is empty or candidateId, and candidate's log is at least as
	// up-to-date as receiver's log, grant vote
	if rf.votedFor != "" && rf.votedFor != args.CandidateID {
		return nil
	}
	lastTerm := rf.store.LastTerm()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= rf.store.LastIndex())
	if !upToDate {
		return nil
	}

	rf.votedFor = args.CandidateID
	if err := rf.persistLocked(); err != nil {
		// A vote that is not durable could be cast twice after a restart
		rf.votedFor = ""
		rf.logger.Error().Err(err).Uint64("term", rf.currentTerm).Msg("cannot persist vote")
		return nil
	}
	reply.VoteGranted = true
	rf.resetElectionTimerLocked()

	rf.logger.Debug().
		Str("candidate", args.CandidateID).
		Uint64("term", args.Term).
		Msg("granted vote")
	return nil
}

// AppendEntries handles the AppendEntries RPC
func (rf *Agent) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error {
	if rf.killed() {
		return ErrStopped
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	reply.Term = rf.currentTerm
	reply.Success = false

	// Reply false if term < currentTerm
	if args.Term < rf.currentTerm {
		return nil
	}

	// A valid leader for this term exists; the vote cast in this term stands
	if args.Term > rf.currentTerm || rf.role != Follower || rf.leaderID != args.LeaderID {
		rf.becomeFollowerLocked(args.Term, args.LeaderID)
	} else {
		rf.resetElectionTimerLocked()
	}
	reply.Term = rf.currentTerm

	prevIndex := args.PrevLogIndex
	entries := args.Entries

	// Reply false if log doesn't contain an entry at prevLogIndex
	lastIndex := rf.store.LastIndex()
	if prevIndex > lastIndex {
		reply.ConflictIndex = lastIndex + 1
		reply.ConflictTerm = 0
		return nil
	}

	// Entries covered by our snapshot are committed and therefore match
	if base := rf.store.FirstIndex() - 1; prevIndex < base {
		skip := base - prevIndex
		if uint64(len(entries)) <= skip {
			entries = nil
		} else {
			entries = entries[skip:]
		}
		prevIndex = base
	} else {
		// Reply false if the entry at prevLogIndex has a different term
		term, _ := rf.store.Term(prevIndex)
		if term != args.PrevLogTerm {
			reply.ConflictTerm = term
			first := prevIndex
			for first > rf.store.FirstIndex() {
				t, _ := rf.store.Term(first - 1)
				if t != term {
					break
				}
				first--
			}
			reply.ConflictIndex = first
			return nil
		}
	}

	// If an existing entry conflicts with a new one (same index but different
	// terms), delete the existing entry and all that follow it
	for i, entry := range entries {
		index := prevIndex + 1 + uint64(i)
		if index > rf.store.LastIndex() {
			if err := rf.appendReplicatedLocked(entries[i:]); err != nil {
				return nil
			}
			break
		}
		if term, _ := rf.store.Term(index); term != entry.Term {
			if err := rf.store.TruncateFrom(index); err != nil {
				if errors.Is(err, ErrInvariantViolation) {
					rf.logger.Error().Err(err).Uint64("index", index).Msg("leader tried to overwrite committed entries")
				} else {
					rf.logger.Error().Err(err).Uint64("index", index).Msg("truncate failed")
				}
				return nil
			}
			rf.logger.Info().
				Uint64("from", index).
				Uint64("term", entry.Term).
				Msg("truncated conflicting entries")
			if err := rf.appendReplicatedLocked(entries[i:]); err != nil {
				return nil
			}
			break
		}
	}

	reply.Success = true

	// If leaderCommit > commitIndex, set commitIndex = min(leaderCommit, index of last new entry)
	lastNew := prevIndex + uint64(len(entries))
	if args.LeaderCommit > rf.commitIndex {
		rf.setCommitIndexLocked(min(args.LeaderCommit, lastNew))
	}
	return nil
}

func (rf *Agent) appendReplicatedLocked(entries []LogEntry) error {
	if _, err := rf.store.Append(entries); err != nil {
		rf.logger.Error().Err(err).Uint64("index", entries[0].Index).Msg("append of replicated entries failed")
		return err
	}
	return nil
}

// InstallSnapshot handles the InstallSnapshot RPC
func (rf *Agent) InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error {
	if rf.killed() {
		return ErrStopped
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	reply.Term = rf.currentTerm
	if args.Term < rf.currentTerm {
		return nil
	}
	if args.Term > rf.currentTerm || rf.role != Follower || rf.leaderID != args.LeaderID {
		rf.becomeFollowerLocked(args.Term, args.LeaderID)
	} else {
		rf.resetElectionTimerLocked()
	}
	reply.Term = rf.currentTerm

	index, term := args.LastIncludedIndex, args.LastIncludedTerm
	if index <= rf.commitIndex {
		return nil
	}

	snap := Snapshot{Index: index, Term: term, Members: cloneMembers(args.Members), Data: clone(args.Data)}
	if err := rf.persister.SaveSnapshot(snap); err != nil {
		rf.logger.Error().Err(err).Uint64("index", index).Msg("cannot save installed snapshot")
		return nil
	}

	// Keep the suffix that follows a matching entry, otherwise start over
	if t, ok := rf.store.Term(index); ok && t == term && index >= rf.store.FirstIndex() {
		rf.store.Commit(index)
		if err := rf.store.CompactTo(index); err != nil {
			rf.logger.Error().Err(err).Uint64("index", index).Msg("compaction after snapshot failed")
		}
	} else if err := rf.store.Reset(index, term); err != nil {
		rf.logger.Error().Err(err).Uint64("index", index).Msg("log reset after snapshot failed")
		return nil
	}

	if len(snap.Members) > 0 {
		rf.applyMembershipLocked(snap.Members)
	}
	rf.pendingSnapshot = &snap
	rf.setCommitIndexLocked(index)
	rf.applyCond.Broadcast()

	rf.logger.Info().Uint64("index", index).Uint64("term", term).Msg("installed snapshot")
	return nil
}
