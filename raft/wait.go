package raft

import (
	"context"
	"errors"
	"fmt"
)

// WaitFor blocks until index is committed. It fails with ErrCommitTimeout
// after the configured wait timeout, and with ErrLeadershipLost if this
// agent was leader when the wait began and stopped being leader of that
// term, or if the entry at index was replaced by another leader's entry.
func (rf *Agent) WaitFor(ctx context.Context, index uint64) error {
	return rf.wait(ctx, index, func() bool { return rf.commitIndex >= index })
}

// WaitApplied blocks until every entry up to index is reflected in the
// state machine, under the same failure rules as WaitFor
func (rf *Agent) WaitApplied(ctx context.Context, index uint64) error {
	return rf.wait(ctx, index, func() bool { return rf.lastApplied >= index })
}

// ReadIndex returns the commit index a linearizable read must wait for.
// Only a leader that has committed an entry of its own term can serve
// reads; any other agent returns a NotLeaderError naming the leader it
// knows, which is itself for a leader still catching up.
func (rf *Agent) ReadIndex() (uint64, error) {
	if rf.killed() {
		return 0, ErrStopped
	}

	rf.mu.RLock()
	defer rf.mu.RUnlock()
	if !rf.readyForReadsLocked() {
		return 0, &NotLeaderError{LeaderID: rf.leaderID}
	}
	return rf.commitIndex, nil
}

// ReadyForReads reports whether this agent is a leader that has committed
// an entry of its current term
func (rf *Agent) ReadyForReads() bool {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.readyForReadsLocked()
}

// wait re-evaluates done every time commit, apply, role or term changes.
// done is called with rf.mu read-locked. The term of the entry at index
// when the wait begins must still be there once done holds.
func (rf *Agent) wait(ctx context.Context, index uint64, done func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, rf.cfg.WaitTimeout)
	defer cancel()

	rf.mu.RLock()
	term, leading := rf.currentTerm, rf.role == Leader
	entryTerm, known := rf.store.Term(index)
	rf.mu.RUnlock()

	for {
		rf.mu.RLock()
		if rf.killed() {
			rf.mu.RUnlock()
			return ErrStopped
		}
		if leading && (rf.role != Leader || rf.currentTerm != term) {
			rf.mu.RUnlock()
			return ErrLeadershipLost
		}
		if done() {
			replaced := false
			if known {
				t, ok := rf.store.Term(index)
				replaced = ok && t != entryTerm
			}
			rf.mu.RUnlock()
			if replaced {
				return ErrLeadershipLost
			}
			return nil
		}
		changed := rf.changed
		rf.mu.RUnlock()

		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %v", ErrCommitTimeout, ctx.Err())
			}
			return ctx.Err()
		}
	}
}
