package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned when a write or read reaches a node that is not the leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrStorage is returned when an entry or the hard state could not be made durable.
	ErrStorage = errors.New("raft: storage failure")

	// ErrInvariantViolation is returned when an operation would corrupt committed state.
	ErrInvariantViolation = errors.New("raft: invariant violation")

	// ErrCommitTimeout is returned when WaitFor gives up. The outcome of the
	// write is unknown.
	ErrCommitTimeout = errors.New("raft: commit wait timed out")

	// ErrLeadershipLost is returned when the node stepped down while a caller waited.
	ErrLeadershipLost = errors.New("raft: leadership lost")

	// ErrStopped is returned once the agent has been shut down.
	ErrStopped = errors.New("raft: agent stopped")

	// ErrInvalidConfig is returned for unusable agent configuration.
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrLogCorrupted is returned when a persisted log record cannot be decoded.
	ErrLogCorrupted = errors.New("raft: log corrupted")
)

// NotLeaderError carries the last known leader so callers can redirect.
// LeaderID is empty when no leader is known.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "raft: not the leader, leader unknown"
	}
	return fmt.Sprintf("raft: not the leader, leader is %s", e.LeaderID)
}

// Is lets errors.Is(err, ErrNotLeader) match.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
