// Package agency is the client-facing side of a consensus member: batched
// writes with selectable acknowledgement, leader-only reads, and read-only
// introspection of membership and log.
package agency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/goyalg325/agency/raft"
)

// AckMode selects how long a write waits before it is answered
type AckMode int

const (
	// AckDefault answers once the batch is durable in the leader's log.
	// Indices are returned but may still be lost to a leadership change.
	AckDefault AckMode = iota
	// AckNoWait appends like AckDefault; transports omit the indices.
	AckNoWait
	// AckWaitForCommitted answers once the last entry of the batch is committed.
	AckWaitForCommitted
)

func (m AckMode) String() string {
	switch m {
	case AckDefault:
		return "default"
	case AckNoWait:
		return "noWait"
	case AckWaitForCommitted:
		return "waitForCommitted"
	default:
		return "unknown"
	}
}

// ParseAckMode maps the wire name of a mode. The empty string selects AckDefault.
func ParseAckMode(s string) (AckMode, error) {
	switch s {
	case "":
		return AckDefault, nil
	case "noWait":
		return AckNoWait, nil
	case "waitForCommitted":
		return AckWaitForCommitted, nil
	default:
		return AckDefault, protocolErrorf("unknown acknowledgement mode %q", s)
	}
}

// WriteResult is the outcome of an accepted or redirected write
type WriteResult struct {
	Accepted bool
	Indices  []uint64 // Empty unless accepted
	Redirect string   // Leader to retry against when not accepted, possibly empty
}

// ReadResult is the outcome of an accepted or redirected read
type ReadResult struct {
	Accepted bool
	Result   []json.RawMessage // One value per query, in query order
	Redirect string
}

// Consensus is what the facade needs from the consensus agent
type Consensus interface {
	ID() string
	Propose(payloads []json.RawMessage) ([]uint64, error)
	ProposeMembership(members map[string]string) (uint64, error)
	WaitFor(ctx context.Context, index uint64) error
	WaitApplied(ctx context.Context, index uint64) error
	ReadIndex() (uint64, error)
	Term() uint64
	LeaderID() string
	Config() raft.Configuration
	Entries() []raft.LogEntry
}

// Agency serves client requests against one member
type Agency struct {
	agent  Consensus
	store  *Store
	logger zerolog.Logger
}

// New creates the facade over agent and the state view it applies to
func New(agent Consensus, store *Store, logger zerolog.Logger) *Agency {
	return &Agency{
		agent:  agent,
		store:  store,
		logger: logger.With().Str("component", "agency").Str("node", agent.ID()).Logger(),
	}
}

// Write appends batch as one contiguous run of entries. The batch is
// validated as a whole first, so either every operation gets an index or
// none does. A follower answers with a redirect and a nil error.
func (a *Agency) Write(ctx context.Context, batch []json.RawMessage, mode AckMode) (WriteResult, error) {
	for i, op := range batch {
		if _, err := ParseOperation(op); err != nil {
			return WriteResult{}, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	if len(batch) == 0 {
		if leader := a.agent.LeaderID(); leader != a.agent.ID() {
			return WriteResult{Redirect: leader}, nil
		}
		return WriteResult{Accepted: true, Indices: []uint64{}}, nil
	}

	indices, err := a.agent.Propose(batch)
	return a.finishWrite(ctx, indices, err, mode)
}

// ChangeMembership proposes a new member table. It takes effect when the
// entry commits, like any other write.
func (a *Agency) ChangeMembership(ctx context.Context, members map[string]string, mode AckMode) (WriteResult, error) {
	index, err := a.agent.ProposeMembership(members)
	if errors.Is(err, raft.ErrInvalidConfig) {
		return WriteResult{}, protocolErrorf("%v", err)
	}
	var indices []uint64
	if err == nil {
		indices = []uint64{index}
	}
	return a.finishWrite(ctx, indices, err, mode)
}

func (a *Agency) finishWrite(ctx context.Context, indices []uint64, err error, mode AckMode) (WriteResult, error) {
	var nle *raft.NotLeaderError
	if errors.As(err, &nle) {
		return WriteResult{Redirect: nle.LeaderID}, nil
	}
	if err != nil {
		a.logger.Warn().Err(err).Msg("write rejected")
		return WriteResult{}, err
	}

	if mode == AckWaitForCommitted {
		last := indices[len(indices)-1]
		if err := a.agent.WaitFor(ctx, last); err != nil {
			a.logger.Warn().Err(err).Uint64("index", last).Msg("commit wait failed")
			return WriteResult{}, err
		}
	}
	return WriteResult{Accepted: true, Indices: indices}, nil
}

// Read answers queries from the state view once it reflects everything
// committed when the read arrived. A leader that has not yet committed an
// entry of its own term redirects to itself; transports report that as
// unavailable.
func (a *Agency) Read(ctx context.Context, queries []json.RawMessage) (ReadResult, error) {
	parsed := make([][]string, len(queries))
	for i, q := range queries {
		keys, err := ParseQuery(q)
		if err != nil {
			return ReadResult{}, fmt.Errorf("query %d: %w", i, err)
		}
		parsed[i] = keys
	}

	index, err := a.agent.ReadIndex()
	var nle *raft.NotLeaderError
	if errors.As(err, &nle) {
		return ReadResult{Redirect: nle.LeaderID}, nil
	}
	if err != nil {
		return ReadResult{}, err
	}
	if err := a.agent.WaitApplied(ctx, index); err != nil {
		return ReadResult{}, err
	}

	results := make([]json.RawMessage, len(parsed))
	for i, keys := range parsed {
		b, err := json.Marshal(a.store.Get(keys))
		if err != nil {
			return ReadResult{}, err
		}
		results[i] = b
	}
	return ReadResult{Accepted: true, Result: results}, nil
}

// WaitFor blocks until index is committed on this member
func (a *Agency) WaitFor(ctx context.Context, index uint64) error {
	return a.agent.WaitFor(ctx, index)
}

// Term returns the member's current term
func (a *Agency) Term() uint64 {
	return a.agent.Term()
}

// LeaderID returns the last known leader, empty if none
func (a *Agency) LeaderID() string {
	return a.agent.LeaderID()
}

// ID returns this member's id
func (a *Agency) ID() string {
	return a.agent.ID()
}

// Config returns a copy of membership and bookkeeping
func (a *Agency) Config() raft.Configuration {
	return a.agent.Config()
}

// State returns the retained log in order
func (a *Agency) State() []raft.LogEntry {
	return a.agent.Entries()
}
