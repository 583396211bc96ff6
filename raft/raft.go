// Package raft implements the consensus agent behind the agency: leader
// election, log replication and commit tracking over a small membership.
// This implementation follows the Raft paper by Diego Ongaro and John Ousterhout:
// "In Search of an Understandable Consensus Algorithm"
package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Role represents the role of a consensus agent
type Role int

const (
	// Follower is the initial role of an agent
	Follower Role = iota
	// Candidate is the role when an agent is campaigning for leadership
	Candidate
	// Leader is the role when an agent has been elected leader
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Configuration defaults
const (
	DefaultElectionTimeout   = 150 * time.Millisecond
	DefaultHeartbeatInterval = 50 * time.Millisecond
	DefaultWaitTimeout       = 5 * time.Second
	DefaultSnapshotThreshold = 1000 // Retained entries before the state view is snapshotted
	DefaultSnapshotRetain    = 100  // Entries kept behind a snapshot for slow followers

	// MaxEntriesPerAppend bounds the entries carried by one AppendEntries RPC
	MaxEntriesPerAppend = 64
)

// Peer is the link to another member
type Peer interface {
	// RequestVote is called by candidates to gather votes
	RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error

	// AppendEntries is called by the leader to replicate log entries and as a heartbeat
	AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error

	// InstallSnapshot is called by the leader to bring a follower past the retained log
	InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error
}

// Dialer creates the link to a member. It must not block; connections are
// established lazily on first use.
type Dialer func(id, endpoint string) Peer

// StateMachine receives committed data entries in log order
type StateMachine interface {
	Apply(entry LogEntry) error
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// RequestVoteArgs contains the arguments for the RequestVote RPC
type RequestVoteArgs struct {
	Term         uint64 // Candidate's term
	CandidateID  string // Candidate requesting vote
	LastLogIndex uint64 // Index of candidate's last log entry
	LastLogTerm  uint64 // Term of candidate's last log entry
}

// RequestVoteReply contains the results for the RequestVote RPC
type RequestVoteReply struct {
	Term        uint64 // Current term, for candidate to update itself
	VoteGranted bool   // True means candidate received vote
}

// AppendEntriesArgs contains the arguments for the AppendEntries RPC
type AppendEntriesArgs struct {
	Term         uint64     // Leader's term
	LeaderID     string     // So follower can redirect clients
	PrevLogIndex uint64     // Index of log entry immediately preceding new ones
	PrevLogTerm  uint64     // Term of prevLogIndex entry
	Entries      []LogEntry // Log entries to store (empty for heartbeat)
	LeaderCommit uint64     // Leader's commitIndex
}

// AppendEntriesReply contains the results for the AppendEntries RPC
type AppendEntriesReply struct {
	Term          uint64 // Current term, for leader to update itself
	Success       bool   // True if follower contained entry matching prevLogIndex and prevLogTerm
	ConflictIndex uint64 // The first index it stores for the conflicting term
	ConflictTerm  uint64 // The term of the conflicting entry
}

// InstallSnapshotArgs contains the arguments for the InstallSnapshot RPC
type InstallSnapshotArgs struct {
	Term              uint64            // Leader's term
	LeaderID          string            // So follower can redirect clients
	LastIncludedIndex uint64            // The snapshot replaces all entries up through this index
	LastIncludedTerm  uint64            // Term of lastIncludedIndex
	Members           map[string]string // Membership in effect at lastIncludedIndex
	Data              []byte            // Encoded state view
}

// InstallSnapshotReply contains the results for the InstallSnapshot RPC
type InstallSnapshotReply struct {
	Term uint64 // Current term, for leader to update itself
}

// Config holds the tunables of an Agent
type Config struct {
	ID                string            // This member's id
	Members           map[string]string // Initial membership, including self
	ElectionTimeout   time.Duration     // Base election timeout, randomized up to twice this
	HeartbeatInterval time.Duration     // Leader heartbeat period
	WaitTimeout       time.Duration     // Upper bound for WaitFor
	SnapshotThreshold int               // Retained entries that trigger a snapshot, 0 disables
	SnapshotRetain    uint64            // Entries kept behind a snapshot
	ElectionNoop      bool              // Append a no-op entry when elected
	Logger            zerolog.Logger
}

// DefaultConfig returns a configuration with default timings
func DefaultConfig(id string, members map[string]string) Config {
	return Config{
		ID:                id,
		Members:           members,
		ElectionTimeout:   DefaultElectionTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		WaitTimeout:       DefaultWaitTimeout,
		SnapshotThreshold: DefaultSnapshotThreshold,
		SnapshotRetain:    DefaultSnapshotRetain,
		Logger:            zerolog.Nop(),
	}
}

// Validate checks that the configuration is usable
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidConfig)
	}
	if err := validateMembers(c.Members); err != nil {
		return err
	}
	if _, ok := c.Members[c.ID]; !ok {
		return fmt.Errorf("%w: %s is not a member", ErrInvalidConfig, c.ID)
	}
	if c.ElectionTimeout <= 0 || c.HeartbeatInterval <= 0 || c.WaitTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.HeartbeatInterval >= c.ElectionTimeout {
		return fmt.Errorf("%w: heartbeat interval %v must be below election timeout %v",
			ErrInvalidConfig, c.HeartbeatInterval, c.ElectionTimeout)
	}
	return nil
}

// replicator drives replication to one follower for one leadership term
type replicator struct {
	kick chan struct{}
	stop chan struct{}
}

// Agent is the consensus state machine of one member.
//
// All role, term, vote, commit and match bookkeeping is guarded by mu.
// Timers and per-peer replicators run in their own goroutines and take mu
// to act; no RPC is ever issued while mu is held.
type Agent struct {
	mu        sync.RWMutex
	id        string
	cfg       Config
	store     LogStore
	persister Persister
	sm        StateMachine
	dial      Dialer
	logger    zerolog.Logger
	dead      int32
	stopCh    chan struct{}
	wg        sync.WaitGroup

	members map[string]string // Membership table, including self
	peers   map[string]Peer   // Links to every other member

	// Persistent state on all servers
	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string

	// Volatile state on all servers
	commitIndex     uint64
	lastApplied     uint64
	applyCond       *sync.Cond
	pendingSnapshot *Snapshot
	changed         chan struct{} // Closed and replaced on every commit, apply, role or term change

	// Volatile state on leaders
	nextIndex   map[string]uint64
	matchIndex  map[string]uint64
	replicators map[string]*replicator

	electionTimer    *time.Timer
	electionDeadline time.Time
}

// NewAgent restores an agent from its persisted state and starts its
// election timer and applier.
func NewAgent(cfg Config, store LogStore, persister Persister, sm StateMachine, dial Dialer) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rf := &Agent{
		id:        cfg.ID,
		cfg:       cfg,
		store:     store,
		persister: persister,
		sm:        sm,
		dial:      dial,
		logger:    cfg.Logger.With().Str("component", "raft").Str("node", cfg.ID).Logger(),
		stopCh:    make(chan struct{}),
		role:      Follower,
		changed:   make(chan struct{}),
		peers:     make(map[string]Peer),
	}
	rf.applyCond = sync.NewCond(&rf.mu)

	if err := rf.restore(); err != nil {
		return nil, err
	}
	for id, ep := range rf.members {
		if id != rf.id {
			rf.peers[id] = rf.dial(id, ep)
		}
	}

	rf.mu.Lock()
	rf.resetElectionTimerLocked()
	rf.mu.Unlock()

	rf.wg.Add(2)
	go rf.ticker()
	go rf.applier()

	rf.logger.Info().
		Int("members", len(rf.members)).
		Uint64("term", rf.currentTerm).
		Uint64("lastIndex", rf.store.LastIndex()).
		Msg("agent started")
	return rf, nil
}

// restore loads hard state and the latest snapshot
func (rf *Agent) restore() error {
	hs, err := rf.persister.ReadHardState()
	if err != nil {
		return err
	}
	rf.currentTerm = hs.Term
	rf.votedFor = hs.VotedFor
	rf.members = cloneMembers(rf.cfg.Members)

	snap, ok, err := rf.persister.ReadSnapshot()
	if err != nil {
		return err
	}
	if !ok {
		if first := rf.store.FirstIndex(); first > 1 {
			return fmt.Errorf("%w: log starts at %d but no snapshot exists", ErrLogCorrupted, first)
		}
		return nil
	}

	if err := rf.sm.Restore(snap.Data); err != nil {
		return fmt.Errorf("restore snapshot at %d: %w", snap.Index, err)
	}
	if len(snap.Members) > 0 {
		rf.members = cloneMembers(snap.Members)
	}
	if snap.Index > rf.store.LastIndex() || rf.store.FirstIndex() > snap.Index+1 {
		if err := rf.store.Reset(snap.Index, snap.Term); err != nil {
			return err
		}
	}
	rf.store.Commit(snap.Index)
	rf.commitIndex = snap.Index
	rf.lastApplied = snap.Index
	rf.logger.Info().Uint64("index", snap.Index).Uint64("term", snap.Term).Msg("restored snapshot")
	return nil
}

// ID returns this member's id
func (rf *Agent) ID() string {
	return rf.id
}

// GetState returns the current term and whether this agent believes it is the leader
func (rf *Agent) GetState() (uint64, bool) {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.currentTerm, rf.role == Leader
}

// Role returns the current role
func (rf *Agent) Role() Role {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.role
}

// Term returns the current term
func (rf *Agent) Term() uint64 {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.currentTerm
}

// LeaderID returns the last known leader, empty if none is known
func (rf *Agent) LeaderID() string {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.leaderID
}

// CommitIndex returns the highest index known to be committed
func (rf *Agent) CommitIndex() uint64 {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.commitIndex
}

// LastApplied returns the highest index applied to the state machine
func (rf *Agent) LastApplied() uint64 {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.lastApplied
}

// Config returns a snapshot of membership and bookkeeping
func (rf *Agent) Config() Configuration {
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return Configuration{
		SelfID:      rf.id,
		Members:     cloneMembers(rf.members),
		Term:        rf.currentTerm,
		LeaderID:    rf.leaderID,
		CommitIndex: rf.commitIndex,
		LastApplied: rf.lastApplied,
	}
}

// Entries returns the retained log in order
func (rf *Agent) Entries() []LogEntry {
	return rf.store.Entries(rf.store.FirstIndex(), rf.store.LastIndex())
}

// Propose appends a batch of data payloads as one contiguous run of entries.
// The batch is appended atomically or not at all.
func (rf *Agent) Propose(payloads []json.RawMessage) ([]uint64, error) {
	entries := make([]LogEntry, len(payloads))
	for i, p := range payloads {
		entries[i] = LogEntry{Kind: EntryData, Payload: p}
	}
	return rf.propose(entries)
}

// ProposeMembership appends a membership change. It takes effect on commit.
func (rf *Agent) ProposeMembership(members map[string]string) (uint64, error) {
	payload, err := EncodeMembership(members)
	if err != nil {
		return 0, err
	}
	indices, err := rf.propose([]LogEntry{{Kind: EntryConfig, Payload: payload}})
	if err != nil {
		return 0, err
	}
	return indices[0], nil
}

func (rf *Agent) propose(entries []LogEntry) ([]uint64, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if rf.killed() {
		return nil, ErrStopped
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	// If not leader, return immediately
	if rf.role != Leader {
		return nil, &NotLeaderError{LeaderID: rf.leaderID}
	}

	indices, err := rf.appendLocked(entries)
	if err != nil {
		return nil, err
	}
	rf.logger.Debug().
		Uint64("first", indices[0]).
		Int("count", len(indices)).
		Uint64("term", rf.currentTerm).
		Msg("appended entries")
	return indices, nil
}

// appendLocked stamps entries with the current term and appends them as leader
func (rf *Agent) appendLocked(entries []LogEntry) ([]uint64, error) {
	for i := range entries {
		entries[i].Index = 0
		entries[i].Term = rf.currentTerm
		entries[i].LeaderID = rf.id
	}

	indices, err := rf.store.Append(entries)
	if err != nil {
		rf.logger.Error().Err(err).Uint64("term", rf.currentTerm).Msg("append failed, stepping down")
		rf.becomeFollowerLocked(rf.currentTerm, "")
		return nil, err
	}

	rf.matchIndex[rf.id] = rf.store.LastIndex()
	rf.advanceCommitLocked()
	rf.kickReplicatorsLocked()
	return indices, nil
}

// Stop shuts the agent down. In-flight waits fail with ErrStopped.
func (rf *Agent) Stop() {
	if !atomic.CompareAndSwapInt32(&rf.dead, 0, 1) {
		return
	}
	close(rf.stopCh)

	rf.mu.Lock()
	rf.electionTimer.Stop()
	rf.stopReplicatorsLocked()
	for _, p := range rf.peers {
		if c, ok := p.(io.Closer); ok {
			c.Close()
		}
	}
	rf.applyCond.Broadcast()
	rf.notifyLocked()
	rf.mu.Unlock()

	rf.wg.Wait()
	rf.logger.Info().Msg("agent stopped")
}

// killed returns true if this agent was stopped
func (rf *Agent) killed() bool {
	return atomic.LoadInt32(&rf.dead) == 1
}

// notifyLocked wakes every waiter so it re-evaluates its condition
func (rf *Agent) notifyLocked() {
	close(rf.changed)
	rf.changed = make(chan struct{})
}

// persistLocked saves term and vote
func (rf *Agent) persistLocked() error {
	return rf.persister.SaveHardState(HardState{Term: rf.currentTerm, VotedFor: rf.votedFor})
}

// resetElectionTimerLocked resets the election timer with a random timeout
func (rf *Agent) resetElectionTimerLocked() {
	base := rf.cfg.ElectionTimeout
	timeout := base + time.Duration(rand.Int63n(int64(base)))
	rf.electionDeadline = time.Now().Add(timeout)

	if rf.electionTimer == nil {
		rf.electionTimer = time.NewTimer(timeout)
		return
	}
	if !rf.electionTimer.Stop() {
		// Drain the timer channel if stop returns false
		select {
		case <-rf.electionTimer.C:
		default:
		}
	}
	rf.electionTimer.Reset(timeout)
}

// ticker is a background goroutine that turns election timeouts into elections
func (rf *Agent) ticker() {
	defer rf.wg.Done()
	for {
		select {
		case <-rf.stopCh:
			return
		case <-rf.electionTimer.C:
			rf.mu.Lock()
			// The timer may have been reset after it fired
			if rf.role != Leader && !time.Now().Before(rf.electionDeadline) {
				rf.startElectionLocked()
			}
			if rf.role != Leader {
				rf.resetElectionTimerLocked()
			}
			rf.mu.Unlock()
		}
	}
}

// startElectionLocked begins a new election round
func (rf *Agent) startElectionLocked() {
	if _, ok := rf.members[rf.id]; !ok {
		return
	}

	rf.currentTerm++
	rf.role = Candidate
	rf.votedFor = rf.id
	rf.leaderID = ""
	if err := rf.persistLocked(); err != nil {
		rf.logger.Error().Err(err).Uint64("term", rf.currentTerm).Msg("cannot persist vote, abandoning election")
		rf.role = Follower
		rf.votedFor = ""
		return
	}
	rf.notifyLocked()

	term := rf.currentTerm
	args := &RequestVoteArgs{
		Term:         term,
		CandidateID:  rf.id,
		LastLogIndex: rf.store.LastIndex(),
		LastLogTerm:  rf.store.LastTerm(),
	}

	rf.logger.Info().
		Uint64("term", term).
		Uint64("lastLogIndex", args.LastLogIndex).
		Uint64("lastLogTerm", args.LastLogTerm).
		Msg("starting election")

	// Vote for self
	votes := 1
	if votes >= quorum(len(rf.members)) {
		rf.becomeLeaderLocked()
		return
	}

	// Request votes from all other members; votes is guarded by rf.mu
	for id, peer := range rf.peers {
		go func(id string, peer Peer) {
			reply := &RequestVoteReply{}
			if err := peer.RequestVote(args, reply); err != nil {
				rf.logger.Debug().Err(err).Str("peer", id).Msg("RequestVote failed")
				return
			}

			rf.mu.Lock()
			defer rf.mu.Unlock()

			// If the RPC response contains a higher term, revert to follower
			if reply.Term > rf.currentTerm {
				rf.logger.Info().Uint64("term", reply.Term).Str("peer", id).Msg("discovered higher term")
				rf.becomeFollowerLocked(reply.Term, "")
				return
			}

			// If we've moved on to a new term or role, ignore the vote
			if rf.currentTerm != term || rf.role != Candidate || !reply.VoteGranted {
				return
			}
			if _, ok := rf.members[id]; !ok {
				return
			}

			votes++
			if votes >= quorum(len(rf.members)) {
				rf.logger.Info().Uint64("term", term).Int("votes", votes).Msg("won election")
				rf.becomeLeaderLocked()
			}
		}(id, peer)
	}
}

// becomeLeaderLocked transitions this agent to the leader role
func (rf *Agent) becomeLeaderLocked() {
	if rf.role != Candidate {
		return
	}
	rf.role = Leader
	rf.leaderID = rf.id
	rf.electionTimer.Stop()
	rf.logger.Info().Uint64("term", rf.currentTerm).Msg("became leader")

	// Initialize leader state
	last := rf.store.LastIndex()
	rf.nextIndex = make(map[string]uint64, len(rf.members))
	rf.matchIndex = make(map[string]uint64, len(rf.members))
	for id := range rf.members {
		rf.nextIndex[id] = last + 1
		rf.matchIndex[id] = 0
	}
	rf.matchIndex[rf.id] = last

	rf.replicators = make(map[string]*replicator, len(rf.peers))
	for id, peer := range rf.peers {
		rf.startReplicatorLocked(id, peer)
	}
	rf.notifyLocked()

	if rf.cfg.ElectionNoop {
		if _, err := rf.appendLocked([]LogEntry{{Kind: EntryNoop}}); err != nil {
			return
		}
	}
	rf.advanceCommitLocked()
}

// becomeFollowerLocked transitions this agent to the follower role, adopting
// term if it is newer, and restarts the election timer. leaderID is the
// leader of term, if known.
func (rf *Agent) becomeFollowerLocked(term uint64, leaderID string) {
	rf.stepDownLocked(term, leaderID)
	rf.resetElectionTimerLocked()
}

// stepDownLocked is becomeFollowerLocked without touching the election timer
func (rf *Agent) stepDownLocked(term uint64, leaderID string) {
	if term > rf.currentTerm {
		rf.currentTerm = term
		rf.votedFor = ""
		if err := rf.persistLocked(); err != nil {
			rf.logger.Error().Err(err).Uint64("term", term).Msg("cannot persist term")
		}
	}
	if rf.role != Follower {
		rf.logger.Info().
			Str("from", rf.role.String()).
			Uint64("term", rf.currentTerm).
			Msg("becoming follower")
	}
	rf.role = Follower
	rf.leaderID = leaderID
	rf.stopReplicatorsLocked()
	rf.notifyLocked()
}

// advanceCommitLocked moves commitIndex to the highest entry of the current
// term stored on a majority. Entries of earlier terms commit only as a
// side effect of a later entry committing.
func (rf *Agent) advanceCommitLocked() {
	if rf.role != Leader {
		return
	}
	need := quorum(len(rf.members))
	for n := rf.store.LastIndex(); n > rf.commitIndex; n-- {
		term, ok := rf.store.Term(n)
		if !ok || term < rf.currentTerm {
			break
		}
		if term != rf.currentTerm {
			continue
		}

		count := 0
		for id := range rf.members {
			if rf.matchIndex[id] >= n {
				count++
			}
		}
		if count >= need {
			rf.setCommitIndexLocked(n)
			return
		}
	}
}

// setCommitIndexLocked raises commitIndex; it never moves backwards
func (rf *Agent) setCommitIndexLocked(index uint64) {
	if index <= rf.commitIndex {
		return
	}
	rf.commitIndex = index
	rf.store.Commit(index)
	rf.logger.Debug().Uint64("commitIndex", index).Msg("advanced commit index")
	rf.applyCond.Broadcast()
	rf.notifyLocked()
}

// readyForReadsLocked reports whether this leader has committed an entry of its own term
func (rf *Agent) readyForReadsLocked() bool {
	if rf.role != Leader {
		return false
	}
	term, ok := rf.store.Term(rf.commitIndex)
	return ok && term == rf.currentTerm
}
