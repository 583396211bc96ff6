package rpc

import (
	"github.com/goyalg325/agency/raft"
)

// RaftServiceName is the net/rpc service name the agent is registered under
const RaftServiceName = "Raft"

// RaftService exposes an agent's RPC handlers to net/rpc
type RaftService struct {
	handler raft.Peer
}

// NewRaftService wraps handler, normally a *raft.Agent
func NewRaftService(handler raft.Peer) *RaftService {
	return &RaftService{handler: handler}
}

// RequestVote handles the RequestVote RPC
func (s *RaftService) RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	return s.handler.RequestVote(args, reply)
}

// AppendEntries handles the AppendEntries RPC
func (s *RaftService) AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	return s.handler.AppendEntries(args, reply)
}

// InstallSnapshot handles the InstallSnapshot RPC
func (s *RaftService) InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	return s.handler.InstallSnapshot(args, reply)
}

// Peer is the raft.Peer link to one member over a Client
type Peer struct {
	client *Client
}

// NewPeer creates a peer link over client
func NewPeer(client *Client) *Peer {
	return &Peer{client: client}
}

// RequestVote calls RequestVote on the remote member
func (p *Peer) RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	return p.client.Call(RaftServiceName+".RequestVote", args, reply)
}

// AppendEntries calls AppendEntries on the remote member
func (p *Peer) AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	return p.client.Call(RaftServiceName+".AppendEntries", args, reply)
}

// InstallSnapshot calls InstallSnapshot on the remote member
func (p *Peer) InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	return p.client.Call(RaftServiceName+".InstallSnapshot", args, reply)
}

// Close closes the underlying client
func (p *Peer) Close() error {
	return p.client.Close()
}

// Dial is a raft.Dialer handing out peers backed by the pool's clients
func (cp *ClientPool) Dial(id, endpoint string) raft.Peer {
	return NewPeer(cp.GetClient(endpoint))
}
