// Package node assembles one agency member: log storage, the consensus
// agent, the peer transport and the HTTP API, all served on one address.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/goyalg325/agency/agency"
	"github.com/goyalg325/agency/api"
	"github.com/goyalg325/agency/config"
	"github.com/goyalg325/agency/logging"
	"github.com/goyalg325/agency/raft"
	"github.com/goyalg325/agency/rpc"
)

// Node is a running agency member
type Node struct {
	cfg    config.Config
	logger zerolog.Logger

	logStore raft.LogStore
	state    *agency.Store
	agent    *raft.Agent
	agency   *agency.Agency
	pool     *rpc.ClientPool
	server   *rpc.Server

	closeOnce sync.Once
}

// New opens storage and creates the agent. Nothing is served until Start.
func New(cfg config.Config, logger zerolog.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// raft, agency and api tag their own events; the transport only knows the node
	rpcLogger := logger.With().Str("node", cfg.ID).Logger()
	n := &Node{
		cfg:    cfg,
		logger: logging.Component(logger, "node", cfg.ID),
		state:  agency.NewStore(),
		pool:   rpc.NewClientPool(cfg.RPCTimeout.Duration, rpcLogger),
	}

	var persister raft.Persister
	if cfg.InMemory {
		n.logStore = raft.NewMemoryStore()
		persister = raft.NewMemoryPersister()
	} else {
		fs, err := raft.OpenFileStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open log store: %w", err)
		}
		n.logStore = fs
		fp, err := raft.NewFilePersister(cfg.DataDir)
		if err != nil {
			fs.Close()
			return nil, fmt.Errorf("open persister: %w", err)
		}
		persister = fp
	}

	agent, err := raft.NewAgent(cfg.Raft(logger), n.logStore, persister, n.state, n.pool.Dial)
	if err != nil {
		n.logStore.Close()
		return nil, fmt.Errorf("create agent: %w", err)
	}
	n.agent = agent
	n.agency = agency.New(agent, n.state, logger)

	n.server = rpc.NewServer(cfg.ListenAddr(), rpcLogger)
	if err := n.server.RegisterName(rpc.RaftServiceName, rpc.NewRaftService(agent)); err != nil {
		n.close()
		return nil, fmt.Errorf("register raft service: %w", err)
	}
	n.server.Handle(api.BasePath, api.NewHandler(n.agency, logger))
	return n, nil
}

// Start begins serving peer RPCs and the HTTP API
func (n *Node) Start() error {
	if err := n.server.Start(); err != nil {
		n.close()
		return fmt.Errorf("start server: %w", err)
	}
	n.logger.Info().
		Str("addr", n.server.Addr()).
		Int("members", len(n.cfg.Members)).
		Bool("inMemory", n.cfg.InMemory).
		Msg("node started")
	return nil
}

// Run starts the node and serves until ctx is done
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	n.Stop()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Stop shuts the server and agent down and closes storage
func (n *Node) Stop() {
	n.server.Stop()
	n.close()
}

func (n *Node) close() {
	n.closeOnce.Do(func() {
		n.logger.Info().Msg("shutting down")
		n.agent.Stop()
		n.pool.CloseAll()
		if err := n.logStore.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("failed to close log store")
		}
	})
}

// ID returns the member id
func (n *Node) ID() string {
	return n.cfg.ID
}

// Addr returns the address the node is serving on
func (n *Node) Addr() string {
	return n.server.Addr()
}

// Agent returns the consensus agent
func (n *Node) Agent() *raft.Agent {
	return n.agent
}

// Agency returns the client facade
func (n *Node) Agency() *agency.Agency {
	return n.agency
}
