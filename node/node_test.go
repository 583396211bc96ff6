package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/goyalg325/agency/agency"
	"github.com/goyalg325/agency/api"
	"github.com/goyalg325/agency/config"
)

// freeAddrs reserves n loopback addresses
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	listeners := make([]net.Listener, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = l
		addrs[i] = l.Addr().String()
	}
	for _, l := range listeners {
		l.Close()
	}
	return addrs
}

type testCluster struct {
	t     *testing.T
	cfgs  []config.Config
	nodes []*Node
}

// startCluster runs size in-memory members on loopback
func startCluster(t *testing.T, size int, mutate func(*config.Config)) *testCluster {
	t.Helper()
	addrs := freeAddrs(t, size)
	members := make(map[string]string, size)
	for i, addr := range addrs {
		members[fmt.Sprintf("n%d", i+1)] = addr
	}

	tc := &testCluster{t: t}
	for i := 0; i < size; i++ {
		cfg := config.Default()
		cfg.ID = fmt.Sprintf("n%d", i+1)
		cfg.Members = members
		cfg.InMemory = true
		cfg.RPCTimeout = config.Duration{Duration: 200 * time.Millisecond}
		if mutate != nil {
			mutate(&cfg)
		}
		tc.cfgs = append(tc.cfgs, cfg)
		tc.nodes = append(tc.nodes, tc.start(cfg))
	}
	t.Cleanup(tc.stopAll)
	return tc
}

func (tc *testCluster) start(cfg config.Config) *Node {
	tc.t.Helper()
	n, err := New(cfg, zerolog.Nop())
	require.NoError(tc.t, err)
	require.NoError(tc.t, n.Start())
	return n
}

func (tc *testCluster) stopAll() {
	for _, n := range tc.nodes {
		if n != nil {
			n.Stop()
		}
	}
}

func (tc *testCluster) stop(i int) {
	tc.nodes[i].Stop()
	tc.nodes[i] = nil
}

func (tc *testCluster) endpoints() []string {
	var eps []string
	for _, cfg := range tc.cfgs {
		eps = append(eps, cfg.Members[cfg.ID])
	}
	return eps
}

// leader waits for exactly one running member to claim leadership
func (tc *testCluster) leader() int {
	tc.t.Helper()
	leader := -1
	require.Eventually(tc.t, func() bool {
		leader = -1
		for i, n := range tc.nodes {
			if n == nil {
				continue
			}
			if _, isLeader := n.Agent().GetState(); isLeader {
				if leader != -1 {
					return false
				}
				leader = i
			}
		}
		return leader != -1
	}, 5*time.Second, 20*time.Millisecond, "no leader elected")
	return leader
}

func newClient(endpoints []string) *api.Client {
	opts := api.DefaultClientOptions()
	opts.RequestTimeout = 2 * time.Second
	opts.MaxRetries = 20
	opts.Backoff = 50 * time.Millisecond
	return api.NewClient(endpoints, opts)
}

func ops(docs ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(docs))
	for i, d := range docs {
		out[i] = json.RawMessage(d)
	}
	return out
}

func TestClusterWriteRead(t *testing.T) {
	tc := startCluster(t, 3, nil)
	leader := tc.leader()
	client := newClient(tc.endpoints())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	indices, err := client.Write(ctx, ops(`{"a":1}`, `{"b":{"c":2}}`), agency.AckWaitForCommitted)
	require.NoError(t, err)
	require.Len(t, indices, 2)
	assert.Equal(t, indices[0]+1, indices[1])

	results, err := client.Read(ctx, ops(`["a","b"]`, `"missing"`))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.JSONEq(t, `{"a":1,"b":{"c":2}}`, string(results[0]))
	assert.JSONEq(t, `{}`, string(results[1]))

	// Every member applies the batch
	for _, n := range tc.nodes {
		n := n
		assert.Eventually(t, func() bool {
			return n.Agent().LastApplied() >= indices[1]
		}, 2*time.Second, 10*time.Millisecond, "member %s did not apply", n.ID())
	}

	// Followers answer introspection locally and name the leader
	for i, n := range tc.nodes {
		if i == leader {
			continue
		}
		cfg, err := newClient([]string{n.Addr()}).Config(ctx)
		require.NoError(t, err)
		assert.Equal(t, tc.nodes[leader].ID(), cfg.LeaderID)
		assert.Equal(t, n.ID(), cfg.Configuration.SelfID)
		assert.Len(t, cfg.Configuration.Members, 3)
		assert.NotZero(t, cfg.Term)
	}

	state, err := client.State(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(state), 2)
	last := state[len(state)-1]
	assert.Equal(t, indices[1], last.Index)
	assert.Equal(t, tc.nodes[leader].ID(), last.Leader)
	assert.JSONEq(t, `{"b":{"c":2}}`, string(last.Query))

	// Re-proposing the current membership goes through the log like any write
	membership, err := client.ChangeMembership(ctx, tc.cfgs[0].Members, agency.AckWaitForCommitted)
	require.NoError(t, err)
	require.Len(t, membership, 1)
	assert.Greater(t, membership[0], indices[1])
}

func TestClusterConcurrentWriters(t *testing.T) {
	tc := startCluster(t, 3, nil)
	tc.leader()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const writers, perWriter = 4, 5
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		w := w
		client := newClient(tc.endpoints())
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				op := fmt.Sprintf(`{"w%d-%d":%d}`, w, i, i)
				if _, err := client.Write(gctx, ops(op), agency.AckWaitForCommitted); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var queries []string
	for w := 0; w < writers; w++ {
		queries = append(queries, fmt.Sprintf(`"w%d-%d"`, w, perWriter-1))
	}
	results, err := newClient(tc.endpoints()).Read(ctx, ops(queries...))
	require.NoError(t, err)
	for w, r := range results {
		assert.JSONEq(t, fmt.Sprintf(`{"w%d-%d":%d}`, w, perWriter-1, perWriter-1), string(r))
	}
}

func TestClusterLeaderFailover(t *testing.T) {
	tc := startCluster(t, 3, nil)
	oldLeader := tc.leader()
	client := newClient(tc.endpoints())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_, err := client.Write(ctx, ops(`{"before":"crash"}`), agency.AckWaitForCommitted)
	require.NoError(t, err)

	oldTerm := tc.nodes[oldLeader].Agent().Term()
	tc.stop(oldLeader)

	newLeader := tc.leader()
	assert.NotEqual(t, oldLeader, newLeader)
	assert.Greater(t, tc.nodes[newLeader].Agent().Term(), oldTerm)

	_, err = client.Write(ctx, ops(`{"after":"crash"}`), agency.AckWaitForCommitted)
	require.NoError(t, err)

	results, err := client.Read(ctx, ops(`["before","after"]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"before":"crash","after":"crash"}`, string(results[0]))
}

func TestRestartRecoversFromDisk(t *testing.T) {
	addr := freeAddrs(t, 1)[0]
	cfg := config.Default()
	cfg.ID = "n1"
	cfg.Members = map[string]string{"n1": addr}
	cfg.DataDir = t.TempDir()
	// Reads need an entry of the leader's own term after the restart
	cfg.ElectionNoop = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, n.Start())

	client := newClient([]string{addr})
	indices, err := client.Write(ctx, ops(`{"k":"v"}`, `{"gone":true}`, `{"gone":null}`), agency.AckWaitForCommitted)
	require.NoError(t, err)
	term := n.Agent().Term()
	n.Stop()

	n, err = New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer n.Stop()

	results, err := client.Read(ctx, ops(`["k","gone"]`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(results[0]))
	assert.Greater(t, n.Agent().Term(), term)
	assert.Greater(t, n.Agent().CommitIndex(), indices[2])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ID = "n1"
	cfg.Members = map[string]string{"n2": "127.0.0.1:1"}
	_, err := New(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, config.ErrInvalid)
}
