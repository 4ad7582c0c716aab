package harft

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ocapkernel/pkg/store"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newNode(t *testing.T, nodeID string) (*Replicator, *store.Store, string) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	addr := freeAddr(t)
	rep, err := New(Config{NodeID: nodeID, BindAddr: addr, DataDir: t.TempDir()}, s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rep.Shutdown() })

	return rep, s, addr
}

func TestBootstrapSingleNodeBecomesLeader(t *testing.T) {
	rep, _, addr := newNode(t, "n1")
	require.NoError(t, rep.Bootstrap(addr, nil))

	require.Eventually(t, rep.IsLeader, time.Second, 10*time.Millisecond)

	stats := rep.Stats()
	assert.Equal(t, "Leader", stats["state"])
	assert.Equal(t, 1, stats["peers"])
}

func TestReplicatedSetAppliesToFollowerStore(t *testing.T) {
	repA, storeA, addrA := newNode(t, "n1")
	repB, storeB, addrB := newNode(t, "n2")

	// Only the first node calls Bootstrap, naming both servers as initial
	// voters; n2 just listens and joins once n1 replicates that
	// configuration to it, matching raft's own bootstrap contract.
	require.NoError(t, repA.Bootstrap(addrA, []Peer{{NodeID: "n2", Address: addrB}}))
	require.Eventually(t, repA.IsLeader, time.Second, 10*time.Millisecond)
	assert.False(t, repB.IsLeader())

	require.NoError(t, storeA.Set("hello", []byte("world")))

	require.Eventually(t, func() bool {
		v, ok, err := storeB.Get("hello")
		return err == nil && ok && string(v) == "world"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAddVoterRejectedOnNonLeader(t *testing.T) {
	repA, _, addrA := newNode(t, "n1")
	repB, _, addrB := newNode(t, "n2")
	_ = addrB

	require.NoError(t, repA.Bootstrap(addrA, nil))
	require.Eventually(t, repA.IsLeader, time.Second, 10*time.Millisecond)

	require.False(t, repB.IsLeader())
	err := repB.AddVoter("n3", "127.0.0.1:1")
	require.Error(t, err)
}
