package harft

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/cuemby/ocapkernel/pkg/log"
	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// Config configures one node of the HA replication group.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Peer is one other server to seed the initial cluster configuration
// with, used only by Bootstrap.
type Peer struct {
	NodeID  string
	Address string
}

// Replicator is the raft-backed replication group for one kernel node.
// Its store's pkg/store.Store is wired with SetReplicator(r) so every
// Set/Delete the leader's kernelstore performs is also committed to
// the raft log and applied to every standby's own store.
type Replicator struct {
	nodeID string
	raft   *raft.Raft
	fsm    *FSM
	logger zerolog.Logger
}

// New constructs the raft group for cfg, wiring it to replicate store's
// contents. It does not join or bootstrap a cluster by itself; call
// Bootstrap once, or add the node from the current leader with AddVoter.
func New(cfg Config, s *store.Store) (*Replicator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("harft: create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	// Tuned down from raft's WAN-oriented defaults (1s/1s/500ms) for a
	// same-datacenter deployment, mirroring the teacher's failover budget.
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("harft: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("harft: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("harft: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("harft: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("harft: create stable store: %w", err)
	}

	fsm := NewFSM(s)
	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("harft: create raft instance: %w", err)
	}

	rep := &Replicator{
		nodeID: cfg.NodeID,
		raft:   r,
		fsm:    fsm,
		logger: log.WithComponent("harft"),
	}
	s.SetReplicator(rep)
	return rep, nil
}

// Bootstrap forms a new cluster whose initial voters are this node plus
// every entry of peers; with no peers it is a single-node cluster.
func (r *Replicator) Bootstrap(selfAddr string, peers []Peer) error {
	servers := []raft.Server{{ID: raft.ServerID(r.nodeID), Address: raft.ServerAddress(selfAddr)}}
	for _, p := range peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(p.NodeID), Address: raft.ServerAddress(p.Address)})
	}

	future := r.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil {
		return fmt.Errorf("harft: bootstrap cluster: %w", err)
	}
	r.logger.Info().Str("node_id", r.nodeID).Msg("bootstrapped HA replication group")
	return nil
}

// AddVoter adds nodeID at address to the cluster. Only the leader can do
// this; raft itself rejects the call otherwise.
func (r *Replicator) AddVoter(nodeID, address string) error {
	future := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("harft: add voter %s: %w", nodeID, err)
	}
	return nil
}

// RemoveServer removes nodeID from the cluster.
func (r *Replicator) RemoveServer(nodeID string) error {
	future := r.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("harft: remove server %s: %w", nodeID, err)
	}
	return nil
}

// IsLeader reports whether this node currently holds raft leadership,
// i.e. whether its pkg/crank loop is the one that should be running.
// Satisfies metrics.HAStatusProvider.
func (r *Replicator) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's advertised address, or "" if
// none is known.
func (r *Replicator) LeaderAddr() string {
	addr, _ := r.raft.LeaderWithID()
	return string(addr)
}

// Stats reports replication status for the Facade's getStatus method
// and pkg/metrics' collector. Satisfies metrics.HAStatusProvider.
func (r *Replicator) Stats() map[string]any {
	stats := map[string]any{
		"state":          r.raft.State().String(),
		"last_log_index": r.raft.LastIndex(),
		"applied_index":  r.raft.AppliedIndex(),
		"leader":         string(r.raft.Leader()),
		"peers":          0,
	}
	if future := r.raft.GetConfiguration(); future.Error() == nil {
		stats["peers"] = len(future.Configuration().Servers)
	}
	return stats
}

// Shutdown stops the raft group, releasing its log/stable/snapshot stores.
func (r *Replicator) Shutdown() error {
	return r.raft.Shutdown().Error()
}

// ReplicateSet implements store.Replicator: it commits a set edit to
// the raft log, which every node's FSM.Apply then applies to its own
// store (including this one, via raft's own log replay to the leader).
func (r *Replicator) ReplicateSet(key string, value []byte) error {
	return r.apply(opSet, kvEdit{Key: key, Value: value})
}

// ReplicateDelete implements store.Replicator for key deletions.
func (r *Replicator) ReplicateDelete(key string) error {
	return r.apply(opDelete, kvEdit{Key: key})
}

func (r *Replicator) apply(op string, edit kvEdit) error {
	data, err := json.Marshal(edit)
	if err != nil {
		return fmt.Errorf("harft: marshal edit: %w", err)
	}
	cmd := types.Command{Op: op, Data: data}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("harft: marshal command: %w", err)
	}

	future := r.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("harft: apply command: %w", err)
	}
	if fsmErr, ok := future.Response().(error); ok && fsmErr != nil {
		return fmt.Errorf("harft: fsm rejected command: %w", fsmErr)
	}
	return nil
}
