package harft

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/cuemby/ocapkernel/pkg/metrics"
	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/types"
)

const (
	opSet    = "set"
	opDelete = "delete"
)

// kvEdit is the payload of a Command whose Op is opSet or opDelete.
type kvEdit struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// FSM applies replicated key-value edits to a standby's pkg/store. It is
// installed as the raft.FSM for every node in the group, including the
// leader, so a former leader that loses an election already has a
// materialized store to read from as a standby.
type FSM struct {
	store *store.Store
}

// NewFSM wraps store as a raft finite state machine.
func NewFSM(s *store.Store) *FSM {
	return &FSM{store: s}
}

// Apply applies one committed raft log entry to the underlying store.
func (f *FSM) Apply(log *raft.Log) interface{} {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HAApplyDuration)

	var cmd types.Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("harft: unmarshal command: %w", err)
	}

	var edit kvEdit
	if err := json.Unmarshal(cmd.Data, &edit); err != nil {
		return fmt.Errorf("harft: unmarshal edit: %w", err)
	}

	switch cmd.Op {
	case opSet:
		return f.store.ApplyReplicated(edit.Key, edit.Value)
	case opDelete:
		return f.store.ApplyReplicatedDelete(edit.Key)
	default:
		return fmt.Errorf("harft: unknown command op %q", cmd.Op)
	}
}

// Snapshot captures the entire kv table for raft's snapshotting.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	kv, err := f.store.DumpAll()
	if err != nil {
		return nil, fmt.Errorf("harft: dump store for snapshot: %w", err)
	}
	return &fsmSnapshot{kv: kv}, nil
}

// Restore replaces the store's contents with a previously persisted
// snapshot. Raft calls this with the store's write path quiesced.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var kv map[string][]byte
	if err := json.NewDecoder(rc).Decode(&kv); err != nil {
		return fmt.Errorf("harft: decode snapshot: %w", err)
	}
	return f.store.LoadAll(kv)
}

// fsmSnapshot is the raft.FSMSnapshot for one point-in-time kv dump.
type fsmSnapshot struct {
	kv map[string][]byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.kv); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
