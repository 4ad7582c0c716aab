// Package harft is the kernel's optional HA replication layer: a
// hashicorp/raft group whose log carries every key-value mutation the
// leader's pkg/store makes, so a standby kernel can stay warm and take
// over the live pkg/crank loop on leader failover without replaying
// vat bundles or losing clist/promise state.
//
// Unlike the teacher's manager.Command, which named domain operations
// ("create_node", "update_service", ...) and replayed them against a
// typed storage.Store, harft's Command carries raw key-value edits
// ("set"/"delete" against pkg/store's flat kv table). The kernel's own
// store has no typed per-entity API to replay against — kernelstore
// already reduces every record to a key prefix over one kv table — so
// replicating at that layer, rather than re-dispatching named ops,
// keeps the FSM oblivious to what a key means. Leadership is not
// required for correctness of a single unreplicated kernel: harft is
// entirely optional, and a kernel started without a Config has no
// replication at all.
//
// Only the elected leader's pkg/crank loop runs cranks and mutates its
// pkg/store; standbys apply the replicated log to their own copy via
// FSM.Apply and otherwise sit idle, ready to promote.
package harft
