// Package facade is the kernel's administrative RPC surface: JSON-RPC 2.0
// request/response correlated by id, carried over a duplex net.Conn (a
// unix socket for a kernel and its local CLI, TCP for a remote daemon).
// No JSON-RPC2 codec appears anywhere in the retrieved reference corpus —
// unlike every other wire boundary in this module, which reuses a
// teacher/pack library (grpc, raft, libp2p), this one is implemented
// directly on encoding/json and net, the one ambient concern deliberately
// left on the standard library (see DESIGN.md).
//
// Server mirrors the shape of the teacher's pkg/api/server.go: one
// struct wrapping the kernel's domain types, one method per RPC, a
// dispatch table keyed by method name instead of a generated gRPC
// service descriptor. Every method here is a transactional kernel-side
// operation; none of it is reachable from inside a vat.
package facade
