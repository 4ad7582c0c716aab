// Package supervisor is the kernel side of the vat supervisor connection
// described in spec §4.6: one Handle per running vat, backed by a
// bidirectional gRPC stream that carries Deliveries one way and Syscalls
// (interleaved with their synchronous results) the other, paired by a
// final Reply per delivery.
//
// There is no protobuf-generated service for this stream anywhere in the
// teacher's retrieved sources (the teacher's own manager<->worker RPC is
// generated from a proto file this module never received), so the single
// RPC is described by a hand-written grpc.ServiceDesc and carries a plain
// Go Envelope struct through a registered "json" codec instead of
// generated message types. Everything else — mTLS setup, certificate
// bootstrap, connect/registration flow — follows pkg/api/server.go and
// pkg/worker/worker.go's shape directly, with vat identity in place of
// node identity.
package supervisor
