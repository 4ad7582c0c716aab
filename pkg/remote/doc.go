/*
Package remote is the kernel's remote communications subsystem (spec
§4.9): it treats a peer kernel as an additional vat whose clist spans
peer boundaries, carrying sends across an authenticated peer-to-peer
transport and issuing bearer-capability "ocap URLs" that name a kref on
a specific peer.

# Identity

Each kernel instance generates an Ed25519 keypair (crypto/ed25519,
stdlib) at first run and persists it under its cert directory next to
pkg/security's CA material. The kernel's application-facing peerID is
the base32 SHA-256 fingerprint of the public key — stable, short, and
safe to embed in an ocap URL. This is distinct from the libp2p-internal
peer.ID, which libp2p derives from the same public key via its own
multihash formula and which the transport's Noise/TLS handshake
verifies independently; PeerRecord keeps both the fingerprint and the
raw public key so either form can be reconstructed.

# Transport

Manager wraps a github.com/libp2p/go-libp2p host. One substream
protocol, "/ocapkernel/deliver/1.0.0", carries length-prefixed JSON
remoteDeliver envelopes in both directions — see protocol.go. There is
no full libp2p host example anywhere in the retrieved reference
sources, so host construction follows upstream libp2p's documented
functional-options pattern (libp2p.New(...)), the idiomatic way every
consumer of that module builds one.

# Ocap URLs

An ocap URL has the form "ocap://<peerId>/<swissnum>". Swissnum is an
unguessable 256-bit bearer token bound to one local kref; issuing and
redeeming it reuses the teacher's JoinToken generate/validate/revoke
shape (pkg/manager/token.go), generalized from cluster join tokens to
capability tokens and persisted through pkg/kernelstore rather than
kept in an in-memory map, since an ocap URL must survive a kernel
restart to remain redeemable.

# Incarnation

Each kernel carries a monotonic incarnation counter, persisted via
pkg/kernelstore.BumpIncarnation and bumped once at startup before this
package announces remoteIncarnationChange to every remembered peer.
Peers receiving a bump reject every in-flight promise they were holding
toward the old incarnation rather than attempting reassociation, per
spec.md §4.9's "Open Questions" resolution.
*/
package remote
