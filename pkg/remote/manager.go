package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/cuemby/ocapkernel/pkg/capdata"
	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/kevents"
	"github.com/cuemby/ocapkernel/pkg/log"
	"github.com/cuemby/ocapkernel/pkg/promise"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// Config configures one kernel instance's remote comms subsystem.
type Config struct {
	CertDir     string   // where the Ed25519 identity is persisted
	ListenAddrs []string // multiaddr strings, e.g. "/ip4/0.0.0.0/tcp/4001"
}

// Manager is the kernel-side remote comms subsystem: it owns the libp2p
// host, the swissnum issuer, and the incarnation counter, and implements
// crank.RemoteDispatcher so the scheduler can hand it outbound sends
// exactly like any other delivery destination.
type Manager struct {
	identity    *Identity
	listenAddrs []string
	host        host.Host
	store       *kernelstore.Store
	promises    *promise.Engine
	swissnum    *SwissnumIssuer
	events      *kevents.Broker
	logger      zerolog.Logger

	mu    sync.Mutex
	conns map[string]network.Stream // peerID -> open outbound stream, reused across sends
}

// NewManager loads or creates this kernel's identity and prepares (but
// does not yet start listening) the remote comms subsystem.
func NewManager(cfg Config, store *kernelstore.Store, events *kevents.Broker) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	identity, err := LoadOrCreateIdentity(cfg.CertDir)
	if err != nil {
		return nil, fmt.Errorf("load remote identity: %w", err)
	}
	return &Manager{
		identity:    identity,
		listenAddrs: cfg.ListenAddrs,
		store:       store,
		promises:    promise.New(store),
		swissnum:    NewSwissnumIssuer(store, identity.PeerID),
		events:      events,
		logger:      log.WithPeerID(identity.PeerID),
		conns:       make(map[string]network.Stream),
	}, nil
}

func (cfg Config) validate() error {
	for _, a := range cfg.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(a); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", a, err)
		}
	}
	return nil
}

// PeerID returns this kernel instance's application-facing peerID.
func (m *Manager) PeerID() string { return m.identity.PeerID }

// Swissnum exposes the ocap URL issuer for pkg/facade.
func (m *Manager) Swissnum() *SwissnumIssuer { return m.swissnum }

// Redeem resolves an ocap URL to a local kref: redeeming a URL this
// kernel itself issued returns the bound local kref directly (per
// spec.md §4.9's "issuing kernel" case), while redeeming one issued by
// another peer creates (or reuses) a remote-presence object whose
// OwnerVat names that peer, so the crank scheduler's existing
// KindRemote routing (see pkg/crank.crankRemoteSend) picks it up with no
// further special-casing. pubKey and addrs describe how to reach the
// issuing peer and are only consulted when no PeerRecord for that peer
// exists yet; a known peer keeps its stored key and addresses.
func (m *Manager) Redeem(url string, pubKey []byte, addrs []string) (types.Ref, error) {
	parsed, err := ParseURL(url)
	if err != nil {
		return types.Ref{}, err
	}

	if parsed.PeerID == m.identity.PeerID {
		return m.swissnum.RedeemLocal(parsed.Swissnum)
	}

	if existing, ok, err := m.store.GetRemoteBinding(parsed.PeerID, parsed.Swissnum); err != nil {
		return types.Ref{}, err
	} else if ok {
		return types.ParseRef(existing)
	}

	peerRec, ok, err := m.store.GetPeer(parsed.PeerID)
	if err != nil {
		return types.Ref{}, err
	}
	if !ok {
		peerRec = &types.PeerRecord{PeerID: parsed.PeerID, PublicKey: pubKey, Multiaddrs: addrs}
		if err := m.store.SavePeer(peerRec); err != nil {
			return types.Ref{}, err
		}
	}

	kref, err := m.store.NextKref(types.KindRemote)
	if err != nil {
		return types.Ref{}, err
	}
	if err := m.store.PutObject(&types.ObjectRecord{Kref: kref.String(), OwnerVat: parsed.PeerID}); err != nil {
		return types.Ref{}, err
	}
	if err := m.store.SaveRemoteBinding(parsed.PeerID, parsed.Swissnum, kref.String()); err != nil {
		return types.Ref{}, err
	}
	return kref, nil
}

// Start brings up the libp2p host, registers the deliver stream handler,
// bumps this kernel's incarnation counter, and announces the bump to
// every remembered peer.
func (m *Manager) Start(ctx context.Context) error {
	priv, err := m.identity.Libp2pPrivKey()
	if err != nil {
		return err
	}

	opts := []libp2p.Option{libp2p.Identity(priv)}
	if len(m.listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(m.listenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("start libp2p host: %w", err)
	}
	m.host = h
	m.host.SetStreamHandler(deliverProtocol, m.handleStream)

	incarnation, err := m.store.BumpIncarnation()
	if err != nil {
		return fmt.Errorf("bump incarnation: %w", err)
	}
	m.logger.Info().Uint64("incarnation", incarnation).Msg("remote comms started")

	m.announceIncarnationBump(ctx, incarnation)
	return nil
}

// Close shuts down the libp2p host and every cached outbound stream.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, s := range m.conns {
		_ = s.Close()
	}
	m.conns = map[string]network.Stream{}
	m.mu.Unlock()

	if m.host == nil {
		return nil
	}
	return m.host.Close()
}

// announceIncarnationBump best-effort notifies every remembered peer
// that this kernel restarted; a peer that is unreachable right now will
// observe the bump the next time it receives any envelope from us, since
// every envelope (not only the dedicated bump one) carries Incarnation.
func (m *Manager) announceIncarnationBump(ctx context.Context, incarnation uint64) {
	peers, err := m.store.ListPeers()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list peers for incarnation announcement")
		return
	}
	for _, p := range peers {
		go func(p *types.PeerRecord) {
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := m.send(sendCtx, p, incarnationBumpEnvelope(m.identity.PeerID, incarnation)); err != nil {
				m.logger.Warn().Err(err).Str("peer", p.PeerID).Msg("failed to announce incarnation bump")
			}
		}(p)
	}
}

// Deliver implements crank.RemoteDispatcher: it hands one outbound send
// to peerID's deliver stream. The eventual reply arrives asynchronously
// as an AcceptedDelivery on the acceptance queue, promoted by the crank
// loop like any other inbound remote message.
func (m *Manager) Deliver(ctx context.Context, peerID string, entry types.RunqueueEntry) error {
	peerRec, ok, err := m.store.GetPeer(peerID)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerr.New(kernelerr.UnknownPeer, "unknown peer: "+peerID)
	}

	incarnation, err := m.store.Incarnation()
	if err != nil {
		return err
	}

	return m.send(ctx, peerRec, remoteDeliver{
		From:        m.identity.PeerID,
		Incarnation: incarnation,
		Target:      entry.Target,
		Method:      entry.Method,
		Args:        entry.Args,
		ResultProm:  entry.ResultPromise,
	})
}

// send opens (or reuses) a stream to peerRec and writes one envelope.
func (m *Manager) send(ctx context.Context, peerRec *types.PeerRecord, d remoteDeliver) error {
	stream, err := m.streamTo(ctx, peerRec)
	if err != nil {
		return err
	}
	if err := writeEnvelope(stream, d); err != nil {
		m.mu.Lock()
		delete(m.conns, peerRec.PeerID)
		m.mu.Unlock()
		_ = stream.Close()
		return kernelerr.Wrap(kernelerr.PeerUnreachable, "send to peer "+peerRec.PeerID, err)
	}
	return nil
}

func (m *Manager) streamTo(ctx context.Context, peerRec *types.PeerRecord) (network.Stream, error) {
	m.mu.Lock()
	if s, ok := m.conns[peerRec.PeerID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	pubKey, err := libp2pcrypto.UnmarshalEd25519PublicKey(peerRec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode peer %s public key: %w", peerRec.PeerID, err)
	}
	pid, err := peer.IDFromPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("derive libp2p peer ID for %s: %w", peerRec.PeerID, err)
	}

	addrs := make([]multiaddr.Multiaddr, 0, len(peerRec.Multiaddrs))
	for _, a := range peerRec.Multiaddrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("peer %s has invalid multiaddr %q: %w", peerRec.PeerID, a, err)
		}
		addrs = append(addrs, ma)
	}

	m.host.Peerstore().AddAddrs(pid, addrs, peerstore.PermanentAddrTTL)
	if err := m.host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: addrs}); err != nil {
		return nil, kernelerr.Wrap(kernelerr.PeerUnreachable, "connect to peer "+peerRec.PeerID, err)
	}

	stream, err := m.host.NewStream(ctx, pid, deliverProtocol)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.PeerUnreachable, "open stream to peer "+peerRec.PeerID, err)
	}

	m.mu.Lock()
	m.conns[peerRec.PeerID] = stream
	m.mu.Unlock()
	return stream, nil
}

// handleStream is the deliver protocol's inbound side: it reads
// envelopes in a loop for the lifetime of the stream, since a peer may
// send several deliveries over one connection.
func (m *Manager) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer().String()

	for {
		d, err := readEnvelope(s)
		if err != nil {
			if m.events != nil {
				m.events.Publish(&kevents.Event{Type: kevents.VatCrashed, Message: "remote stream from " + remote + " closed: " + err.Error()})
			}
			return
		}
		if err := m.handleEnvelope(d); err != nil {
			m.logger.Error().Err(err).Str("from", d.From).Msg("failed to handle remote envelope")
		}
	}
}

func (m *Manager) handleEnvelope(d remoteDeliver) error {
	if err := m.reconcileIncarnation(d.From, d.Incarnation); err != nil {
		return err
	}
	if d.isIncarnationBump() {
		return nil
	}
	return m.store.AcceptDelivery(types.AcceptedDelivery{
		FromPeer: d.From, Incarnation: d.Incarnation,
		Target: d.Target, Method: d.Method, Args: d.Args, ResultPromise: d.ResultProm,
	})
}

// reconcileIncarnation updates the remembered incarnation for fromPeer
// and, if it increased, rejects every unresolved promise that peer was
// deciding — spec.md §4.9: "Peers receiving a bump MUST reject in-flight
// promises issued under the old incarnation," resolved (per §9's open
// question) as reject-outright rather than attempt reassociation.
func (m *Manager) reconcileIncarnation(fromPeer string, incarnation uint64) error {
	peerRec, ok, err := m.store.GetPeer(fromPeer)
	if err != nil {
		return err
	}
	if !ok {
		peerRec = &types.PeerRecord{PeerID: fromPeer}
	}
	bumped := incarnation > peerRec.Incarnation
	peerRec.Incarnation = incarnation
	peerRec.LastSeen = time.Now()
	if err := m.store.SavePeer(peerRec); err != nil {
		return err
	}
	if !bumped {
		return nil
	}

	rejection, err := capdata.Marshal(capdata.TaggedError{
		Name: "incarnation-mismatch", Message: fromPeer + " restarted; rejecting prior promises",
	})
	if err != nil {
		return err
	}
	promises, err := m.store.ListPromises()
	if err != nil {
		return err
	}
	for _, p := range promises {
		if p.DeciderVat == fromPeer && p.State == types.PromiseUnresolved {
			if err := m.promises.Resolve(p.Kref, rejection, true); err != nil {
				return err
			}
		}
	}
	return nil
}
