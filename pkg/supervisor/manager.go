package supervisor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/cuemby/ocapkernel/pkg/crank"
	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/kevents"
	"github.com/cuemby/ocapkernel/pkg/log"
	"github.com/cuemby/ocapkernel/pkg/metrics"
	"github.com/cuemby/ocapkernel/pkg/security"
	"github.com/cuemby/ocapkernel/pkg/vathealth"
)

var _ vathealth.Pinger = (*Manager)(nil)

// Manager is the kernel-side endpoint vat supervisors dial into. It
// accepts one DeliveryStream per vat, mTLS-secured exactly as the
// teacher's pkg/api/server.go secures manager<->worker traffic, and
// implements crank.Dispatcher by routing each Delivery to the connected
// vat's Handle.
type Manager struct {
	grpcServer *grpc.Server
	store      *kernelstore.Store
	syscalls   SyscallHandler
	events     *kevents.Broker

	mu      sync.RWMutex
	handles map[string]*Handle
}

var _ crank.Dispatcher = (*Manager)(nil)
var _ streamServer = (*Manager)(nil)

// NewManager builds a Manager listening with the given server certificate,
// trusting client certificates signed by ca.
func NewManager(store *kernelstore.Store, syscalls SyscallHandler, events *kevents.Broker, ca *security.CertAuthority, serverCert *tls.Certificate) (*Manager, error) {
	pool := x509.NewCertPool()
	rootDER := ca.GetRootCACert()
	if rootDER == nil {
		return nil, kernelerr.New(kernelerr.Internal, "certificate authority not initialized")
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.Internal, "parse root CA certificate", err)
	}
	pool.AddCert(rootCert)

	tlsConfig := &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{*serverCert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}
	creds := credentials.NewTLS(tlsConfig)
	grpcServer := grpc.NewServer(grpc.Creds(creds))

	m := &Manager{
		grpcServer: grpcServer,
		store:      store,
		syscalls:   syscalls,
		events:     events,
		handles:    make(map[string]*Handle),
	}
	grpcServer.RegisterService(&ServiceDesc, m)
	return m, nil
}

// Start listens on addr and serves the DeliveryStream until Stop is called.
func (m *Manager) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	log.WithComponent("supervisor").Info().Str("addr", addr).Msg("vat supervisor endpoint listening")
	return m.grpcServer.Serve(lis)
}

// Stop gracefully stops the gRPC server, closing every connected stream.
func (m *Manager) Stop() {
	m.grpcServer.GracefulStop()
}

// handleStream is the DeliveryStream RPC handler: it reads the vat's
// Hello, registers a Handle for the remainder of the connection's
// lifetime, and runs that Handle's receive loop until the stream closes.
func (m *Manager) handleStream(stream grpc.ServerStream) error {
	var env Envelope
	if err := stream.RecvMsg(&env); err != nil {
		return err
	}
	if env.Kind != EnvelopeHello || env.Hello == nil || env.Hello.VatID == "" {
		return kernelerr.New(kernelerr.InvalidEnvelope, "expected hello as first message on DeliveryStream")
	}
	vatID := env.Hello.VatID

	h := newHandle(vatID, stream, m.store, m.syscalls)
	m.mu.Lock()
	m.handles[vatID] = h
	m.mu.Unlock()
	metrics.SupervisorConnectionsTotal.Inc()
	if m.events != nil {
		m.events.Publish(&kevents.Event{Type: kevents.SupervisorUp, Message: vatID})
	}

	defer func() {
		m.mu.Lock()
		delete(m.handles, vatID)
		m.mu.Unlock()
		metrics.SupervisorConnectionsTotal.Dec()
		if m.events != nil {
			m.events.Publish(&kevents.Event{Type: kevents.SupervisorDown, Message: vatID})
		}
	}()

	return h.recvLoop()
}

// Handle returns the live connection for vatID, if any.
func (m *Manager) Handle(vatID string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[vatID]
	return h, ok
}

// Ping implements vathealth.Pinger. It does not round-trip a message
// over the duplex stream — the stream has no dedicated ping delivery
// kind, and vatprogram's dispatcher would have to grow one just to
// answer it — so this reports liveness the same way Handle itself
// already treats the connection: present in m.handles means healthy,
// absent (never connected, or recvLoop has returned) means not.
func (m *Manager) Ping(ctx context.Context, vatID string) vathealth.Result {
	start := time.Now()
	_, ok := m.Handle(vatID)
	return vathealth.Result{
		Healthy:  ok,
		Message:  pingMessage(ok, vatID),
		Duration: time.Since(start),
	}
}

func pingMessage(ok bool, vatID string) string {
	if ok {
		return "supervisor connection open for " + vatID
	}
	return "no supervisor connection for " + vatID
}

// Deliver implements crank.Dispatcher, routing to the connected vat's
// Handle and failing with VatNotFound if the vat has no live stream —
// pkg/crank treats that identically to any other delivery failure and
// terminates the vat.
func (m *Manager) Deliver(ctx context.Context, vatID string, d crank.Delivery) (crank.DeliveryResult, error) {
	h, ok := m.Handle(vatID)
	if !ok {
		return crank.DeliveryResult{}, kernelerr.New(kernelerr.VatNotFound, "vat "+vatID+" has no supervisor connection")
	}
	return h.Deliver(ctx, vatID, d)
}
