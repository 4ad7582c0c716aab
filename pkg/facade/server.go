package facade

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ocapkernel/pkg/crank"
	"github.com/cuemby/ocapkernel/pkg/harft"
	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/kevents"
	"github.com/cuemby/ocapkernel/pkg/log"
	"github.com/cuemby/ocapkernel/pkg/metrics"
	"github.com/cuemby/ocapkernel/pkg/promise"
	"github.com/cuemby/ocapkernel/pkg/remote"
	"github.com/cuemby/ocapkernel/pkg/security"
	"github.com/cuemby/ocapkernel/pkg/vathealth"
	"github.com/cuemby/ocapkernel/pkg/workerservice"
)

// startVatTimeout bounds how long launchVat/restartVat wait for a newly
// spawned supervisor process to dial back in before giving up.
const startVatTimeout = 15 * time.Second

// Config holds everything launchVat/launchSubcluster need to actually
// spawn a vat supervisor process, beyond the kernel's own store and
// scheduler wiring.
type Config struct {
	// KernelAddr is pkg/supervisor.Manager's listen address, passed to
	// every spawned vat supervisor so it knows where to dial back.
	KernelAddr string
	// BundleDir is where launchVat stages each vat's gzip bundle before
	// handing its path to the Launcher.
	BundleDir string
	// CertAuthority issues each vat's mTLS client identity.
	CertAuthority *security.CertAuthority
	// Launcher starts the vat supervisor process itself.
	Launcher workerservice.Launcher
}

// Server is the Facade: the kernel-side endpoint that answers
// administrative RPCs over a JSON-RPC2 connection. It mirrors the shape
// of the teacher's pkg/api/server.go, wrapping the kernel's domain types
// instead of a single manager.
type Server struct {
	store      *kernelstore.Store
	dispatcher crank.Dispatcher
	pinger     vathealth.Pinger
	promises   *promise.Engine
	health     *vathealth.Monitor
	events     *kevents.Broker
	cfg        Config
	logger     zerolog.Logger

	mu      sync.Mutex
	remote  *remote.Manager   // optional, nil if remote comms is disabled
	ha      *harft.Replicator // optional, nil if HA replication is disabled
	handles map[string]workerservice.Handle
}

// NewServer builds a Facade over the kernel's already-constructed
// scheduler wiring. dispatcher and pinger are typically the same
// *supervisor.Manager value: dispatcher issues StartVat/StopVat
// deliveries, pinger answers pingVat and the wait-for-connect loop
// launchVat needs after spawning a fresh process.
func NewServer(store *kernelstore.Store, dispatcher crank.Dispatcher, pinger vathealth.Pinger, promises *promise.Engine, health *vathealth.Monitor, events *kevents.Broker, cfg Config) *Server {
	return &Server{
		store:      store,
		dispatcher: dispatcher,
		pinger:     pinger,
		promises:   promises,
		health:     health,
		events:     events,
		cfg:        cfg,
		logger:     log.WithComponent("facade"),
		handles:    make(map[string]workerservice.Handle),
	}
}

// SetRemote attaches the remote comms subsystem so getStatus can report
// this kernel's peerID and issueURL/redeemURL become available. Safe to
// call after NewServer, before Serve.
func (s *Server) SetRemote(m *remote.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = m
}

// SetHA attaches the HA replication group so getStatus can report
// leader/peer/applied-index information. Safe to call after NewServer,
// before Serve.
func (s *Server) SetHA(r *harft.Replicator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ha = r
}

// Serve accepts connections on ln until ctx is done, handling each on
// its own goroutine. A single connection may carry many requests in
// sequence (the CLI keeps one open for its lifetime); each request is
// dispatched and answered independently, so a slow method never blocks
// a concurrently arriving one on the same connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Msg("facade connection read failed")
			}
			return
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			resp := s.handleRequest(ctx, req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := json.NewEncoder(conn).Encode(resp); err != nil {
				s.logger.Debug().Err(err).Msg("facade connection write failed")
			}
		}(req)
	}
}

func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FacadeRequestDuration, req.Method)

	result, err := s.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		metrics.FacadeRequestsTotal.WithLabelValues(req.Method, "error").Inc()
		return errorResponse(req.ID, asKernelError(err))
	}
	metrics.FacadeRequestsTotal.WithLabelValues(req.Method, "ok").Inc()
	return resultResponse(req.ID, result)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "getStatus":
		return s.getStatus(ctx)
	case "launchSubcluster":
		return s.launchSubcluster(ctx, params)
	case "terminateSubcluster":
		return s.terminateSubcluster(ctx, params)
	case "reloadSubcluster":
		return s.reloadSubcluster(ctx, params)
	case "launchVat":
		return s.launchVat(ctx, params)
	case "restartVat":
		return s.restartVat(ctx, params)
	case "terminateVat":
		return s.terminateVat(ctx, params)
	case "pingVat":
		return s.pingVat(ctx, params)
	case "queueMessage":
		return s.queueMessage(ctx, params)
	case "inspect":
		return s.inspect(ctx, params)
	case "clearState":
		return s.clearState(ctx)
	case "executeDBQuery":
		return s.executeDBQuery(ctx, params)
	case "issueURL":
		return s.issueURL(ctx, params)
	case "redeemURL":
		return s.redeemURL(ctx, params)
	default:
		return nil, kernelerr.New(kernelerr.InvalidEnvelope, "unknown facade method "+method)
	}
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return kernelerr.New(kernelerr.InvalidEnvelope, "missing params")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return kernelerr.Wrap(kernelerr.InvalidEnvelope, "decode params", err)
	}
	return nil
}
