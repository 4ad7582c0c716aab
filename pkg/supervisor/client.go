package supervisor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/security"
)

// VatRuntime is what cmd/ocap-supervisor's bundle evaluator implements:
// given one Delivery and a SyscallIssuer to make syscalls against the
// kernel mid-delivery, it returns the Reply to send back.
type VatRuntime interface {
	HandleDelivery(ctx context.Context, d WireDelivery, syscalls SyscallIssuer) Reply
}

// SyscallIssuer lets a VatRuntime make a synchronous syscall against the
// kernel while a delivery is in flight.
type SyscallIssuer interface {
	Syscall(sc Syscall) SyscallResult
}

// Client is the vat-side half of the DeliveryStream: it dials the
// kernel's supervisor endpoint with mTLS, exactly as pkg/worker/worker.go
// dials back to the manager, then runs deliveries through a VatRuntime
// until the stream closes.
type Client struct {
	vatID  string
	conn   *grpc.ClientConn
	stream grpc.ClientStream

	mu      sync.Mutex // serializes SendMsg; the stream itself is not goroutine-safe for concurrent sends
	pending map[string]chan SyscallResult
}

// DialConfig describes how a vat supervisor process reaches the kernel.
type DialConfig struct {
	VatID      string
	KernelAddr string
	CertDir    string // holds node.crt/node.key/ca.crt per pkg/security.GetCertDir("vat", vatID)
}

// Dial connects to the kernel's supervisor endpoint and opens the
// DeliveryStream, sending the initial Hello.
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	cert, err := security.LoadCertFromFile(cfg.CertDir)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.SupervisorReadError, "load vat certificate", err)
	}
	caCert, err := security.LoadCACertFromFile(cfg.CertDir)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.SupervisorReadError, "load kernel CA certificate", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}
	creds := credentials.NewTLS(tlsConfig)

	conn, err := grpc.NewClient(cfg.KernelAddr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.SupervisorReadError, "dial kernel supervisor endpoint", err)
	}

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    streamName,
		ServerStreams: true,
		ClientStreams: true,
	}, fullMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		conn.Close()
		return nil, kernelerr.Wrap(kernelerr.SupervisorReadError, "open delivery stream", err)
	}

	c := &Client{
		vatID:   cfg.VatID,
		conn:    conn,
		stream:  stream,
		pending: make(map[string]chan SyscallResult),
	}
	if err := stream.SendMsg(&Envelope{Kind: EnvelopeHello, Hello: &Hello{VatID: cfg.VatID}}); err != nil {
		conn.Close()
		return nil, kernelerr.Wrap(kernelerr.SupervisorReadError, "send hello", err)
	}
	return c, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Syscall implements SyscallIssuer: it sends sc and blocks for the
// kernel's SyscallResult, which the Run loop routes here by ID.
func (c *Client) Syscall(sc Syscall) SyscallResult {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	ch := make(chan SyscallResult, 1)

	c.mu.Lock()
	c.pending[sc.ID] = ch
	env := &Envelope{Kind: EnvelopeSyscall, Syscall: &sc}
	err := c.stream.SendMsg(env)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, sc.ID)
		c.mu.Unlock()
		return SyscallResult{ID: sc.ID, Error: err.Error()}
	}

	result := <-ch
	return result
}

// Run reads Deliveries from the stream and dispatches each to runtime,
// sending its Reply back; it returns when the stream closes or ctx is
// canceled. This is the vat supervisor process's main loop, the mirror
// of pkg/worker/worker.go's heartbeat/executor loops but driven by a
// single long-lived stream rather than polling ticks.
func (c *Client) Run(ctx context.Context, runtime VatRuntime) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var env Envelope
		if err := c.stream.RecvMsg(&env); err != nil {
			return fmt.Errorf("delivery stream closed: %w", err)
		}

		switch env.Kind {
		case EnvelopeDelivery:
			if env.Delivery == nil {
				continue
			}
			reply := runtime.HandleDelivery(ctx, *env.Delivery, c)
			reply.ID = env.Delivery.ID
			if err := c.stream.SendMsg(&Envelope{Kind: EnvelopeReply, Reply: &reply}); err != nil {
				return fmt.Errorf("send reply: %w", err)
			}
		case EnvelopeSyscallResult:
			if env.SyscallResult == nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[env.SyscallResult.ID]
			if ok {
				delete(c.pending, env.SyscallResult.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- *env.SyscallResult
			}
		}
	}
}
