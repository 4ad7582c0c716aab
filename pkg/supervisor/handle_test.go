package supervisor

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/cuemby/ocapkernel/pkg/crank"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// pipeStream is an in-process grpc.ServerStream stand-in: SendMsg on one
// end delivers to RecvMsg on the paired end, letting Handle and a fake
// vat-side loop be tested without a real network connection or mTLS
// certificates.
type pipeStream struct {
	ctx context.Context
	out chan any
	in  chan any
}

func newPipe() (a, b *pipeStream) {
	ab := make(chan any, 16)
	ba := make(chan any, 16)
	a = &pipeStream{ctx: context.Background(), out: ab, in: ba}
	b = &pipeStream{ctx: context.Background(), out: ba, in: ab}
	return a, b
}

func (p *pipeStream) SetHeader(metadata.MD) error  { return nil }
func (p *pipeStream) SendHeader(metadata.MD) error { return nil }
func (p *pipeStream) SetTrailer(metadata.MD)       {}
func (p *pipeStream) Context() context.Context     { return p.ctx }

func (p *pipeStream) SendMsg(m any) error {
	env := m.(*Envelope)
	cp := *env
	p.out <- &cp
	return nil
}

func (p *pipeStream) RecvMsg(m any) error {
	v, ok := <-p.in
	if !ok {
		return io.EOF
	}
	*(m.(*Envelope)) = *(v.(*Envelope))
	return nil
}

func newTestStore(t *testing.T) *kernelstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "supervisor-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return kernelstore.New(db)
}

func mustVat(t *testing.T, ks *kernelstore.Store) string {
	t.Helper()
	id, err := ks.NextVatID()
	require.NoError(t, err)
	require.NoError(t, ks.CreateVat(&types.VatRecord{ID: id, Status: types.VatRunning}))
	return id
}

type noopSyscalls struct{ calls []Syscall }

func (n *noopSyscalls) HandleSyscall(vatID string, sc Syscall) SyscallResult {
	n.calls = append(n.calls, sc)
	return SyscallResult{ID: sc.ID, Found: true, Value: []byte("ok")}
}

func TestHandleDeliverTranslatesKrefsToVrefsAndAwaitsReply(t *testing.T) {
	ks := newTestStore(t)
	vatID := mustVat(t, ks)
	kref, err := ks.NextKref(types.KindObject)
	require.NoError(t, err)

	kernelSide, vatSide := newPipe()
	h := newHandle(vatID, kernelSide, ks, &noopSyscalls{})

	go func() {
		var env Envelope
		require.NoError(t, vatSide.RecvMsg(&env))
		require.Equal(t, EnvelopeDelivery, env.Kind)
		// the kernel-space kref must have become a vat-local vref
		vref, err := types.ParseRef(env.Delivery.Target)
		require.NoError(t, err)
		require.False(t, vref.IsKernelSpace())

		reply := &Envelope{Kind: EnvelopeReply, Reply: &Reply{ID: env.Delivery.ID, Resolved: true}}
		require.NoError(t, vatSide.SendMsg(reply))
	}()

	go h.recvLoop()

	res, err := h.Deliver(context.Background(), vatID, crank.Delivery{Kind: crank.DeliverSend, Target: kref.String(), Method: "foo"})
	require.NoError(t, err)
	require.True(t, res.Resolved)
}

func TestHandleRoutesInterleavedSyscallToHandler(t *testing.T) {
	ks := newTestStore(t)
	vatID := mustVat(t, ks)
	kref, err := ks.NextKref(types.KindObject)
	require.NoError(t, err)

	kernelSide, vatSide := newPipe()
	sc := &noopSyscalls{}
	h := newHandle(vatID, kernelSide, ks, sc)

	go func() {
		var env Envelope
		require.NoError(t, vatSide.RecvMsg(&env))

		// vat issues a syscall mid-delivery and awaits its result
		require.NoError(t, vatSide.SendMsg(&Envelope{Kind: EnvelopeSyscall, Syscall: &Syscall{ID: "sc1", Kind: "vatstoreGet", Key: "x"}}))
		var scResult Envelope
		require.NoError(t, vatSide.RecvMsg(&scResult))
		require.Equal(t, EnvelopeSyscallResult, scResult.Kind)
		require.True(t, scResult.SyscallResult.Found)

		require.NoError(t, vatSide.SendMsg(&Envelope{Kind: EnvelopeReply, Reply: &Reply{ID: env.Delivery.ID, Resolved: true}}))
	}()

	go h.recvLoop()

	_, err = h.Deliver(context.Background(), vatID, crank.Delivery{Kind: crank.DeliverSend, Target: kref.String(), Method: "foo"})
	require.NoError(t, err)
	require.Len(t, sc.calls, 1)
	require.Equal(t, "vatstoreGet", sc.calls[0].Kind)
}

func TestHandleDeliverFailsWhenStreamCloses(t *testing.T) {
	ks := newTestStore(t)
	vatID := mustVat(t, ks)
	kref, err := ks.NextKref(types.KindObject)
	require.NoError(t, err)

	kernelSide, vatSide := newPipe()
	h := newHandle(vatID, kernelSide, ks, &noopSyscalls{})

	go func() {
		var env Envelope
		_ = vatSide.RecvMsg(&env)
		close(vatSide.out) // simulate the vat process exiting without a reply
	}()
	go h.recvLoop()

	_, err = h.Deliver(context.Background(), vatID, crank.Delivery{Kind: crank.DeliverSend, Target: kref.String(), Method: "foo"})
	require.Error(t, err)
}
