package supervisor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/cuemby/ocapkernel/pkg/clist"
	"github.com/cuemby/ocapkernel/pkg/crank"
	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/log"
	"github.com/cuemby/ocapkernel/pkg/metrics"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// Handle is one running vat's live supervisor connection: the kernel-side
// end of its DeliveryStream, implementing crank.Dispatcher for exactly
// this vat.
type Handle struct {
	vatID    string
	stream   grpc.ServerStream
	syscalls SyscallHandler
	clist    *clist.Table

	mu      sync.RWMutex
	pending map[string]chan Reply
	closed  chan struct{}
	closeMu sync.Once
}

func newHandle(vatID string, stream grpc.ServerStream, store *kernelstore.Store, syscalls SyscallHandler) *Handle {
	return &Handle{
		vatID:    vatID,
		stream:   stream,
		syscalls: syscalls,
		clist:    clist.For(store, vatID),
		pending:  make(map[string]chan Reply),
		closed:   make(chan struct{}),
	}
}

// Deliver sends one Delivery down the stream and blocks until the
// matching Reply arrives, servicing any interleaved Syscalls in the
// meantime (the recvLoop goroutine does the servicing; Deliver just
// waits on its own correlation channel).
func (h *Handle) Deliver(ctx context.Context, vatID string, d crank.Delivery) (crank.DeliveryResult, error) {
	id := uuid.NewString()
	replyCh := make(chan Reply, 1)

	h.mu.Lock()
	h.pending[id] = replyCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SupervisorDeliveryDuration)

	vd, err := h.translateToVat(d)
	if err != nil {
		return crank.DeliveryResult{}, err
	}
	wd := toWireDelivery(id, vd)
	if err := h.stream.SendMsg(&Envelope{Kind: EnvelopeDelivery, Delivery: &wd}); err != nil {
		return crank.DeliveryResult{}, kernelerr.Wrap(kernelerr.SupervisorReadError, "send delivery to "+vatID, err)
	}

	select {
	case r := <-replyCh:
		if r.Error != "" {
			return crank.DeliveryResult{}, kernelerr.New(kernelerr.SupervisorReadError, r.Error)
		}
		return fromWireReply(r)
	case <-ctx.Done():
		return crank.DeliveryResult{}, ctx.Err()
	case <-h.closed:
		return crank.DeliveryResult{}, kernelerr.New(kernelerr.SupervisorReadError, "vat supervisor stream for "+vatID+" closed")
	}
}

// translateToVat rewrites a crank.Delivery's kernel-space krefs into this
// vat's local vrefs before it crosses the wire: Target/Args for a send,
// Promise for a notify, and Krefs for dropExports/retireExports/
// retireImports. Those three name krefs the vat already has a clist
// mapping for, so they resolve against existing entries rather than
// allocating new ones; a send's target and arguments may introduce the
// vat to a kref for the first time, so those go through Export, which
// allocates on first sight and is a no-op thereafter.
func (h *Handle) translateToVat(d crank.Delivery) (crank.Delivery, error) {
	out := d
	switch d.Kind {
	case crank.DeliverSend:
		targetKref, err := types.ParseRef(d.Target)
		if err != nil {
			return crank.Delivery{}, err
		}
		targetVref, err := h.clist.Export(targetKref)
		if err != nil {
			return crank.Delivery{}, err
		}
		out.Target = targetVref.String()

		args, err := h.exportSlots(d.Args)
		if err != nil {
			return crank.Delivery{}, err
		}
		out.Args = args

		if d.ResultPromise != "" {
			resultKref, err := types.ParseRef(d.ResultPromise)
			if err != nil {
				return crank.Delivery{}, err
			}
			resultVref, err := h.clist.Export(resultKref)
			if err != nil {
				return crank.Delivery{}, err
			}
			out.ResultPromise = resultVref.String()
		}
	case crank.DeliverNotify:
		promKref, err := types.ParseRef(d.Promise)
		if err != nil {
			return crank.Delivery{}, err
		}
		promVref, err := h.clist.Export(promKref)
		if err != nil {
			return crank.Delivery{}, err
		}
		out.Promise = promVref.String()
	case crank.DeliverDropExports, crank.DeliverRetireExports, crank.DeliverRetireImports:
		vrefs := make([]string, len(d.Krefs))
		for i, ks := range d.Krefs {
			kref, err := types.ParseRef(ks)
			if err != nil {
				return crank.Delivery{}, err
			}
			vref, err := h.clist.Resolve(kref)
			if err != nil {
				return crank.Delivery{}, err
			}
			vrefs[i] = vref.String()
		}
		out.Krefs = vrefs
	}
	return out, nil
}

func (h *Handle) exportSlots(args types.CapData) (types.CapData, error) {
	slots := make([]types.Ref, len(args.Slots))
	for i, kref := range args.Slots {
		vref, err := h.clist.Export(kref)
		if err != nil {
			return types.CapData{}, err
		}
		slots[i] = vref
	}
	return types.CapData{Body: args.Body, Slots: slots}, nil
}

// recvLoop reads every message the vat sends after its Hello: Syscalls,
// dispatched synchronously through syscalls.HandleSyscall, and Replies,
// routed to whichever Deliver call is waiting on that ID.
func (h *Handle) recvLoop() error {
	logger := log.WithVatID(h.vatID)
	defer h.close()

	for {
		var env Envelope
		if err := h.stream.RecvMsg(&env); err != nil {
			logger.Info().Err(err).Msg("vat supervisor stream closed")
			return err
		}

		switch env.Kind {
		case EnvelopeSyscall:
			if env.Syscall == nil {
				continue
			}
			result := h.syscalls.HandleSyscall(h.vatID, *env.Syscall)
			if err := h.stream.SendMsg(&Envelope{Kind: EnvelopeSyscallResult, SyscallResult: &result}); err != nil {
				return err
			}
		case EnvelopeReply:
			if env.Reply == nil {
				continue
			}
			h.mu.RLock()
			ch, ok := h.pending[env.Reply.ID]
			h.mu.RUnlock()
			if ok {
				ch <- *env.Reply
			}
		default:
			logger.Warn().Str("kind", string(env.Kind)).Msg("unexpected envelope from vat supervisor")
		}
	}
}

func (h *Handle) close() {
	h.closeMu.Do(func() { close(h.closed) })
}
