// Package crank is the kernel's single-threaded scheduler: it pops one
// entry off the run queue at a time, dispatches it to the owning vat's
// supervisor as one delivery, and commits (or rolls back) the resulting
// store mutation atomically, the way the teacher's scheduler ticked over
// services but narrowed here to exactly one unit of work — a crank — per
// iteration rather than a batch reconciliation pass.
package crank

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ocapkernel/pkg/capdata"
	"github.com/cuemby/ocapkernel/pkg/gc"
	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/kevents"
	"github.com/cuemby/ocapkernel/pkg/log"
	"github.com/cuemby/ocapkernel/pkg/metrics"
	"github.com/cuemby/ocapkernel/pkg/promise"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// DeliveryKind identifies which of the kernel→vat delivery variants from
// spec §4.6 this Delivery carries.
type DeliveryKind string

const (
	DeliverSend             DeliveryKind = "send"
	DeliverNotify           DeliveryKind = "notify"
	DeliverDropExports      DeliveryKind = "dropExports"
	DeliverRetireExports    DeliveryKind = "retireExports"
	DeliverRetireImports    DeliveryKind = "retireImports"
	DeliverBringOutYourDead DeliveryKind = "bringOutYourDead"
	// DeliverStartVat and DeliverStopVat bracket a vat's lifetime; they are
	// issued directly by whatever launches/terminates the vat (pkg/facade,
	// today) rather than popped off the run queue by the crank loop, but
	// they still travel the same Dispatcher.Deliver path as every other
	// delivery so a vat's supervisor only ever has one message contract.
	DeliverStartVat DeliveryKind = "startVat"
	DeliverStopVat  DeliveryKind = "stopVat"
)

// Delivery is one kernel→vat message sent over the supervisor's duplex
// stream for the duration of one crank.
type Delivery struct {
	Kind          DeliveryKind
	Target        string // kref, for send
	Method        string
	Args          types.CapData
	ResultPromise string
	Subscriber    string
	Promise       string
	Krefs         []string // for dropExports/retireExports
}

// DeliveryResult is the supervisor's reply to one Delivery.
type DeliveryResult struct {
	Resolved    bool
	Resolution  types.CapData
	IsRejection bool
	DropVrefs   []types.Ref // reported by bringOutYourDead
	RetireVrefs []types.Ref
}

// Dispatcher delivers one message to a vat's supervisor and returns its
// reply; pkg/supervisor implements this over the grpc duplex stream.
type Dispatcher interface {
	Deliver(ctx context.Context, vatID string, d Delivery) (DeliveryResult, error)
}

// RemoteDispatcher hands one outbound send to a peer kernel instead of a
// local vat; pkg/remote implements this over the libp2p deliver stream.
// Unlike Dispatcher it does not return a DeliveryResult inline — the
// remote kernel's eventual reply (or rejection) arrives later as its own
// AcceptedDelivery and is promoted back onto this run queue.
type RemoteDispatcher interface {
	Deliver(ctx context.Context, peerID string, entry types.RunqueueEntry) error
}

// localBias is how many run-queue ticks pass between each opportunity to
// promote one pending inbound remote delivery (every localBias-th call to
// ProcessOne), per
// spec.md §4.3: the acceptance queue must not starve local work but must
// never be indefinitely deferred either.
const localBias = 3

// Runner is the crank scheduler.
type Runner struct {
	store      *kernelstore.Store
	promises   *promise.Engine
	gc         *gc.Collector
	dispatcher Dispatcher
	remote     RemoteDispatcher
	events     *kevents.Broker
	logger     zerolog.Logger
	stopCh     chan struct{}
	round      uint64
}

// New constructs a crank runner.
func New(store *kernelstore.Store, dispatcher Dispatcher, events *kevents.Broker) *Runner {
	return &Runner{
		store:      store,
		promises:   promise.New(store),
		gc:         gc.New(store, events),
		dispatcher: dispatcher,
		events:     events,
		logger:     log.WithComponent("crank"),
		stopCh:     make(chan struct{}),
	}
}

// SetRemoteDispatcher wires pkg/remote into the scheduler once the
// remote comms subsystem has finished establishing its peer identity;
// it may be called after New, before Start.
func (r *Runner) SetRemoteDispatcher(d RemoteDispatcher) {
	r.remote = d
}

// Start begins the crank loop in the background.
func (r *Runner) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop halts the crank loop.
func (r *Runner) Stop() {
	close(r.stopCh)
}

func (r *Runner) run(ctx context.Context) {
	r.logger.Info().Msg("crank runner started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			r.logger.Info().Msg("crank runner stopped")
			return
		default:
		}

		ran, err := r.ProcessOne(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("crank failed")
		}
		if !ran {
			if promoted, err := r.promoteGCActions(); err != nil {
				r.logger.Error().Err(err).Msg("failed to promote gc actions")
			} else if promoted {
				continue
			}
			// run queue empty: avoid a hot spin while waiting for work
			select {
			case <-time.After(20 * time.Millisecond):
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
		}
	}
}

// ProcessOne pops and executes a single run queue entry. It returns
// ran=false if the queue was empty (nothing to do this tick); ran=true
// along with a non-nil error means the crank was attempted and failed.
// Everything the crank did to the store since it was popped — object
// table writes, promise resolution, clist changes — is rolled back as one
// unit (spec.md §4.3 step 5, §8's atomicity property), so a failed
// delivery never leaves partial state behind. The one exception is the
// vat-termination and promise-rejection fallout from a failed delivery
// itself (see failVat): that is the crank's deliberate, persisted
// response to the failure, applied fresh after the rollback rather than
// folded into the aborted transaction.
func (r *Runner) ProcessOne(ctx context.Context) (bool, error) {
	r.round++
	if r.round%localBias == 0 {
		if _, err := r.promoteOneAcceptance(); err != nil {
			r.logger.Error().Err(err).Msg("failed to promote accepted remote delivery")
		}
	}

	entry, ok, err := r.store.Dequeue()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CrankDuration)

	if err := r.runCrank(ctx, entry); err != nil {
		metrics.CranksFailedTotal.Inc()
		return true, err
	}
	metrics.CranksCompletedTotal.Inc()
	return true, nil
}

// promoteOneAcceptance moves the oldest pending inbound remote delivery,
// if any, onto the run queue as an ordinary send so the rest of the crank
// loop never needs to know the message originated across a peer link.
func (r *Runner) promoteOneAcceptance() (bool, error) {
	d, ok, err := r.store.DequeueAcceptance()
	if err != nil || !ok {
		return false, err
	}
	return true, r.store.Enqueue(types.RunqueueEntry{
		Kind: types.EntrySend, Target: d.Target, Method: d.Method,
		Args: d.Args, ResultPromise: d.ResultPromise,
	})
}

// promoteGCActions moves any coalesced drop/retire actions the garbage
// collector has accumulated onto the run queue, so an otherwise-idle
// crank loop still drains them between bringOutYourDead sweeps.
func (r *Runner) promoteGCActions() (bool, error) {
	actions, err := r.gc.DrainActions()
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if err := r.store.Enqueue(a); err != nil {
			return false, err
		}
	}
	return len(actions) > 0, nil
}

// deliveryFailure marks a dispatch error as one that must trigger
// failVat's vat-termination fallout once the crank's own transaction has
// been rolled back, rather than being returned to ProcessOne directly.
type deliveryFailure struct {
	vatID string
	cause error
}

func (d *deliveryFailure) Error() string { return d.cause.Error() }
func (d *deliveryFailure) Unwrap() error { return d.cause }

// runCrank opens the store transaction every accessor the rest of this
// crank calls will run against (spec.md §4.3 step 2), dispatches the
// entry, and commits or rolls back depending on the outcome (step 5). A
// delivery failure rolls back first, then applies failVat's consequence
// as its own separately committed write — that consequence is meant to
// survive even though the failed delivery's partial effects are not.
func (r *Runner) runCrank(ctx context.Context, entry types.RunqueueEntry) error {
	if err := r.store.BeginCrank(); err != nil {
		return err
	}

	dispatchErr := r.dispatchCrank(ctx, entry)
	if dispatchErr != nil {
		if err := r.store.RollbackCrank(); err != nil {
			r.logger.Error().Err(err).Msg("rollback crank failed")
		}
		var df *deliveryFailure
		if ok := asDeliveryFailure(dispatchErr, &df); ok {
			return r.failVat(df.vatID, df.cause)
		}
		return dispatchErr
	}

	return r.store.CommitCrank()
}

func asDeliveryFailure(err error, target **deliveryFailure) bool {
	for err != nil {
		if df, ok := err.(*deliveryFailure); ok {
			*target = df
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (r *Runner) dispatchCrank(ctx context.Context, entry types.RunqueueEntry) error {
	switch entry.Kind {
	case types.EntrySend:
		return r.crankSend(ctx, entry)
	case types.EntryNotify:
		return r.crankNotify(ctx, entry)
	case types.EntryGCAction:
		return r.crankGCAction(ctx, entry)
	case types.EntryBringOutYourDead:
		return r.crankSweep(ctx, entry)
	default:
		return kernelerr.New(kernelerr.InvalidEnvelope, fmt.Sprintf("unknown run queue entry kind %q", entry.Kind))
	}
}

func (r *Runner) crankSend(ctx context.Context, entry types.RunqueueEntry) error {
	targetRef, err := types.ParseRef(entry.Target)
	if err != nil {
		return err
	}
	obj, err := r.store.GetObject(targetRef)
	if err != nil {
		return err
	}

	if targetRef.Kind == types.KindRemote {
		return r.crankRemoteSend(ctx, entry, obj.OwnerVat)
	}

	result, err := r.dispatcher.Deliver(ctx, obj.OwnerVat, Delivery{
		Kind: DeliverSend, Target: entry.Target, Method: entry.Method,
		Args: entry.Args, ResultPromise: entry.ResultPromise,
	})
	if err != nil {
		return &deliveryFailure{vatID: obj.OwnerVat, cause: err}
	}
	if entry.ResultPromise != "" && result.Resolved {
		return r.promises.Resolve(entry.ResultPromise, result.Resolution, result.IsRejection)
	}
	return nil
}

// crankRemoteSend hands a send targeting a remote presence off to
// pkg/remote. The object record's OwnerVat holds the owning peer's ID
// for a KindRemote target, the same field a local object uses to hold
// its owning vat ID — remote comms is, from the scheduler's point of
// view, just another delivery destination.
func (r *Runner) crankRemoteSend(ctx context.Context, entry types.RunqueueEntry, peerID string) error {
	if r.remote == nil {
		return kernelerr.New(kernelerr.PeerUnreachable, "no remote dispatcher configured for peer "+peerID)
	}
	if err := r.remote.Deliver(ctx, peerID, entry); err != nil {
		return kernelerr.Wrap(kernelerr.PeerUnreachable, "deliver to peer "+peerID, err)
	}
	return nil
}

func (r *Runner) crankNotify(ctx context.Context, entry types.RunqueueEntry) error {
	_, err := r.dispatcher.Deliver(ctx, entry.Subscriber, Delivery{
		Kind: DeliverNotify, Promise: entry.Promise,
	})
	if err != nil {
		return &deliveryFailure{vatID: entry.Subscriber, cause: err}
	}
	return nil
}

func (r *Runner) crankGCAction(ctx context.Context, entry types.RunqueueEntry) error {
	kind := DeliverDropExports
	if entry.GCKind == types.GCRetire {
		kind = DeliverRetireExports
	}
	_, err := r.dispatcher.Deliver(ctx, entry.Vat, Delivery{Kind: kind, Krefs: entry.Krefs})
	if err != nil {
		return &deliveryFailure{vatID: entry.Vat, cause: err}
	}
	return nil
}

func (r *Runner) crankSweep(ctx context.Context, entry types.RunqueueEntry) error {
	result, err := r.dispatcher.Deliver(ctx, entry.Vat, Delivery{Kind: DeliverBringOutYourDead})
	if err != nil {
		return &deliveryFailure{vatID: entry.Vat, cause: err}
	}
	if len(result.DropVrefs) > 0 {
		if err := r.gc.DropImports(entry.Vat, result.DropVrefs); err != nil {
			return err
		}
	}
	if len(result.RetireVrefs) > 0 {
		if err := r.gc.RetireImports(entry.Vat, result.RetireVrefs); err != nil {
			return err
		}
	}
	if r.events != nil {
		r.events.Publish(&kevents.Event{Type: kevents.CrankCompleted, Message: "bringOutYourDead: " + entry.Vat})
	}
	return nil
}

// failVat marks vatID terminated and rejects every promise for which it
// was decider, per spec §4.3/§6's cancellation rule: "if a supervisor
// throws from a delivery ... the vat is marked for termination; any
// pending promises for which it was decider are rejected with a
// vat-terminated error." runCrank calls this only after the failed
// crank's own transaction has already been rolled back, so every write
// here lands in its own freshly auto-committed transaction instead of
// being undone alongside the delivery's partial effects.
func (r *Runner) failVat(vatID string, cause error) error {
	v, err := r.store.GetVat(vatID)
	if err == nil {
		v.Status = types.VatTerminated
		_ = r.store.UpdateVat(v)
	}

	rejection, marshalErr := capdata.Marshal(capdata.TaggedError{Name: "vat-terminated", Message: vatID + " terminated: " + cause.Error()})
	if marshalErr == nil {
		promises, listErr := r.store.ListPromises()
		if listErr == nil {
			for _, p := range promises {
				if p.DeciderVat == vatID && p.State == types.PromiseUnresolved {
					_ = r.promises.Resolve(p.Kref, rejection, true)
				}
			}
		}
	}

	if r.events != nil {
		r.events.Publish(&kevents.Event{Type: kevents.VatCrashed, Message: vatID + ": " + cause.Error()})
	}
	return kernelerr.Wrap(kernelerr.VatTerminated, "delivery to "+vatID+" failed", cause)
}
