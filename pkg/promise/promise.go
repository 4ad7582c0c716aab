// Package promise implements the cross-vat promise lifecycle described in
// spec §4.4: sends targeting an unresolved promise queue rather than
// block, resolution forwards a queued send either to the resolved
// object (pipelining) or to another promise (queue transfer), and
// subscribers are notified exactly once in resolution-time order.
package promise

import (
	"github.com/cuemby/ocapkernel/pkg/capdata"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// Engine drives promise resolution and pipelined sends against a kernel
// store. It holds no state of its own; every promise is persisted.
type Engine struct {
	store *kernelstore.Store
}

// New returns a promise engine over store.
func New(store *kernelstore.Store) *Engine {
	return &Engine{store: store}
}

// Send delivers a send to target: if target is an unresolved promise the
// message is queued on it (spec §4.4's "does NOT block"); otherwise it is
// placed directly on the run queue.
func (e *Engine) Send(target types.Ref, method string, args types.CapData, resultPromise string) error {
	if target.Kind != types.KindPromise {
		return e.store.Enqueue(types.RunqueueEntry{
			Kind: types.EntrySend, Target: target.String(), Method: method,
			Args: args, ResultPromise: resultPromise,
		})
	}

	p, err := e.store.GetPromise(target.String())
	if err != nil {
		return err
	}
	if p.State == types.PromiseUnresolved {
		return e.store.EnqueueMessage(target.String(), types.QueuedMessage{
			Target: target.String(), Method: method, Args: args, ResultPromise: resultPromise,
		})
	}
	// Already resolved: deliver as if the resolution had just landed.
	return e.forwardOne(p, types.QueuedMessage{Target: target.String(), Method: method, Args: args, ResultPromise: resultPromise})
}

// Subscribe registers vatID as a subscriber of kref.
func (e *Engine) Subscribe(kref string, vatID string) error {
	return e.store.Subscribe(kref, vatID)
}

// Resolve settles kref with resolution (or rejects it, if isRejection),
// then drains its queue and notifies its subscribers per spec §4.4:
//   - if resolution is itself a reference to another unresolved promise,
//     the queue and subscribers transfer to that promise (its decider is
//     left as it is) and kref's own record is removed;
//   - if resolution is a reference to a resolved promise or to an object,
//     each queued message is forwarded to it (pipelining);
//   - otherwise (a plain value, or a rejection) every queued message's
//     result promise is resolved/rejected identically.
//
// A promise settled to an object is removed once its queue is forwarded.
// One settled to a plain value, or rejected, keeps its record in the
// store, so later sends and callers polling for the result can read it.
func (e *Engine) Resolve(kref string, resolution types.CapData, isRejection bool) error {
	p, err := e.store.ResolvePromise(kref, resolution, isRejection)
	if err != nil {
		return err
	}

	for _, sub := range p.Subscribers {
		if err := e.store.Enqueue(types.RunqueueEntry{Kind: types.EntryNotify, Subscriber: sub, Promise: kref}); err != nil {
			return err
		}
	}

	if !isRejection {
		if target, ok, err := resolvedRef(resolution); err != nil {
			return err
		} else if ok && target.Kind == types.KindPromise {
			if err := e.transferTo(target, p); err != nil {
				return err
			}
			return e.store.RemovePromise(kref)
		}
	}

	for _, msg := range p.Queue {
		if err := e.forwardOne(p, msg); err != nil {
			return err
		}
	}
	if !isRejection {
		if target, ok, _ := resolvedRef(resolution); ok && target.Kind == types.KindObject {
			return e.store.RemovePromise(kref)
		}
	}
	return nil
}

// forwardOne delivers one queued message now that its target promise p
// has a resolution: to the resolved object if resolution names one, or
// by settling the message's own result promise identically otherwise.
func (e *Engine) forwardOne(p *types.PromiseRecord, msg types.QueuedMessage) error {
	if p.Resolution == nil {
		return nil
	}
	if !p.IsRejection {
		if target, ok, err := resolvedRef(*p.Resolution); err != nil {
			return err
		} else if ok && target.Kind == types.KindObject {
			return e.store.Enqueue(types.RunqueueEntry{
				Kind: types.EntrySend, Target: target.String(), Method: msg.Method,
				Args: msg.Args, ResultPromise: msg.ResultPromise,
			})
		}
	}
	if msg.ResultPromise == "" {
		return nil
	}
	return e.Resolve(msg.ResultPromise, *p.Resolution, p.IsRejection)
}

// transferTo merges src's queue and subscribers into the unresolved
// target promise. The target's decider is not changed.
func (e *Engine) transferTo(target types.Ref, src *types.PromiseRecord) error {
	tp, err := e.store.GetPromise(target.String())
	if err != nil {
		return err
	}
	if tp.State != types.PromiseUnresolved {
		// Target already settled; forward src's queue as if src had
		// resolved directly to tp's resolution.
		for _, msg := range src.Queue {
			if err := e.forwardOne(tp, msg); err != nil {
				return err
			}
		}
		return nil
	}
	for _, msg := range src.Queue {
		if err := e.store.EnqueueMessage(target.String(), msg); err != nil {
			return err
		}
	}
	for _, sub := range src.Subscribers {
		if err := e.store.Subscribe(target.String(), sub); err != nil {
			return err
		}
	}
	return nil
}

// resolvedRef reports whether resolution's entire value is a single slot
// reference (as opposed to a plain value or a reference embedded deeper
// in a structure), which is what spec §4.4 means by "resolved to a
// promise" or "resolved to an object".
func resolvedRef(resolution types.CapData) (types.Ref, bool, error) {
	val, err := capdata.Unmarshal(resolution)
	if err != nil {
		return types.Ref{}, false, err
	}
	slot, ok := val.(capdata.Slot)
	if !ok {
		return types.Ref{}, false, nil
	}
	return slot.Ref, true, nil
}
