package supervisor

import (
	"github.com/cuemby/ocapkernel/pkg/clist"
	"github.com/cuemby/ocapkernel/pkg/gc"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/promise"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// SyscallHandler executes one vat syscall (spec §4.6's send, resolve,
// subscribe, exit, vatstore{Get,Set,Delete}, dropImports, retireImports,
// retireExports) against the kernel store and returns its synchronous
// result. Manager's default implementation is kernelSyscalls, below.
type SyscallHandler interface {
	HandleSyscall(vatID string, sc Syscall) SyscallResult
}

// kernelSyscalls is the kernel-side implementation of the syscall table:
// it translates a vat's local vrefs to krefs via pkg/clist, then drives
// pkg/promise and pkg/gc the same way pkg/crank does on the delivery
// side, so a vat's syscalls and a kernel's deliveries go through the same
// translation and bookkeeping paths.
type kernelSyscalls struct {
	store *kernelstore.Store
	prom  *promise.Engine
	gc    *gc.Collector
}

// NewSyscallHandler returns the kernel's default SyscallHandler.
func NewSyscallHandler(store *kernelstore.Store, prom *promise.Engine, collector *gc.Collector) SyscallHandler {
	return &kernelSyscalls{store: store, prom: prom, gc: collector}
}

func (k *kernelSyscalls) HandleSyscall(vatID string, sc Syscall) SyscallResult {
	switch sc.Kind {
	case "send":
		return k.send(vatID, sc)
	case "resolve":
		return k.resolve(vatID, sc)
	case "subscribe":
		return k.subscribe(vatID, sc)
	case "exit":
		return k.exit(vatID, sc)
	case "vatstoreGet":
		return k.vatstoreGet(vatID, sc)
	case "vatstoreSet":
		return k.vatstoreSet(vatID, sc)
	case "vatstoreDelete":
		return k.vatstoreDelete(vatID, sc)
	case "dropImports":
		return k.dropImports(vatID, sc)
	case "retireImports":
		return k.retireImports(vatID, sc)
	case "retireExports":
		return k.retireExports(vatID, sc)
	default:
		return SyscallResult{ID: sc.ID, Error: "unknown syscall kind " + sc.Kind}
	}
}

func (k *kernelSyscalls) send(vatID string, sc Syscall) SyscallResult {
	vref, err := types.ParseRef(sc.Target)
	if err != nil {
		return errResult(sc.ID, err)
	}
	tbl := clist.For(k.store, vatID)
	target, err := tbl.Translate(vref)
	if err != nil {
		return errResult(sc.ID, err)
	}

	args, err := translateSlots(tbl, sc.Args)
	if err != nil {
		return errResult(sc.ID, err)
	}

	resultKref := ""
	if sc.Promise != "" {
		presult, err := types.ParseRef(sc.Promise)
		if err != nil {
			return errResult(sc.ID, err)
		}
		_, lookupErr := tbl.Translate(presult)
		kref, err := tbl.KrefFor(presult, types.KindPromise)
		if err != nil {
			return errResult(sc.ID, err)
		}
		if lookupErr != nil {
			// the vat just minted this result promise for this send; give it
			// a promise table row so a later resolve/subscribe on it succeeds.
			if _, err := k.store.InitPromiseForKref(kref, ""); err != nil {
				return errResult(sc.ID, err)
			}
		}
		resultKref = kref.String()
	}

	if err := k.prom.Send(target, sc.Method, args, resultKref); err != nil {
		return errResult(sc.ID, err)
	}
	return SyscallResult{ID: sc.ID}
}

func (k *kernelSyscalls) resolve(vatID string, sc Syscall) SyscallResult {
	vref, err := types.ParseRef(sc.Promise)
	if err != nil {
		return errResult(sc.ID, err)
	}
	tbl := clist.For(k.store, vatID)
	kref, err := tbl.Translate(vref)
	if err != nil {
		return errResult(sc.ID, err)
	}
	args, err := translateSlots(tbl, sc.Args)
	if err != nil {
		return errResult(sc.ID, err)
	}
	if err := k.prom.Resolve(kref.String(), args, sc.Reason == "reject"); err != nil {
		return errResult(sc.ID, err)
	}
	return SyscallResult{ID: sc.ID}
}

func (k *kernelSyscalls) subscribe(vatID string, sc Syscall) SyscallResult {
	vref, err := types.ParseRef(sc.Promise)
	if err != nil {
		return errResult(sc.ID, err)
	}
	tbl := clist.For(k.store, vatID)
	kref, err := tbl.Translate(vref)
	if err != nil {
		return errResult(sc.ID, err)
	}
	if err := k.prom.Subscribe(kref.String(), vatID); err != nil {
		return errResult(sc.ID, err)
	}
	return SyscallResult{ID: sc.ID}
}

func (k *kernelSyscalls) exit(vatID string, sc Syscall) SyscallResult {
	v, err := k.store.GetVat(vatID)
	if err != nil {
		return errResult(sc.ID, err)
	}
	v.Status = types.VatTerminated
	if err := k.store.UpdateVat(v); err != nil {
		return errResult(sc.ID, err)
	}
	return SyscallResult{ID: sc.ID}
}

func (k *kernelSyscalls) vatstoreGet(vatID string, sc Syscall) SyscallResult {
	value, found, err := k.store.VatstoreGet(vatID, sc.Key)
	if err != nil {
		return errResult(sc.ID, err)
	}
	return SyscallResult{ID: sc.ID, Value: value, Found: found}
}

func (k *kernelSyscalls) vatstoreSet(vatID string, sc Syscall) SyscallResult {
	if err := k.store.VatstoreSet(vatID, sc.Key, sc.Value); err != nil {
		return errResult(sc.ID, err)
	}
	return SyscallResult{ID: sc.ID}
}

func (k *kernelSyscalls) vatstoreDelete(vatID string, sc Syscall) SyscallResult {
	if err := k.store.VatstoreDelete(vatID, sc.Key); err != nil {
		return errResult(sc.ID, err)
	}
	return SyscallResult{ID: sc.ID}
}

func (k *kernelSyscalls) dropImports(vatID string, sc Syscall) SyscallResult {
	vrefs, err := parseRefs(sc.Vrefs)
	if err != nil {
		return errResult(sc.ID, err)
	}
	if err := k.gc.DropImports(vatID, vrefs); err != nil {
		return errResult(sc.ID, err)
	}
	return SyscallResult{ID: sc.ID}
}

func (k *kernelSyscalls) retireImports(vatID string, sc Syscall) SyscallResult {
	vrefs, err := parseRefs(sc.Vrefs)
	if err != nil {
		return errResult(sc.ID, err)
	}
	if err := k.gc.RetireImports(vatID, vrefs); err != nil {
		return errResult(sc.ID, err)
	}
	return SyscallResult{ID: sc.ID}
}

// retireExports is the vat proactively retiring its own exports, the
// mirror image of the kernel-initiated retireExports delivery: it is
// handled identically to retireImports from the store's point of view
// because refcount bookkeeping is symmetric per kref, not per direction.
func (k *kernelSyscalls) retireExports(vatID string, sc Syscall) SyscallResult {
	return k.retireImports(vatID, sc)
}

func translateSlots(tbl *clist.Table, args types.CapData) (types.CapData, error) {
	slots := make([]types.Ref, len(args.Slots))
	for i, vref := range args.Slots {
		kref, err := tbl.Translate(vref)
		if err != nil {
			return types.CapData{}, err
		}
		slots[i] = kref
	}
	return types.CapData{Body: args.Body, Slots: slots}, nil
}

func errResult(id string, err error) SyscallResult {
	return SyscallResult{ID: id, Error: err.Error()}
}
