package vatprogram

import (
	"context"

	"github.com/cuemby/ocapkernel/pkg/supervisor"
)

// Runtime adapts a Program to supervisor.VatRuntime, dispatching each
// WireDelivery by its Kind the way a real vat's liveslots dispatcher
// would dispatch on a deserialized delivery tag.
type Runtime struct {
	program  Program
	metadata map[string]string
}

// NewRuntime wraps program for the given bundle metadata.
func NewRuntime(program Program, metadata map[string]string) *Runtime {
	return &Runtime{program: program, metadata: metadata}
}

func (r *Runtime) HandleDelivery(ctx context.Context, d supervisor.WireDelivery, syscalls supervisor.SyscallIssuer) supervisor.Reply {
	switch d.Kind {
	case "startVat":
		if err := r.program.Start(ctx, syscalls, r.metadata); err != nil {
			return supervisor.Reply{Error: err.Error()}
		}
		return supervisor.Reply{Resolved: true}

	case "stopVat":
		return supervisor.Reply{Resolved: true}

	case "send":
		result, isRejection, err := r.program.Deliver(ctx, d.Target, d.Method, d.Args, syscalls)
		if err != nil {
			return supervisor.Reply{Error: err.Error()}
		}
		return supervisor.Reply{Resolved: true, Resolution: result, IsRejection: isRejection}

	case "notify":
		if err := r.program.Notify(ctx, d.Promise, syscalls); err != nil {
			return supervisor.Reply{Error: err.Error()}
		}
		return supervisor.Reply{Resolved: true}

	case "dropExports", "retireExports", "retireImports":
		// a vat tracks reachability itself via its own GC (liveslots,
		// in a real implementation); the fake programs here hold no
		// local references to forget, so this is an acknowledgement.
		return supervisor.Reply{Resolved: true}

	case "bringOutYourDead":
		drop, retire, err := r.program.BringOutYourDead(ctx, syscalls)
		if err != nil {
			return supervisor.Reply{Error: err.Error()}
		}
		return supervisor.Reply{Resolved: true, DropVrefs: drop, RetireVrefs: retire}

	default:
		return supervisor.Reply{Error: "unknown delivery kind " + d.Kind}
	}
}
