// Package vatprogram is the vat-side half of a bundle's "executable
// code": a small in-process program registry standing in for a real
// language sandbox (no JavaScript engine dependency is available
// anywhere in the retrieved reference corpus; spec.md §8's testable
// properties explicitly call for "a minimal embedded-JS-less fake vat
// bundle runner for determinism", which this generalizes into a
// reusable registry rather than one-off per-test fakes).
//
// A Program is looked up by name (cmd/ocap-supervisor passes the bundle's
// Code field) and
// receives every delivery the kernel sends this vat, exactly the way a
// real vat's dispatch function would, with supervisor.SyscallIssuer
// standing in for the syscall object a real vat closes over.
package vatprogram

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/ocapkernel/pkg/supervisor"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// Program is one running vat's behavior.
type Program interface {
	// Start runs once, on startVat, before any other delivery.
	Start(ctx context.Context, syscalls supervisor.SyscallIssuer, metadata map[string]string) error
	// Deliver handles a send targeting one of this vat's exports.
	Deliver(ctx context.Context, target string, method string, args types.CapData, syscalls supervisor.SyscallIssuer) (result types.CapData, isRejection bool, err error)
	// Notify informs the vat that a promise it subscribed to has settled.
	Notify(ctx context.Context, promise string, syscalls supervisor.SyscallIssuer) error
	// BringOutYourDead asks the vat to report which of its imports it no
	// longer holds, so the kernel can drop/retire them.
	BringOutYourDead(ctx context.Context, syscalls supervisor.SyscallIssuer) (dropVrefs, retireVrefs []string, err error)
}

// Factory builds a fresh Program instance for one vat incarnation.
type Factory func() Program

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register adds a named Program factory to the registry. Intended to be
// called from init() by callers that link in a vat program, the same
// way database/sql drivers register themselves.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

// New constructs the Program registered under name.
func New(name string) (Program, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vatprogram: no program registered under %q", name)
	}
	return factory(), nil
}
