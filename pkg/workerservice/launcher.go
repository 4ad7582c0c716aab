// Package workerservice launches the vat supervisor process for one vat,
// the way the teacher's pkg/runtime + pkg/embedded launched a workload
// container on whichever host platform was available — generalized here
// from "run this container image" to "run this vat's cmd/ocap-supervisor
// with these credentials", per spec.md §4.7's Launcher contract.
package workerservice

import "context"

// LaunchSpec is everything a Launcher needs to start one vat's supervisor
// process, regardless of which platform launches it.
type LaunchSpec struct {
	VatID      string
	KernelAddr string // pkg/supervisor.Manager's listen address
	CertDir    string // this vat's mTLS identity, per pkg/security
	BundlePath string // pkg/vatbundle artifact on a path the launcher can reach
}

// Handle is a running vat supervisor process, regardless of launcher.
type Handle interface {
	// Wait blocks until the process exits and returns its exit error, if any.
	Wait(ctx context.Context) error
	// Stop requests a graceful shutdown, escalating to a hard kill if the
	// process hasn't exited within a grace period.
	Stop(ctx context.Context) error
}

// Launcher starts a vat supervisor process on some host substrate.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}
