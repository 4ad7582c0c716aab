package framework

import (
	"context"
	"time"
)

// NodeConfig defines the configuration for one test kernel node, started
// as a real ocapkernel process the same way ClusterConfig drove a real
// Warren process in the teacher's framework.
type NodeConfig struct {
	// ID names this node for logging and data-dir layout.
	ID string
	// DataDir is this node's data directory.
	DataDir string
	// KernelBinary is the path to the ocapkernel binary.
	KernelBinary string
	// WorkerBinary is the path to the ocap-supervisor binary each vat runs.
	WorkerBinary string
	// SupervisorAddr is the address vat supervisor processes dial back into.
	SupervisorAddr string
	// FacadeNetwork and FacadeAddr locate the Facade RPC surface ("unix"
	// sockets by default, matching cmd/ocapkernel's own default).
	FacadeNetwork string
	FacadeAddr    string
	// MetricsAddr is where /metrics is served.
	MetricsAddr string
	// ClusterID seeds the at-rest encryption key.
	ClusterID string
	// EnableRemote turns on libp2p remote comms for ocap URL tests.
	EnableRemote bool
	// RemoteListen is the libp2p listen multiaddr when EnableRemote is set.
	RemoteListen string
	// KeepOnFailure keeps the node's data directory around if tests fail.
	KeepOnFailure bool
	// LogLevel sets the logging level for the ocapkernel process.
	LogLevel string
}

// Node is one running ocapkernel test instance: the daemon process plus
// a Facade client dialed into it.
type Node struct {
	Config  NodeConfig
	Process *Process
	Client  *Client
}

// Process is defined in process.go (to avoid duplication)

// TestContext provides utilities for test execution
type TestContext struct {
	// T is the testing.T instance
	T TestingT
	// Ctx is the context for test operations
	Ctx context.Context
	// Cancel cancels the test context
	Cancel context.CancelFunc
	// Timeout is the default timeout for operations
	Timeout time.Duration
	// Cleanup functions to run after test
	cleanup []func()
}

// TestingT is an interface matching testing.T
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
}

// VatSpec describes a vat to launch for a test: which built-in program it
// runs (see pkg/vatprogram's registry — "echo" or "counter") and which
// subcluster, if any, it belongs to.
type VatSpec struct {
	Program    string
	Subcluster string
	Parameters map[string]any
}
