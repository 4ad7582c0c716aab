package framework

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/ocapkernel/pkg/facade"
)

// DefaultNodeConfig returns a default single-node configuration, reading
// the same kind of environment overrides DefaultClusterConfig used to
// locate the Warren binary and a scratch data directory.
func DefaultNodeConfig(id, dataDir string) NodeConfig {
	kernelBinary := os.Getenv("OCAPKERNEL_BINARY")
	if kernelBinary == "" {
		kernelBinary = "bin/ocapkernel"
	}
	workerBinary := os.Getenv("OCAP_SUPERVISOR_BINARY")
	if workerBinary == "" {
		workerBinary = "bin/ocap-supervisor"
	}

	return NodeConfig{
		ID:             id,
		DataDir:        dataDir,
		KernelBinary:   kernelBinary,
		WorkerBinary:   workerBinary,
		SupervisorAddr: fmt.Sprintf("127.0.0.1:%d", mustFreePort()),
		FacadeNetwork:  "unix",
		FacadeAddr:     filepath.Join(dataDir, "facade.sock"),
		MetricsAddr:    fmt.Sprintf("127.0.0.1:%d", mustFreePort()),
		ClusterID:      "test-" + id,
		LogLevel:       "info",
	}
}

// StartNode brings up one ocapkernel process per cfg and waits for its
// Facade socket to accept connections, the same waitForAPI role the
// teacher's framework played for a manager's gRPC port.
func StartNode(cfg NodeConfig) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	process := NewProcess(cfg.KernelBinary)
	process.Args = []string{
		"start",
		"--data-dir=" + cfg.DataDir,
		"--cluster-id=" + cfg.ClusterID,
		"--node-id=" + cfg.ID,
		"--supervisor-addr=" + cfg.SupervisorAddr,
		"--metrics-addr=" + cfg.MetricsAddr,
		"--worker-binary=" + cfg.WorkerBinary,
		"--facade-network=" + cfg.FacadeNetwork,
		"--facade-addr=" + cfg.FacadeAddr,
		"--log-level=" + cfg.LogLevel,
	}
	if cfg.EnableRemote {
		process.Args = append(process.Args,
			"--enable-remote",
			"--remote-listen="+cfg.RemoteListen,
		)
	}

	if err := process.Start(); err != nil {
		return nil, fmt.Errorf("start ocapkernel process: %w", err)
	}

	if err := waitForFacade(cfg.FacadeNetwork, cfg.FacadeAddr); err != nil {
		_ = process.Stop()
		return nil, fmt.Errorf("facade not ready: %w", err)
	}

	facadeClient, err := facade.Dial(cfg.FacadeNetwork, cfg.FacadeAddr)
	if err != nil {
		_ = process.Stop()
		return nil, fmt.Errorf("dial facade: %w", err)
	}

	return &Node{Config: cfg, Process: process, Client: NewClient(facadeClient)}, nil
}

// Stop tears the node's process down and, unless KeepOnFailure is set,
// removes its data directory.
func (n *Node) Stop() error {
	if n.Client != nil {
		_ = n.Client.Close()
	}
	if n.Process != nil {
		if err := n.Process.Stop(); err != nil {
			return fmt.Errorf("stop ocapkernel process: %w", err)
		}
	}
	if !n.Config.KeepOnFailure {
		if err := os.RemoveAll(n.Config.DataDir); err != nil {
			return fmt.Errorf("remove data dir: %w", err)
		}
	}
	return nil
}

func waitForFacade(network, addr string) error {
	waiter := NewWaiter(30*time.Second, 200*time.Millisecond)
	return waiter.WaitFor(context.Background(), func() bool {
		conn, err := net.Dial(network, addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, fmt.Sprintf("facade at %s %s to accept connections", network, addr))
}

// mustFreePort asks the kernel for an ephemeral TCP port and releases it
// immediately; the narrow race between release and reuse by the child
// process is the same one every "pick a free port for a subprocess" test
// helper accepts.
func mustFreePort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("allocate free port: %v", err))
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
