package workerservice

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// stopGracePeriod is how long Stop waits for SIGTERM before escalating to
// SIGKILL, mirroring pkg/runtime's containerd StopContainer timeout.
const stopGracePeriod = 10 * time.Second

// ProcessLauncher runs cmd/ocap-supervisor as a plain OS subprocess. It
// requires no container runtime and is always available, the baseline
// every other Launcher in this package builds on.
type ProcessLauncher struct {
	// BinaryPath is the path to the ocap-supervisor binary; if empty, the
	// binary is resolved from PATH.
	BinaryPath string
}

// Launch starts the supervisor binary with spec passed through environment
// variables, exactly as cmd/ocap-supervisor's flags fall back to reading.
func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	bin := l.BinaryPath
	if bin == "" {
		bin = "ocap-supervisor"
	}

	cmd := exec.CommandContext(ctx, bin)
	cmd.Env = append(os.Environ(),
		"VAT_ID="+spec.VatID,
		"KERNEL_ADDR="+spec.KernelAddr,
		"CERT_DIR="+spec.CertDir,
		"BUNDLE_PATH="+spec.BundlePath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start vat supervisor process for %s: %w", spec.VatID, err)
	}
	return newProcessHandle(cmd), nil
}

// processHandle runs exactly one goroutine against cmd.Wait — exec.Cmd
// forbids calling Wait more than once, but both Wait and Stop need to
// observe the process's exit, so both block on the waited channel instead
// of calling cmd.Wait themselves.
type processHandle struct {
	cmd     *exec.Cmd
	waitErr error
	waited  chan struct{}
}

func newProcessHandle(cmd *exec.Cmd) *processHandle {
	h := &processHandle{cmd: cmd, waited: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.waited)
	}()
	return h
}

func (h *processHandle) Wait(ctx context.Context) error {
	select {
	case <-h.waited:
		return h.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *processHandle) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		h.cmd.Process.Kill()
		<-h.waited
		return nil
	}

	select {
	case <-h.waited:
		return nil
	case <-time.After(stopGracePeriod):
		h.cmd.Process.Kill()
		<-h.waited
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
