package workerservice

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// namespace isolates vat containers from anything else sharing the
	// containerd daemon, the same role pkg/runtime's DefaultNamespace plays.
	namespace = "ocapkernel"

	defaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdLauncher runs each vat supervisor inside its own OCI container,
// for process and filesystem isolation beyond what ProcessLauncher offers.
// Adapted from pkg/runtime's ContainerdRuntime: same client/namespace/task
// lifecycle, retargeted from a user-supplied workload image to a fixed
// supervisor image running cmd/ocap-supervisor.
type ContainerdLauncher struct {
	client *containerd.Client
	// Image is the OCI image containing the ocap-supervisor binary.
	Image string
}

// NewContainerdLauncher dials containerd at socketPath (defaulting to the
// standard system socket) and returns a launcher that runs image per vat.
func NewContainerdLauncher(socketPath, image string) (*ContainerdLauncher, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}
	return &ContainerdLauncher{client: client, Image: image}, nil
}

// Close releases the containerd client connection.
func (l *ContainerdLauncher) Close() error {
	return l.client.Close()
}

func (l *ContainerdLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	ctx = namespaces.WithNamespace(ctx, namespace)

	image, err := l.client.GetImage(ctx, l.Image)
	if err != nil {
		image, err = l.client.Pull(ctx, l.Image, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("pull vat supervisor image %s: %w", l.Image, err)
		}
	}

	id := "vat-" + spec.VatID
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv([]string{
			"VAT_ID=" + spec.VatID,
			"KERNEL_ADDR=" + spec.KernelAddr,
			"CERT_DIR=" + spec.CertDir,
			"BUNDLE_PATH=" + spec.BundlePath,
		}),
		oci.WithMounts([]specs.Mount{
			{Source: spec.CertDir, Destination: spec.CertDir, Type: "bind", Options: []string{"ro", "bind"}},
			{Source: spec.BundlePath, Destination: spec.BundlePath, Type: "bind", Options: []string{"ro", "bind"}},
		}),
	}

	container, err := l.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("create vat supervisor container for %s: %w", spec.VatID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("create vat supervisor task for %s: %w", spec.VatID, err)
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("start vat supervisor task for %s: %w", spec.VatID, err)
	}

	return &containerdHandle{container: container, task: task}, nil
}

type containerdHandle struct {
	container containerd.Container
	task      containerd.Task
}

func (h *containerdHandle) Wait(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, namespace)
	statusC, err := h.task.Wait(ctx)
	if err != nil {
		return err
	}
	status := <-statusC
	if status.ExitCode() != 0 {
		return fmt.Errorf("vat supervisor task exited with code %d", status.ExitCode())
	}
	return nil
}

// Stop mirrors pkg/runtime's StopContainer: SIGTERM, wait up to the grace
// period, then SIGKILL, then clean up the task and container.
func (h *containerdHandle) Stop(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, namespace)

	stopCtx, cancel := context.WithTimeout(ctx, stopGracePeriod)
	defer cancel()

	if err := h.task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal vat supervisor task: %w", err)
	}

	statusC, err := h.task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait on vat supervisor task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := h.task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill vat supervisor task: %w", err)
		}
		<-time.After(time.Second)
	}

	if _, err := h.task.Delete(ctx); err != nil {
		return fmt.Errorf("delete vat supervisor task: %w", err)
	}
	if err := h.container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete vat supervisor container: %w", err)
	}
	return nil
}
