//go:build darwin

package workerservice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"

	"github.com/cuemby/ocapkernel/pkg/log"
)

const limaInstanceName = "ocapkernel"

// LimaLauncher ensures a Lima VM hosting containerd is running before
// delegating to a ContainerdLauncher pointed at that VM's socket, the same
// two-step bootstrap pkg/embedded's EnsureContainerdMacOS performs ahead
// of the teacher's own containerd-backed workload launches.
type LimaLauncher struct {
	image      string
	underlying *ContainerdLauncher
}

// NewLimaLauncher starts (or reuses) the Lima VM and returns a launcher
// that runs image inside it per vat.
func NewLimaLauncher(ctx context.Context, image string) (*LimaLauncher, error) {
	logger := log.WithComponent("lima")

	inst, err := store.Inspect(limaInstanceName)
	if err != nil {
		logger.Info().Msg("creating lima instance for vat supervisors")
		if err := createLimaInstance(ctx); err != nil {
			return nil, fmt.Errorf("create lima instance: %w", err)
		}
		inst, err = store.Inspect(limaInstanceName)
		if err != nil {
			return nil, fmt.Errorf("inspect created lima instance: %w", err)
		}
	}

	if inst.Status != store.StatusRunning {
		logger.Info().Msg("starting lima instance")
		if err := instance.Start(ctx, inst, "", false); err != nil {
			return nil, fmt.Errorf("start lima instance: %w", err)
		}
	}

	socketPath := limaSocketPath()
	underlying, err := NewContainerdLauncher(socketPath, image)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd inside lima VM: %w", err)
	}
	return &LimaLauncher{image: image, underlying: underlying}, nil
}

func (l *LimaLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	return l.underlying.Launch(ctx, spec)
}

func (l *LimaLauncher) Close() error {
	return l.underlying.Close()
}

func limaSocketPath() string {
	limaHome := os.Getenv("LIMA_HOME")
	if limaHome == "" {
		home, _ := os.UserHomeDir()
		limaHome = filepath.Join(home, ".lima")
	}
	return filepath.Join(limaHome, limaInstanceName, "sock", "containerd.sock")
}

func createLimaInstance(ctx context.Context) error {
	arch := limayaml.AARCH64
	if runtime.GOARCH == "amd64" {
		arch = limayaml.X8664
	}
	cpus := 2
	memory := "2GiB"
	disk := "10GiB"

	config := limayaml.LimaYAML{
		Arch:   &arch,
		CPUs:   &cpus,
		Memory: &memory,
		Disk:   &disk,
	}

	configYAML, err := limayaml.Marshal(&config, false)
	if err != nil {
		return fmt.Errorf("marshal lima config: %w", err)
	}
	_, err = instance.Create(ctx, limaInstanceName, configYAML, false)
	return err
}
