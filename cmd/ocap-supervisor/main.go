package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/ocapkernel/pkg/supervisor"
	"github.com/cuemby/ocapkernel/pkg/vatbundle"
	"github.com/cuemby/ocapkernel/pkg/vatprogram"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ocap-supervisor",
	Short: "Vat Supervisor - runs one vat's bundle and speaks its delivery stream back to the kernel",
	Long: `ocap-supervisor is the process a pkg/workerservice Launcher execs per
vat. It loads a vat bundle, evaluates its program, and dials the kernel's
supervisor endpoint to receive deliveries and issue syscalls for the
lifetime of the vat.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ocap-supervisor version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("vat-id", envOr("VAT_ID", ""), "vat ID this process supervises (env VAT_ID)")
	rootCmd.Flags().String("kernel-addr", envOr("KERNEL_ADDR", "127.0.0.1:7777"), "kernel supervisor endpoint (env KERNEL_ADDR)")
	rootCmd.Flags().String("cert-dir", envOr("CERT_DIR", ""), "directory holding this vat's mTLS identity (env CERT_DIR)")
	rootCmd.Flags().String("bundle", envOr("BUNDLE_PATH", ""), "path to the gzip-compressed vat bundle (env BUNDLE_PATH)")
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func run(cmd *cobra.Command, _ []string) error {
	vatID, _ := cmd.Flags().GetString("vat-id")
	kernelAddr, _ := cmd.Flags().GetString("kernel-addr")
	certDir, _ := cmd.Flags().GetString("cert-dir")
	bundlePath, _ := cmd.Flags().GetString("bundle")

	if vatID == "" || certDir == "" || bundlePath == "" {
		return fmt.Errorf("vat-id, cert-dir, and bundle are all required")
	}

	bundle, err := vatbundle.Load(bundlePath)
	if err != nil {
		return fmt.Errorf("load vat bundle: %w", err)
	}

	program, err := vatprogram.New(bundle.Code)
	if err != nil {
		return fmt.Errorf("resolve vat program %q: %w", bundle.Code, err)
	}
	runtime := vatprogram.NewRuntime(program, bundle.Metadata)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client, err := supervisor.Dial(ctx, supervisor.DialConfig{
		VatID:      vatID,
		KernelAddr: kernelAddr,
		CertDir:    certDir,
	})
	if err != nil {
		return fmt.Errorf("dial kernel supervisor endpoint: %w", err)
	}
	defer client.Close()

	fmt.Printf("vat %s connected to kernel at %s, running program %q\n", vatID, kernelAddr, bundle.Code)

	if err := client.Run(ctx, runtime); err != nil && ctx.Err() == nil {
		return fmt.Errorf("delivery stream ended: %w", err)
	}
	return nil
}
